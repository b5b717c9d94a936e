// Package metadata removes embedded EXIF, IPTC and XMP data from images
// with an external exiftool-compatible program.
package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bep/imagemeta"
	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/pkg/command"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// DefaultTool is the command name looked up when no tool is configured
const DefaultTool = "exiftool"

// stripArgs wipe every tag and overwrite the file without leaving a backup.
var stripArgs = []string{"-all:all=", "-overwrite_original"}

// Cleaner strips metadata in place. Failures of the external tool are
// reported as false, never as errors.
type Cleaner struct {
	enabled bool
	tool    string
	runner  command.Runner
	logger  *zap.Logger
}

// New creates a cleaner. tool is an executable path or a command name;
// empty selects DefaultTool.
func New(enabled bool, tool string, runner command.Runner, logger *zap.Logger) *Cleaner {
	if tool == "" {
		tool = DefaultTool
	}
	if runner == nil {
		runner = command.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{enabled: enabled, tool: tool, runner: runner, logger: logger}
}

// Enabled reports whether Strip touches files
func (c *Cleaner) Enabled() bool {
	return c.enabled
}

// Available reports whether the configured tool can be resolved
func (c *Cleaner) Available() bool {
	return command.Resolve(c.tool) != ""
}

// Strip removes all metadata from the file at path.
//
// A disabled cleaner succeeds without touching the file. An unresolvable
// tool, a failed run or a nonzero exit return false. Only a missing or
// non-regular path is an error.
func (c *Cleaner) Strip(ctx context.Context, path string) (bool, error) {
	if !c.enabled {
		return true, nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false, fmt.Errorf("cannot strip %s: %w", path, types.ErrNotAFile)
	}

	exe := command.Resolve(c.tool)
	if exe == "" {
		c.logger.Warn("metadata tool not found", zap.String("tool", c.tool))
		return false, nil
	}

	args := append(append([]string{}, stripArgs...), path)
	result, err := c.runner.Run(ctx, exe, args...)
	if err != nil {
		fields := []zap.Field{zap.String("path", path), zap.Error(err)}
		if result != nil && result.Stderr != "" {
			fields = append(fields, zap.String("stderr", result.Stderr))
		}
		c.logger.Warn("metadata strip failed", fields...)
		return false, nil
	}
	if result != nil && result.ExitCode != 0 {
		c.logger.Warn("metadata strip failed", zap.String("path", path), zap.Int("exit_code", result.ExitCode))
		return false, nil
	}
	return true, nil
}

// Residual counts the EXIF, IPTC and XMP tags still present in the file.
// Unreadable files and formats without metadata report zero.
func Residual(path string) int {
	format, ok := metaFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	// A decode error after some tags were read still leaves them counted.
	_, _ = imagemeta.Decode(imagemeta.Options{
		R:           f,
		ImageFormat: format,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(imagemeta.TagInfo) bool {
			return true
		},
		HandleTag: func(imagemeta.TagInfo) error {
			count++
			return nil
		},
	})
	return count
}

var metaFormats = map[string]imagemeta.ImageFormat{
	".jpg":  imagemeta.JPEG,
	".jpeg": imagemeta.JPEG,
	".png":  imagemeta.PNG,
	".webp": imagemeta.WebP,
	".tif":  imagemeta.TIFF,
	".tiff": imagemeta.TIFF,
}
