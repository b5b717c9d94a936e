package censor

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/internal/utils"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// CensorSortedTree writes a censored copy beside every image under root
// whose `<file>.json` sidecar lists at least one detection. Copies are named
// `{stem}{suffix}{ext}`, numbered on collision. Images whose stem already
// ends with suffix are treated as earlier output and left alone.
//
// Per-file problems are logged and skipped. Only a failure to walk root is
// returned as an error.
func CensorSortedTree(root string, c *Censor, suffix string, exts []string) ([]string, error) {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("cannot censor tree %s: not a directory", root)
	}

	// Collect first so copies written below are never picked up by the walk.
	var images []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && utils.IsImageFile(path, exts) {
			images = append(images, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	created := []string{}
	for _, path := range images {
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(filepath.Base(path), ext)
		if strings.HasSuffix(stem, suffix) {
			continue
		}

		sidecar, err := readSidecar(path + ".json")
		if err != nil {
			c.logger.Warn("skipping image without usable sidecar", zap.String("path", path), zap.Error(err))
			continue
		}
		if len(sidecar.Detections) == 0 {
			c.logger.Debug("no detections, nothing to censor", zap.String("path", path))
			continue
		}

		dest := utils.UniqueNumbered(filepath.Join(filepath.Dir(path), stem+suffix+ext))
		written, err := c.CreateCopy(path, dest, nil, sidecar.Detections)
		if err != nil {
			c.logger.Warn("failed to censor image", zap.String("path", path), zap.Error(err))
			continue
		}
		c.logger.Info("censored copy written", zap.String("source", path), zap.String("dest", written))
		created = append(created, written)
	}
	return created, nil
}

func readSidecar(path string) (*types.Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc types.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	return &sc, nil
}
