package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	selfiesorter "github.com/menta2k/selfie-sorter"
	"github.com/menta2k/selfie-sorter/internal/config"
	"github.com/menta2k/selfie-sorter/internal/logging"
)

// stringList collects a flag given several times or as a comma separated list
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

type options struct {
	configPath     string
	censorExisting string
	version        bool

	in, out        string
	files          stringList
	noCoarse       bool
	threshold      float64
	keepSafe       bool
	noExifStrip    bool
	dupHamming     int
	censorCopies   bool
	censorStyle    string
	censorStrength int
	censorLabel    string
	censorSuffix   string
	censorQuality  int

	backend     string
	url         string
	model       string
	scorerCmd   string
	detectorCmd string
	exiftool    string
	toolTimeout time.Duration
	toolRetries int
	noSidecar   bool
	noProgress  bool
	logMode     string
}

func main() {
	os.Exit(run())
}

func run() int {
	var o options
	defaults := config.Default()

	flag.StringVar(&o.configPath, "config", "", "config file (yaml/json/toml); defaults to "+config.GetConfigPath()+" when present")
	flag.StringVar(&o.censorExisting, "censor-existing", "", "censor images of an already sorted tree using their sidecars, then exit")
	flag.BoolVar(&o.version, "version", false, "print version and exit")

	flag.StringVar(&o.in, "in", "", "input directory")
	flag.StringVar(&o.out, "out", "", "output directory")
	flag.Var(&o.files, "files", "explicit image files to process instead of scanning --in (comma separated or repeated)")
	flag.BoolVar(&o.noCoarse, "no-coarse", false, "disable the coarse NSFW gate")
	flag.Float64Var(&o.threshold, "nsfw-threshold", defaults.NSFWThreshold, "coarse probability at which an image is no longer safe")
	flag.BoolVar(&o.keepSafe, "keep-safe", false, "keep safe images in place (do not move)")
	flag.BoolVar(&o.noExifStrip, "no-exif-strip", false, "do not remove metadata")
	flag.IntVar(&o.dupHamming, "dup-hamming", defaults.DupHamming, "max perceptual hash distance for near-duplicates")
	flag.BoolVar(&o.censorCopies, "censor-copies", false, "write a censored copy of each moved file under the censored root")
	flag.StringVar(&o.censorStyle, "censor-style", defaults.Censor.Style, "censoring style: pixelated|blurred|black-box")
	flag.IntVar(&o.censorStrength, "censor-strength", defaults.Censor.Strength, "intensity of the censoring effect (block size or blur radius)")
	flag.StringVar(&o.censorLabel, "censor-label", defaults.Censor.Label, "text drawn inside black boxes; {label} is replaced with the detection label")
	flag.StringVar(&o.censorSuffix, "censor-suffix", defaults.Censor.Suffix, "suffix inserted before the extension of censored copies")
	flag.IntVar(&o.censorQuality, "censor-quality", defaults.Censor.Quality, "JPEG/WebP quality of censored copies (1-100)")

	flag.StringVar(&o.backend, "backend", defaults.Backend.Kind, "model backend: none|command|ollama|llamacpp")
	flag.StringVar(&o.url, "url", "", "server URL (defaults: ollama="+selfiesorter.DefaultOllamaURL+", llamacpp="+selfiesorter.DefaultLlamaCppURL+")")
	flag.StringVar(&o.model, "model", "", "vision model name")
	flag.StringVar(&o.scorerCmd, "scorer-cmd", "", "program printing the NSFW probability of the image path it is given")
	flag.StringVar(&o.detectorCmd, "detector-cmd", "", "program printing JSON detections for the image path it is given")
	flag.StringVar(&o.exiftool, "exiftool", defaults.Tools.Exiftool, "metadata tool path or command name")
	flag.DurationVar(&o.toolTimeout, "tool-timeout", 0, "timeout per external tool call (0 = none)")
	flag.IntVar(&o.toolRetries, "tool-retries", 0, "retries per failed external tool call")
	flag.BoolVar(&o.noSidecar, "no-sidecar", false, "do not write JSON sidecars")
	flag.BoolVar(&o.noProgress, "no-progress", false, "hide the progress bar")
	flag.StringVar(&o.logMode, "log-mode", defaults.LogMode, "log format: development|production")

	flag.Parse()

	if o.version {
		fmt.Println("selfie-sort", selfiesorter.GetVersion())
		return 0
	}

	if err := checkModes(&o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	applyFlags(cfg, &o)

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create logger: %v\n", err)
		return 1
	}
	defer logging.Sync(logger)

	if o.censorExisting != "" {
		return censorExisting(cfg, o.censorExisting, logger)
	}

	if cfg.InputDir == "" || cfg.OutputDir == "" {
		fmt.Fprintf(os.Stderr, "usage: %s --in DIR --out DIR [flags] | --censor-existing DIR\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := selfiesorter.NewSorter(cfg, logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}

	if _, err := s.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted")
			return 130
		}
		logger.Error("sort failed", zap.Error(err))
		return 1
	}
	return 0
}

func censorExisting(cfg *config.SortConfig, root string, logger *zap.Logger) int {
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}
	created, err := selfiesorter.CensorExisting(root, cfg, logger)
	if err != nil {
		logger.Error("censoring failed", zap.Error(err))
		return 1
	}
	logger.Info("censored copies written", zap.Int("count", len(created)), zap.String("root", root))
	return 0
}

// checkModes rejects sort-mode flags combined with --censor-existing
func checkModes(o *options) error {
	if o.censorExisting == "" {
		return nil
	}
	if o.in != "" || o.out != "" || len(o.files) > 0 {
		return errors.New("--censor-existing cannot be combined with --in, --out or --files")
	}
	return nil
}

// applyFlags copies only the flags given on the command line, so values from
// the config file and environment survive unless overridden.
func applyFlags(cfg *config.SortConfig, o *options) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "in":
			cfg.InputDir = o.in
		case "out":
			cfg.OutputDir = o.out
		case "files":
			cfg.Files = o.files
		case "no-coarse":
			cfg.UseCoarseGate = !o.noCoarse
		case "nsfw-threshold":
			cfg.NSFWThreshold = o.threshold
		case "keep-safe":
			cfg.MoveSafe = !o.keepSafe
		case "no-exif-strip":
			cfg.StripMetadata = !o.noExifStrip
		case "dup-hamming":
			cfg.DupHamming = o.dupHamming
		case "censor-copies":
			cfg.Censor.Enabled = o.censorCopies
		case "censor-style":
			cfg.Censor.Style = o.censorStyle
		case "censor-strength":
			cfg.Censor.Strength = o.censorStrength
		case "censor-label":
			cfg.Censor.Label = o.censorLabel
		case "censor-suffix":
			cfg.Censor.Suffix = o.censorSuffix
		case "censor-quality":
			cfg.Censor.Quality = o.censorQuality
		case "backend":
			cfg.Backend.Kind = o.backend
		case "url":
			cfg.Backend.URL = o.url
		case "model":
			cfg.Backend.Model = o.model
		case "scorer-cmd":
			cfg.Tools.ScorerCmd = o.scorerCmd
		case "detector-cmd":
			cfg.Tools.DetectorCmd = o.detectorCmd
		case "exiftool":
			cfg.Tools.Exiftool = o.exiftool
		case "tool-timeout":
			cfg.Tools.Timeout = o.toolTimeout
		case "tool-retries":
			cfg.Tools.Retries = o.toolRetries
		case "no-sidecar":
			cfg.WriteSidecar = !o.noSidecar
		case "no-progress":
			cfg.ShowProgress = !o.noProgress
		case "log-mode":
			cfg.LogMode = o.logMode
		}
	})
}
