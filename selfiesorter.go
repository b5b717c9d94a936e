// Package selfiesorter sorts a directory of photos into safe, suggestive and
// explicit buckets.
//
// Each image goes through a small pipeline:
//
//  1. near-duplicates (same filename stem, close perceptual hash) are moved
//     to a dupes directory
//  2. an optional coarse model scores the whole image and an optional
//     detector reports labeled body-part regions
//  3. a fixed priority chain turns both signals into a bucket
//  4. embedded metadata is stripped with exiftool
//  5. the image moves to {out}/{bucket}/{label}/ under a name that never
//     overwrites an existing file
//  6. optionally a censored copy and a JSON sidecar are written
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.InputDir, cfg.OutputDir = "photos", "sorted"
//
//	s, err := selfiesorter.NewSorter(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	summary, err := s.Run(ctx)
//
// Models are external collaborators. The "command" backend runs programs
// that print a probability or a JSON detection list; the "ollama" and
// "llamacpp" backends prompt a vision model. A backend that is not
// available falls back to no score and no detections.
package selfiesorter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/internal/config"
	"github.com/menta2k/selfie-sorter/pkg/censor"
	"github.com/menta2k/selfie-sorter/pkg/client"
	"github.com/menta2k/selfie-sorter/pkg/coarse"
	"github.com/menta2k/selfie-sorter/pkg/command"
	"github.com/menta2k/selfie-sorter/pkg/detection"
	"github.com/menta2k/selfie-sorter/pkg/llamacpp"
	"github.com/menta2k/selfie-sorter/pkg/ollama"
	"github.com/menta2k/selfie-sorter/pkg/processing"
	"github.com/menta2k/selfie-sorter/pkg/sorter"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// Version of the selfie sorter
const Version = "1.0.0"

// Default server addresses for the vision backends
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultLlamaCppURL = "http://localhost:8080"
)

// Collaborators are the model backends selected for a run
type Collaborators struct {
	Scorer   coarse.Scorer
	Detector detection.Detector
}

// NewRunner builds the command runner configured for external tools
func NewRunner(cfg *config.SortConfig) *command.Executor {
	return command.New(
		command.WithTimeout(cfg.Tools.Timeout),
		command.WithRetry(uint64(cfg.Tools.Retries), time.Second),
	)
}

// BuildCollaborators selects the scorer and detector for cfg.Backend.
// Unavailable programs degrade to a nil scorer and the Nop detector.
func BuildCollaborators(cfg *config.SortConfig, runner command.Runner, logger *zap.Logger) (Collaborators, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	none := Collaborators{Detector: detection.Nop{}}

	switch cfg.Backend.Kind {
	case config.BackendNone, "":
		return none, nil

	case config.BackendCommand:
		out := none
		if exe := command.Resolve(cfg.Tools.ScorerCmd); exe != "" {
			out.Scorer = coarse.NewCommandScorer(runner, exe, nil)
		} else if cfg.Tools.ScorerCmd != "" {
			logger.Warn("coarse scorer not found, gate disabled", zap.String("cmd", cfg.Tools.ScorerCmd))
		}
		if exe := command.Resolve(cfg.Tools.DetectorCmd); exe != "" {
			out.Detector = detection.NewCommandDetector(runner, exe, nil, logger)
		} else if cfg.Tools.DetectorCmd != "" {
			logger.Warn("detector not found, no detections", zap.String("cmd", cfg.Tools.DetectorCmd))
		}
		return out, nil

	case config.BackendOllama, config.BackendLlamaCpp:
		vc, err := newVisionClient(cfg.Backend.Kind, cfg.Backend.URL)
		if err != nil {
			return none, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
		}
		processor := processing.NewProcessor()
		labels := append(append([]string{}, cfg.ExplicitLabels...), cfg.SuggestiveLabels...)
		return Collaborators{
			Scorer:   coarse.NewVisionScorer(vc, processor, cfg.Backend.Model),
			Detector: detection.NewVisionDetector(vc, processor, cfg.Backend.Model, labels, logger),
		}, nil
	}
	return none, fmt.Errorf("%w: unknown backend %q", types.ErrInvalidConfig, cfg.Backend.Kind)
}

func newVisionClient(kind, url string) (client.VisionClient, error) {
	if kind == config.BackendOllama {
		if url == "" {
			url = DefaultOllamaURL
		}
		return ollama.NewClient(url)
	}
	if url == "" {
		url = DefaultLlamaCppURL
	}
	return llamacpp.NewClient(url)
}

// NewSorter wires collaborators for cfg and returns a ready sorter
func NewSorter(cfg *config.SortConfig, logger *zap.Logger) (*sorter.Sorter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.ValidateSortMode(); err != nil {
		return nil, err
	}

	runner := NewRunner(cfg)
	collab, err := BuildCollaborators(cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	if cfg.UseCoarseGate && collab.Scorer == nil {
		logger.Info("no coarse scorer available, coarse gate disabled")
	}

	return sorter.New(cfg,
		sorter.WithScorer(collab.Scorer),
		sorter.WithDetector(collab.Detector),
		sorter.WithRunner(runner),
		sorter.WithLogger(logger),
	)
}

// CensorExisting writes censored copies for every image of an already
// sorted tree whose sidecar lists detections.
func CensorExisting(root string, cfg *config.SortConfig, logger *zap.Logger) ([]string, error) {
	c, err := censor.New(cfg.Censor.Style, cfg.Censor.Strength, cfg.Censor.Label,
		censor.WithLogger(logger),
		censor.WithProcessor(processing.NewProcessorWithQuality(cfg.Censor.Quality)))
	if err != nil {
		return nil, err
	}
	return censor.CensorSortedTree(root, c, cfg.Censor.Suffix, cfg.Extensions)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
