// Package sorter drives the per-file pipeline: dedupe, classify, strip,
// place, censor and record.
package sorter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/internal/config"
	"github.com/menta2k/selfie-sorter/internal/utils"
	"github.com/menta2k/selfie-sorter/pkg/censor"
	"github.com/menta2k/selfie-sorter/pkg/coarse"
	"github.com/menta2k/selfie-sorter/pkg/command"
	"github.com/menta2k/selfie-sorter/pkg/dedupe"
	"github.com/menta2k/selfie-sorter/pkg/detection"
	"github.com/menta2k/selfie-sorter/pkg/metadata"
	"github.com/menta2k/selfie-sorter/pkg/processing"
	"github.com/menta2k/selfie-sorter/pkg/router"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// UnlabeledDir holds images without any detection
const UnlabeledDir = "unlabeled"

// Outcome is the terminal state of one file
type Outcome int

const (
	OutcomeExplicit Outcome = iota
	OutcomeSuggestive
	OutcomeSafe
	OutcomeKeptInPlace
	OutcomeDuplicate
)

// Summary counts what a run did
type Summary struct {
	Discovered  int
	Explicit    int
	Suggestive  int
	Safe        int
	KeptInPlace int
	Duplicates  int
	Failed      int
	Censored    int
	Sidecars    int
	BytesPlaced int64
}

func (s *Summary) record(o Outcome) {
	switch o {
	case OutcomeExplicit:
		s.Explicit++
	case OutcomeSuggestive:
		s.Suggestive++
	case OutcomeSafe:
		s.Safe++
	case OutcomeKeptInPlace:
		s.KeptInPlace++
	case OutcomeDuplicate:
		s.Duplicates++
	}
}

// Sorter sorts one input set into an output tree. A Sorter may run more
// than once; each run starts with an empty duplicate index.
type Sorter struct {
	cfg       *config.SortConfig
	gate      *coarse.Gate
	detector  detection.Detector
	router    *router.Router
	cleaner   *metadata.Cleaner
	censor    *censor.Censor
	processor *processing.Processor
	logger    *zap.Logger

	scorer coarse.Scorer
	runner command.Runner
}

// Option configures a Sorter
type Option func(*Sorter)

// WithScorer sets the coarse scorer. Without one the coarse gate is off.
func WithScorer(s coarse.Scorer) Option {
	return func(st *Sorter) { st.scorer = s }
}

// WithDetector sets the fine detector. Without one nothing is detected.
func WithDetector(d detection.Detector) Option {
	return func(st *Sorter) {
		if d != nil {
			st.detector = d
		}
	}
}

// WithRunner sets the command runner used for the metadata tool
func WithRunner(r command.Runner) Option {
	return func(st *Sorter) { st.runner = r }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(st *Sorter) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithProcessor sets the image loader and encoder
func WithProcessor(p *processing.Processor) Option {
	return func(st *Sorter) {
		if p != nil {
			st.processor = p
		}
	}
}

// New validates cfg and wires the pipeline. Configuration errors are
// returned before any file is touched.
func New(cfg *config.SortConfig, opts ...Option) (*Sorter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", types.ErrInvalidConfig)
	}
	if err := cfg.ValidateSortMode(); err != nil {
		return nil, err
	}

	s := &Sorter{
		cfg:       cfg,
		detector:  detection.Nop{},
		processor: processing.NewProcessorWithQuality(cfg.Censor.Quality),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.runner == nil {
		s.runner = command.New(
			command.WithTimeout(cfg.Tools.Timeout),
			command.WithRetry(uint64(cfg.Tools.Retries), time.Second),
		)
	}

	s.gate = coarse.NewGate(s.scorer, cfg.UseCoarseGate, s.logger)
	s.router = router.New(cfg.ExplicitLabels, cfg.SuggestiveLabels, cfg.NSFWThreshold)
	s.cleaner = metadata.New(cfg.StripMetadata, cfg.Tools.Exiftool, s.runner, s.logger)

	if cfg.Censor.Enabled {
		c, err := censor.New(cfg.Censor.Style, cfg.Censor.Strength, cfg.Censor.Label,
			censor.WithLogger(s.logger), censor.WithProcessor(s.processor))
		if err != nil {
			return nil, err
		}
		s.censor = c
	}

	if cfg.StripMetadata && !s.cleaner.Available() {
		s.logger.Warn("metadata tool not found, images will keep their metadata", zap.String("tool", cfg.Tools.Exiftool))
	}
	return s, nil
}

// Discover returns the files a run would process, sorted case-insensitively
func (s *Sorter) Discover() ([]string, error) {
	var files []string

	if len(s.cfg.Files) > 0 {
		seen := map[string]bool{}
		for _, f := range s.cfg.Files {
			resolved := resolvePath(f)
			if seen[resolved] {
				continue
			}
			info, err := os.Stat(resolved)
			switch {
			case err != nil:
				s.logger.Warn("skipping missing file", zap.String("path", f))
				continue
			case !info.Mode().IsRegular():
				s.logger.Warn("skipping non-file", zap.String("path", f))
				continue
			case !utils.IsImageFile(resolved, s.cfg.Extensions):
				s.logger.Warn("skipping unsupported file", zap.String("path", f))
				continue
			}
			seen[resolved] = true
			files = append(files, resolved)
		}
	} else {
		var skip []string
		if utils.IsWithin(s.cfg.InputDir, s.cfg.OutputDir) {
			skip = append(skip, s.cfg.OutputDir)
		}
		listed, err := utils.ListImageFiles(s.cfg.InputDir, s.cfg.Extensions, skip...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.cfg.InputDir, err)
		}
		files = listed
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i]), strings.ToLower(files[j])
		if a != b {
			return a < b
		}
		return files[i] < files[j]
	})
	return files, nil
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		return target
	}
	return abs
}

// Run processes every discovered file in order. Per-file failures are
// logged and counted; cancellation of ctx stops the run and is returned.
func (s *Sorter) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	for _, d := range []string{s.cfg.Buckets.Explicit, s.cfg.Buckets.Suggestive, s.cfg.Buckets.Safe, s.cfg.Buckets.Dupes} {
		if err := utils.EnsureDir(filepath.Join(s.cfg.OutputDir, d)); err != nil {
			return summary, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	files, err := s.Discover()
	if err != nil {
		return summary, err
	}
	summary.Discovered = len(files)
	s.logger.Info("sorting",
		zap.Int("files", len(files)),
		zap.Bool("coarse_gate", s.gate.Enabled()),
		zap.Float64("threshold", s.router.Threshold()),
	)

	index := dedupe.New(s.cfg.DupHamming, s.processor, s.logger)

	var bar *progressbar.ProgressBar
	if s.cfg.ShowProgress {
		bar = progressbar.Default(int64(len(files)), "sorting")
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		outcome, err := s.processSafely(ctx, index, path, &summary)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			s.logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			summary.Failed++
			continue
		}
		summary.record(outcome)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	s.logger.Info("sort finished",
		zap.Int("files", summary.Discovered),
		zap.Int("explicit", summary.Explicit),
		zap.Int("suggestive", summary.Suggestive),
		zap.Int("safe", summary.Safe),
		zap.Int("kept_in_place", summary.KeptInPlace),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.Failed),
		zap.Int("censored", summary.Censored),
		zap.String("placed", utils.FormatFileSize(summary.BytesPlaced)),
	)
	return summary, nil
}

// processSafely turns a panic in one file's pipeline into an error
func (s *Sorter) processSafely(ctx context.Context, index *dedupe.Index, path string, summary *Summary) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing: %v", r)
		}
	}()
	return s.processFile(ctx, index, path, summary)
}

func (s *Sorter) processFile(ctx context.Context, index *dedupe.Index, path string, summary *Summary) (Outcome, error) {
	if index.IsDuplicate(path) {
		if _, err := s.place(path, filepath.Join(s.cfg.OutputDir, s.cfg.Buckets.Dupes), summary); err != nil {
			return 0, err
		}
		s.logger.Debug("duplicate", zap.String("path", path))
		return OutcomeDuplicate, nil
	}

	var coarseScore *float64
	if p, ok := s.gate.Score(ctx, path); ok {
		coarseScore = &p
	}
	dets := s.detector.Detect(ctx, path)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cls := s.router.Classify(coarseScore, dets)

	s.strip(ctx, path)

	if cls.Bucket == types.BucketSafe && !s.cfg.MoveSafe {
		return OutcomeKeptInPlace, nil
	}

	destDir := filepath.Join(s.cfg.OutputDir, s.cfg.BucketDir(cls.Bucket), LabelDir(dets))
	dest, err := s.place(path, destDir, summary)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("placed",
		zap.String("path", path),
		zap.String("dest", dest),
		zap.String("bucket", string(cls.Bucket)),
		zap.Strings("labels", cls.Labels),
	)

	if s.censor != nil {
		if out, err := s.censorCopy(dest, dets); err != nil {
			s.logger.Warn("failed to write censored copy", zap.String("path", dest), zap.Error(err))
		} else {
			summary.Censored++
			s.logger.Debug("censored copy written", zap.String("dest", out))
		}
	}

	if s.cfg.WriteSidecar {
		if err := WriteSidecar(dest, coarseScore, cls, dets); err != nil {
			s.logger.Warn("failed to write sidecar", zap.String("path", dest), zap.Error(err))
		} else {
			summary.Sidecars++
		}
	}

	switch cls.Bucket {
	case types.BucketExplicit:
		return OutcomeExplicit, nil
	case types.BucketSuggestive:
		return OutcomeSuggestive, nil
	default:
		return OutcomeSafe, nil
	}
}

// strip is best-effort: every failure is logged and the pipeline goes on
func (s *Sorter) strip(ctx context.Context, path string) {
	if !s.cleaner.Enabled() {
		return
	}
	ok, err := s.cleaner.Strip(ctx, path)
	switch {
	case err != nil:
		s.logger.Warn("metadata strip rejected", zap.String("path", path), zap.Error(err))
	case !ok:
		s.logger.Debug("metadata left in place", zap.String("path", path))
	default:
		if n := metadata.Residual(path); n > 0 {
			s.logger.Warn("metadata remains after strip", zap.String("path", path), zap.Int("tags", n))
		}
	}
}

// place moves path into dir under a collision-safe name
func (s *Sorter) place(path, dir string, summary *Summary) (string, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	dest := utils.UniqueDest(filepath.Join(dir, filepath.Base(path)))
	if err := utils.MoveFile(path, dest); err != nil {
		return "", err
	}
	summary.BytesPlaced += size
	return dest, nil
}

// censorCopy mirrors dest's place in the output tree under the censored root
func (s *Sorter) censorCopy(dest string, dets []types.Detection) (string, error) {
	rel, err := filepath.Rel(s.cfg.OutputDir, dest)
	if err != nil {
		return "", err
	}
	mirrored := censor.DefaultDestination(filepath.Join(s.cfg.CensorRoot(), rel), s.cfg.Censor.Suffix)
	return s.censor.CreateCopy(dest, utils.UniqueDest(mirrored), nil, dets)
}

// LabelDir names the subdirectory for an image after its highest-scoring
// detection. The first detection wins a tie.
func LabelDir(dets []types.Detection) string {
	if len(dets) == 0 {
		return UnlabeledDir
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	name := utils.SanitizeFilename(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(best.Label)), " ", "_"))
	if name == "" {
		return UnlabeledDir
	}
	return name
}

// SidecarPath returns the sidecar location for a placed image
func SidecarPath(dest string) string {
	return dest + ".json"
}

// WriteSidecar records the decision for the image at dest. An existing
// sidecar is never replaced; the error then wraps os.ErrExist.
func WriteSidecar(dest string, coarseScore *float64, cls types.Classification, dets []types.Detection) error {
	labels := cls.Labels
	if labels == nil {
		labels = []string{}
	}
	if dets == nil {
		dets = []types.Detection{}
	}
	doc := types.Sidecar{
		CoarseScore: coarseScore,
		Bucket:      cls.Bucket,
		Labels:      labels,
		Detections:  dets,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	f, err := os.OpenFile(SidecarPath(dest), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create sidecar: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return f.Close()
}
