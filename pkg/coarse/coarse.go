// Package coarse provides the whole-image NSFW probability gate.
package coarse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/pkg/client"
	"github.com/menta2k/selfie-sorter/pkg/command"
	"github.com/menta2k/selfie-sorter/pkg/detection"
)

// Scorer predicts the probability that an image is explicit
type Scorer interface {
	Predict(ctx context.Context, path string) (float64, error)
}

// Gate wraps an optional Scorer and turns every failure into "no score"
type Gate struct {
	scorer  Scorer
	enabled bool
	logger  *zap.Logger
}

// NewGate creates a gate. It is disabled when scorer is nil or enabled is
// false.
func NewGate(scorer Scorer, enabled bool, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{scorer: scorer, enabled: enabled && scorer != nil, logger: logger}
}

// Enabled reports whether the gate will call its scorer
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Score returns the coarse probability for path. The second result is false
// when the gate is disabled or the scorer failed.
func (g *Gate) Score(ctx context.Context, path string) (float64, bool) {
	if !g.enabled {
		return 0, false
	}
	p, err := g.scorer.Predict(ctx, path)
	if err != nil {
		g.logger.Debug("coarse scorer failed", zap.String("path", path), zap.Error(err))
		return 0, false
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		g.logger.Debug("coarse score out of range", zap.String("path", path), zap.Float64("score", p))
		return 0, false
	}
	return p, true
}

// CommandScorer runs an external predictor (for example an OpenNSFW2
// wrapper) that prints a single probability for the image path given as its
// last argument.
type CommandScorer struct {
	runner  command.Runner
	program string
	args    []string
}

// NewCommandScorer creates a scorer backed by an external program
func NewCommandScorer(runner command.Runner, program string, args []string) *CommandScorer {
	return &CommandScorer{runner: runner, program: program, args: args}
}

// Predict implements Scorer
func (s *CommandScorer) Predict(ctx context.Context, path string) (float64, error) {
	args := append(append([]string{}, s.args...), path)
	result, err := s.runner.Run(ctx, s.program, args...)
	if err != nil {
		return 0, err
	}
	return ParseScore(result.Stdout)
}

// ParseScore reads a probability from predictor output: either a bare number
// or a JSON object with an "nsfw_probability" or "score" field.
func ParseScore(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, nil
	}

	cleaned := detection.SanitizeModelJSON(raw)
	var obj struct {
		NSFW  *float64 `json:"nsfw_probability"`
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return 0, fmt.Errorf("unreadable score %q: %w", raw, err)
	}
	switch {
	case obj.NSFW != nil:
		return *obj.NSFW, nil
	case obj.Score != nil:
		return *obj.Score, nil
	}
	return 0, fmt.Errorf("no score in %q", raw)
}

// ImageEncoder prepares an image file for a vision model
type ImageEncoder interface {
	PrepareFileForModel(path, format string, maxDim, quality int) (string, error)
}

// ScorePrompt asks a vision model for a single explicitness probability
const ScorePrompt = `You are a content rating model for a private photo sorter.

Return JSON only:
{"nsfw_probability": 0.0}

RULES
- nsfw_probability is the probability in [0,1] that the image contains nudity or sexually explicit content.
- JSON only. No markdown, no code fences, no comments.`

// VisionScorer asks a multimodal model for the coarse probability
type VisionScorer struct {
	client  client.VisionClient
	encoder ImageEncoder
	model   string
}

// NewVisionScorer creates a scorer backed by a vision model
func NewVisionScorer(c client.VisionClient, encoder ImageEncoder, model string) *VisionScorer {
	return &VisionScorer{client: c, encoder: encoder, model: model}
}

// Predict implements Scorer
func (s *VisionScorer) Predict(ctx context.Context, path string) (float64, error) {
	imgB64, err := s.encoder.PrepareFileForModel(path, "jpg", 768, 85)
	if err != nil {
		return 0, err
	}
	answer, err := s.client.SimpleQuery(ctx, s.model, ScorePrompt, imgB64)
	if err != nil {
		return 0, err
	}
	return ParseScore(answer)
}
