package detection

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/selfie-sorter/pkg/client"
	"github.com/menta2k/selfie-sorter/pkg/command"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// Detector finds labeled body-part regions in an image file.
//
// Implementations never fail: a broken or missing model yields an empty
// result.
type Detector interface {
	Detect(ctx context.Context, path string) []types.Detection
}

// Nop is the detector used when no model is available
type Nop struct{}

// Detect always returns no detections
func (Nop) Detect(context.Context, string) []types.Detection { return nil }

// CommandDetector runs an external detector (for example a NudeNet wrapper
// script) that prints a JSON array of detections for the image path given as
// its last argument.
type CommandDetector struct {
	runner  command.Runner
	program string
	args    []string
	logger  *zap.Logger
}

// NewCommandDetector creates a detector backed by an external program
func NewCommandDetector(runner command.Runner, program string, args []string, logger *zap.Logger) *CommandDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandDetector{runner: runner, program: program, args: args, logger: logger}
}

// Detect implements Detector
func (d *CommandDetector) Detect(ctx context.Context, path string) []types.Detection {
	args := append(append([]string{}, d.args...), path)
	result, err := d.runner.Run(ctx, d.program, args...)
	if err != nil {
		d.logger.Debug("detector command failed", zap.String("path", path), zap.Error(err))
		return nil
	}

	dets, err := ParseDetections(result.Stdout)
	if err != nil {
		d.logger.Debug("detector output unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return dets
}

// ImageEncoder prepares an image file for a vision model
type ImageEncoder interface {
	PrepareFileForModel(path, format string, maxDim, quality int) (string, error)
}

// VisionDetector asks a multimodal model for body-part detections
type VisionDetector struct {
	client   client.VisionClient
	encoder  ImageEncoder
	model    string
	prompt   string
	sendSize int
	sendQ    int
	logger   *zap.Logger
}

// NewVisionDetector creates a detector that prompts a vision model with the
// given label vocabulary.
func NewVisionDetector(c client.VisionClient, encoder ImageEncoder, model string, labels []string, logger *zap.Logger) *VisionDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisionDetector{
		client:   c,
		encoder:  encoder,
		model:    model,
		prompt:   BuildPrompt(labels),
		sendSize: 1024,
		sendQ:    85,
		logger:   logger,
	}
}

// Detect implements Detector
func (d *VisionDetector) Detect(ctx context.Context, path string) []types.Detection {
	imgB64, err := d.encoder.PrepareFileForModel(path, "jpg", d.sendSize, d.sendQ)
	if err != nil {
		d.logger.Debug("vision detector cannot encode image", zap.String("path", path), zap.Error(err))
		return nil
	}

	answer, err := d.client.SimpleQuery(ctx, d.model, d.prompt, imgB64)
	if err != nil {
		d.logger.Debug("vision detector query failed", zap.String("path", path), zap.Error(err))
		return nil
	}

	dets, err := ParseDetections(answer)
	if err != nil {
		d.logger.Debug("vision detector answer unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return dets
}

// BuildPrompt renders the detection prompt for a label vocabulary
func BuildPrompt(labels []string) string {
	return fmt.Sprintf(`You are a body-part detector for a private photo sorter.

Return JSON only: an array of detections, each
{"label": "LABEL", "score": 0.0, "box": [x1, y1, x2, y2]}

RULES
- Use only these labels: %s
- Coordinates are normalized to [0,1] (NOT pixels); x1<x2 and y1<y2.
- score is your confidence in [0,1].
- Report every visible region, one entry per region.
- If nothing applies, return [].
- JSON only. No markdown, no code fences, no comments, no trailing commas.`, strings.Join(labels, ", "))
}
