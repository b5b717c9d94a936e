// Package censor writes obfuscated copies of sorted images.
package censor

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/selfie-sorter/internal/utils"
	"github.com/menta2k/selfie-sorter/pkg/processing"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// Style selects the obfuscation transform
type Style string

const (
	StylePixelated Style = "pixelated"
	StyleBlurred   Style = "blurred"
	StyleBlackBox  Style = "black_box"
)

// DefaultSuffix is inserted before the extension of default destinations
const DefaultSuffix = "_censored"

// ParseStyle normalizes a style name. Hyphens are accepted in place of
// underscores and case is ignored.
func ParseStyle(s string) (Style, error) {
	normalized := Style(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch normalized {
	case StylePixelated, StyleBlurred, StyleBlackBox:
		return normalized, nil
	}
	return "", fmt.Errorf("%w: unsupported censor style %q", types.ErrInvalidConfig, s)
}

// Censor applies one style with one strength to any number of images
type Censor struct {
	style     Style
	strength  int
	label     string
	processor *processing.Processor
	logger    *zap.Logger
}

// Option configures a Censor
type Option func(*Censor)

// WithLogger sets the logger used by batch operations
func WithLogger(logger *zap.Logger) Option {
	return func(c *Censor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProcessor sets the image loader and encoder
func WithProcessor(p *processing.Processor) Option {
	return func(c *Censor) {
		if p != nil {
			c.processor = p
		}
	}
}

// New validates the style and strength. label is drawn by the black-box
// style only; a "{label}" placeholder is replaced with the detection label.
func New(style string, strength int, label string, opts ...Option) (*Censor, error) {
	s, err := ParseStyle(style)
	if err != nil {
		return nil, err
	}
	if strength < 1 {
		return nil, fmt.Errorf("%w: censor strength must be >= 1, got %d", types.ErrInvalidConfig, strength)
	}

	c := &Censor{
		style:     s,
		strength:  strength,
		label:     label,
		processor: processing.NewProcessor(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Style returns the normalized style
func (c *Censor) Style() Style {
	return c.style
}

// Strength returns the effect strength
func (c *Censor) Strength() int {
	return c.strength
}

// DefaultDestination is the sibling path with suffix inserted before the
// extension.
func DefaultDestination(source, suffix string) string {
	ext := filepath.Ext(source)
	return strings.TrimSuffix(source, ext) + suffix + ext
}

// CreateCopy writes a censored copy of source to destination and returns the
// path written. An empty destination selects DefaultDestination with
// DefaultSuffix, renamed like UniqueDest when that file already exists.
//
// Regions come from boxes when any are given, else from the detections'
// boxes. When no region survives normalization the whole frame is censored.
func (c *Censor) CreateCopy(source, destination string, boxes [][]float64, detections []types.Detection) (string, error) {
	info, err := os.Stat(source)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("cannot censor %s: %w", source, types.ErrNotAFile)
	}
	if destination == "" {
		destination = utils.UniqueDest(DefaultDestination(source, DefaultSuffix))
	}

	img, err := c.processor.LoadImage(source)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}

	bounds := img.Bounds()
	regions := ResolveBoxes(boxes, detections, bounds.Dx(), bounds.Dy())
	censored := c.Apply(img, regions)

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := c.processor.SaveImage(censored, destination); err != nil {
		return "", fmt.Errorf("failed to save censored image: %w", err)
	}
	return destination, nil
}

// Apply returns a censored copy of img. Region coordinates are relative to
// the image origin. An empty region list censors the full frame.
func (c *Censor) Apply(img image.Image, regions []types.CensorBox) *image.NRGBA {
	dst := imaging.Clone(img)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	if len(regions) == 0 {
		if c.style == StyleBlurred {
			return imaging.Blur(dst, float64(c.strength))
		}
		regions = []types.CensorBox{{Left: 0, Top: 0, Right: w, Bottom: h}}
	}

	for _, r := range regions {
		rect := image.Rect(r.Left, r.Top, r.Right, r.Bottom)
		switch c.style {
		case StylePixelated:
			dst = c.pixelate(dst, rect)
		case StyleBlurred:
			patch := imaging.Blur(imaging.Crop(dst, rect), float64(c.strength))
			dst = imaging.Paste(dst, patch, rect.Min)
		case StyleBlackBox:
			c.blackBox(dst, rect, r.Label)
		}
	}
	return dst
}

func (c *Censor) pixelate(dst *image.NRGBA, rect image.Rectangle) *image.NRGBA {
	patch := imaging.Crop(dst, rect)
	w, h := patch.Bounds().Dx(), patch.Bounds().Dy()
	small := imaging.Resize(patch,
		processing.ClampInt(w/c.strength, 1, w),
		processing.ClampInt(h/c.strength, 1, h),
		imaging.Linear)
	blocky := imaging.Resize(small, w, h, imaging.NearestNeighbor)
	return imaging.Paste(dst, blocky, rect.Min)
}

func (c *Censor) blackBox(dst *image.NRGBA, rect image.Rectangle, detected string) {
	draw.Draw(dst, rect, image.Black, image.Point{}, draw.Src)

	text := strings.TrimSpace(strings.ReplaceAll(c.label, "{label}", detected))
	if text == "" {
		return
	}

	face := basicfont.Face7x13
	textW := font.MeasureString(face, text).Ceil()
	metrics := face.Metrics()
	textH := (metrics.Ascent + metrics.Descent).Ceil()
	if textW > rect.Dx() || textH > rect.Dy() {
		return
	}

	x := rect.Min.X + (rect.Dx()-textW)/2
	baseline := rect.Min.Y + (rect.Dy()-textH)/2 + metrics.Ascent.Ceil()
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(text)
}
