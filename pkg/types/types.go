package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig marks configuration that cannot be used to start a run.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNotAFile is returned when a single-image operation gets a path that
	// does not exist or is not a regular file.
	ErrNotAFile = errors.New("not a file")
)

// Bucket is the top-level classification outcome of an image
type Bucket string

const (
	BucketSafe       Bucket = "safe"
	BucketSuggestive Bucket = "suggestive"
	BucketExplicit   Bucket = "explicit"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one labeled region reported by a fine detector.
//
// Box holds four numbers in whatever convention the detector used:
// absolute pixels or relative [0,1] values, with the last two being either
// a second corner or a width/height pair. It is interpreted only when a
// censor region is derived from it.
type Detection struct {
	Label string    `json:"label"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box,omitempty"`
}

// rawDetection accepts every key spelling detectors are known to emit.
type rawDetection struct {
	Label      *string         `json:"label"`
	Class      *string         `json:"class"`
	Score      *float64        `json:"score"`
	Confidence *float64        `json:"confidence"`
	Box        json.RawMessage `json:"box"`
	BBox       json.RawMessage `json:"bbox"`
	Rect       json.RawMessage `json:"rect"`
}

// UnmarshalJSON normalizes label/class, score/confidence and box/bbox/rect
// into the canonical fields.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var raw rawDetection
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Detection{}
	switch {
	case raw.Label != nil && strings.TrimSpace(*raw.Label) != "":
		out.Label = strings.TrimSpace(*raw.Label)
	case raw.Class != nil:
		out.Label = strings.TrimSpace(*raw.Class)
	}
	switch {
	case raw.Score != nil:
		out.Score = *raw.Score
	case raw.Confidence != nil:
		out.Score = *raw.Confidence
	}

	// An unusable box leaves Box nil; the label still counts.
	for _, candidate := range []json.RawMessage{raw.Box, raw.BBox, raw.Rect} {
		if len(bytes.TrimSpace(candidate)) == 0 || bytes.Equal(bytes.TrimSpace(candidate), []byte("null")) {
			continue
		}
		if box, err := decodeBox(candidate); err == nil {
			out.Box = box
			break
		}
	}

	*d = out
	return nil
}

// decodeBox reads either a 4-number array or an {x,y,w,h} object.
func decodeBox(data json.RawMessage) ([]float64, error) {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return nil, fmt.Errorf("box must have 4 values, got %d", len(arr))
		}
		return arr, nil
	}

	var b Box
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unsupported box encoding: %w", err)
	}
	return []float64{b.X, b.Y, b.X + b.W, b.Y + b.H}, nil
}

// CensorBox is a pixel region to obfuscate
type CensorBox struct {
	Left   int
	Top    int
	Right  int
	Bottom int
	Label  string
}

// Width returns the horizontal extent of the box
func (b CensorBox) Width() int { return b.Right - b.Left }

// Height returns the vertical extent of the box
func (b CensorBox) Height() int { return b.Bottom - b.Top }

// Classification is the router's decision for a single image
type Classification struct {
	Bucket Bucket
	Labels []string
}

// Sidecar is the JSON document written next to every placed image
type Sidecar struct {
	CoarseScore *float64    `json:"coarse_score"`
	Bucket      Bucket      `json:"bucket"`
	Labels      []string    `json:"labels"`
	Detections  []Detection `json:"detections"`
}
