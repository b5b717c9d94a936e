package detection

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/selfie-sorter/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseDetections normalizes detector output into canonical detections.
//
// It accepts a bare JSON array, an object wrapping the array under
// "detections", and model answers with code fences, comments or trailing
// commas around either form. Elements that are not detection objects are
// dropped one by one; the rest of the list survives.
func ParseDetections(raw string) ([]types.Detection, error) {
	cleaned := SanitizeModelJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty detector output")
	}

	var elems []json.RawMessage
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &elems); err != nil {
			return nil, fmt.Errorf("failed to parse detections: %w", err)
		}
	} else {
		var wrapped struct {
			Detections []json.RawMessage `json:"detections"`
		}
		if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse detections: %w", err)
		}
		elems = wrapped.Detections
	}

	list := make([]types.Detection, 0, len(elems))
	for _, elem := range elems {
		var d types.Detection
		if err := json.Unmarshal(elem, &d); err != nil {
			continue
		}
		list = append(list, d)
	}
	return list, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from a
// model response and keeps the outermost JSON array or object.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost [...] or {...}, whichever opens first
	open, close := "{", "}"
	objStart := strings.Index(raw, "{")
	arrStart := strings.Index(raw, "[")
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		open, close = "[", "]"
	}
	if start := strings.Index(raw, open); start >= 0 {
		if end := strings.LastIndex(raw, close); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
