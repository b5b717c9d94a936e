// Package router maps coarse scores and fine detections to a bucket.
package router

import (
	"sort"
	"strings"

	"github.com/menta2k/selfie-sorter/pkg/types"
)

// DefaultThreshold is the coarse probability at which an image stops being safe
const DefaultThreshold = 0.80

// Router holds the label rule sets and the coarse threshold.
// It has no mutable state and is safe for concurrent use.
type Router struct {
	explicit   map[string]struct{}
	suggestive map[string]struct{}
	threshold  float64
}

// New creates a router. Rule labels are normalized the same way detection
// labels are.
func New(explicit, suggestive []string, threshold float64) *Router {
	return &Router{
		explicit:   toSet(explicit),
		suggestive: toSet(suggestive),
		threshold:  threshold,
	}
}

// Threshold returns the coarse threshold
func (r *Router) Threshold() float64 {
	return r.threshold
}

// NormalizeLabel uppercases a label and replaces spaces with underscores
func NormalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(label)), " ", "_")
}

// Classify decides the bucket for one image. coarse is nil when no coarse
// score is available.
//
// The checks form a strict priority chain:
//  1. a coarse score below threshold with no labels is safe
//  2. any explicit label is explicit
//  3. any suggestive label is suggestive
//  4. a coarse score at or above threshold is suggestive
//  5. everything else is safe, unmatched labels included
func (r *Router) Classify(coarse *float64, fine []types.Detection) types.Classification {
	raw := RawLabels(fine)
	norm := make([]string, 0, len(raw))
	for _, l := range raw {
		norm = append(norm, NormalizeLabel(l))
	}

	if coarse != nil && *coarse < r.threshold && len(raw) == 0 {
		return types.Classification{Bucket: types.BucketSafe, Labels: []string{}}
	}
	if anyIn(norm, r.explicit) {
		return types.Classification{Bucket: types.BucketExplicit, Labels: raw}
	}
	if anyIn(norm, r.suggestive) {
		return types.Classification{Bucket: types.BucketSuggestive, Labels: raw}
	}
	if coarse != nil && *coarse >= r.threshold {
		return types.Classification{Bucket: types.BucketSuggestive, Labels: raw}
	}
	return types.Classification{Bucket: types.BucketSafe, Labels: raw}
}

// RawLabels returns the sorted set of distinct non-empty labels
func RawLabels(fine []types.Detection) []string {
	seen := make(map[string]struct{}, len(fine))
	labels := make([]string, 0, len(fine))
	for _, d := range fine {
		l := strings.TrimSpace(d.Label)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func toSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if n := NormalizeLabel(l); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func anyIn(labels []string, set map[string]struct{}) bool {
	for _, l := range labels {
		if _, ok := set[l]; ok {
			return true
		}
	}
	return false
}
