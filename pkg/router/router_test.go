package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/selfie-sorter/pkg/detection"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

var (
	explicitRules   = []string{"FEMALE_BREAST_EXPOSED", "FEMALE_GENITALIA_EXPOSED", "MALE_GENITALIA_EXPOSED", "ANUS_EXPOSED"}
	suggestiveRules = []string{"BELLY_EXPOSED", "BUTTOCKS", "MALE_BREAST", "ARMPITS", "UNDERWEAR", "LINGERIE", "CLEAVAGE"}
)

func score(v float64) *float64 { return &v }

func dets(labels ...string) []types.Detection {
	out := make([]types.Detection, 0, len(labels))
	for _, l := range labels {
		out = append(out, types.Detection{Label: l, Score: 0.9})
	}
	return out
}

func TestClassify(t *testing.T) {
	r := New(explicitRules, suggestiveRules, DefaultThreshold)

	tests := []struct {
		name       string
		coarse     *float64
		fine       []types.Detection
		wantBucket types.Bucket
		wantLabels []string
	}{
		{"low coarse and no labels", score(0.1), nil, types.BucketSafe, []string{}},
		{"no signals at all", nil, nil, types.BucketSafe, []string{}},
		{"explicit label", nil, dets("FEMALE_GENITALIA_EXPOSED"), types.BucketExplicit, []string{"FEMALE_GENITALIA_EXPOSED"}},
		{"explicit beats suggestive", score(0.1), dets("BUTTOCKS", "ANUS_EXPOSED"), types.BucketExplicit, []string{"ANUS_EXPOSED", "BUTTOCKS"}},
		{"suggestive label", score(0.95), dets("BUTTOCKS"), types.BucketSuggestive, []string{"BUTTOCKS"}},
		{"suggestive label with low coarse", score(0.2), dets("CLEAVAGE"), types.BucketSuggestive, []string{"CLEAVAGE"}},
		{"lowercase spaced label", nil, dets("male breast"), types.BucketSuggestive, []string{"male breast"}},
		{"coarse only fallback", score(0.9), nil, types.BucketSuggestive, []string{}},
		{"coarse at threshold", score(0.8), nil, types.BucketSuggestive, []string{}},
		{"coarse fallback keeps unmatched labels", score(0.9), dets("FACE_FEMALE"), types.BucketSuggestive, []string{"FACE_FEMALE"}},
		{"empty labels are ignored", score(0.1), dets("", "  "), types.BucketSafe, []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Classify(tc.coarse, tc.fine)
			assert.Equal(t, tc.wantBucket, got.Bucket)
			assert.Equal(t, tc.wantLabels, got.Labels)
		})
	}
}

// Unmatched labels with no coarse signal, or a coarse signal below the
// threshold, fall through to safe while still being reported.
func TestClassifyUnmatchedLabelsLandInSafe(t *testing.T) {
	r := New(explicitRules, suggestiveRules, DefaultThreshold)

	got := r.Classify(nil, dets("FACE_FEMALE", "FEET_EXPOSED"))
	assert.Equal(t, types.BucketSafe, got.Bucket)
	assert.Equal(t, []string{"FACE_FEMALE", "FEET_EXPOSED"}, got.Labels)

	got = r.Classify(score(0.3), dets("FACE_FEMALE"))
	assert.Equal(t, types.BucketSafe, got.Bucket)
	assert.Equal(t, []string{"FACE_FEMALE"}, got.Labels)
}

func TestClassifyLowScoreWithoutLabelsIsAlwaysSafe(t *testing.T) {
	for _, threshold := range []float64{0.01, 0.25, 0.5, 0.8, 0.99, 1} {
		r := New(explicitRules, suggestiveRules, threshold)
		for _, s := range []float64{0, threshold / 2, threshold - 0.001} {
			got := r.Classify(score(s), nil)
			assert.Equal(t, types.BucketSafe, got.Bucket, "threshold=%v score=%v", threshold, s)
			assert.Empty(t, got.Labels)
		}
	}
}

func TestClassifyExplicitAlwaysWins(t *testing.T) {
	r := New(explicitRules, suggestiveRules, DefaultThreshold)
	for _, e := range explicitRules {
		for _, s := range suggestiveRules {
			for _, coarse := range []*float64{nil, score(0), score(0.5), score(1)} {
				got := r.Classify(coarse, dets(s, e))
				assert.Equal(t, types.BucketExplicit, got.Bucket, "labels %s+%s", s, e)
			}
		}
	}
}

func TestClassifyIsOrderIndependent(t *testing.T) {
	r := New(explicitRules, suggestiveRules, DefaultThreshold)

	a := r.Classify(score(0.5), dets("UNDERWEAR", "ARMPITS", "UNDERWEAR", "BELLY_EXPOSED"))
	b := r.Classify(score(0.5), dets("BELLY_EXPOSED", "UNDERWEAR", "ARMPITS"))
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"ARMPITS", "BELLY_EXPOSED", "UNDERWEAR"}, a.Labels)
}

func TestRulesAreNormalized(t *testing.T) {
	r := New([]string{"female breast exposed"}, nil, DefaultThreshold)
	got := r.Classify(nil, dets("FEMALE_BREAST_EXPOSED"))
	assert.Equal(t, types.BucketExplicit, got.Bucket)
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "MALE_BREAST", NormalizeLabel(" male breast "))
	assert.Equal(t, "BUTTOCKS", NormalizeLabel("Buttocks"))
	assert.Equal(t, "", NormalizeLabel(""))
}

func TestClassifyExplicitDespiteMalformedSecondBox(t *testing.T) {
	fine, err := detection.ParseDetections(`[{"label":"FEMALE_GENITALIA_EXPOSED","score":0.9,"box":[1,2,3,4]},{"label":"BUTTOCKS","score":0.5,"box":[1,2,3]}]`)
	require.NoError(t, err)
	require.Len(t, fine, 2)

	r := New(explicitRules, suggestiveRules, DefaultThreshold)
	got := r.Classify(nil, fine)
	assert.Equal(t, types.BucketExplicit, got.Bucket)
	assert.Equal(t, []string{"BUTTOCKS", "FEMALE_GENITALIA_EXPOSED"}, got.Labels)
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 0.65, New(explicitRules, suggestiveRules, 0.65).Threshold())
}
