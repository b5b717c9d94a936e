package censor

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/selfie-sorter/pkg/types"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func isBlack(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0 && g == 0 && b == 0
}

func isWhite(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func TestNew(t *testing.T) {
	tests := []struct {
		style    string
		strength int
		want     Style
		wantErr  bool
	}{
		{"pixelated", 12, StylePixelated, false},
		{"BLURRED", 3, StyleBlurred, false},
		{"black-box", 1, StyleBlackBox, false},
		{"black_box", 1, StyleBlackBox, false},
		{"sparkles", 12, "", true},
		{"pixelated", 0, "", true},
		{"blurred", -4, "", true},
	}
	for _, tc := range tests {
		c, err := New(tc.style, tc.strength, "CENSORED")
		if tc.wantErr {
			require.Error(t, err, "%s/%d", tc.style, tc.strength)
			assert.True(t, errors.Is(err, types.ErrInvalidConfig))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.Style())
		assert.Equal(t, tc.strength, c.Strength())
	}
}

func TestNormalizeBox(t *testing.T) {
	tests := []struct {
		name string
		raw  []float64
		want types.CensorBox
		ok   bool
	}{
		{"relative half", []float64{0.25, 0.25, 0.75, 0.75}, types.CensorBox{Left: 50, Top: 25, Right: 150, Bottom: 75}, true},
		{"absolute corners", []float64{10, 20, 110, 80}, types.CensorBox{Left: 10, Top: 20, Right: 110, Bottom: 80}, true},
		{"absolute width and height", []float64{50, 30, 40, 20}, types.CensorBox{Left: 50, Top: 30, Right: 90, Bottom: 50}, true},
		{"relative width and height", []float64{0.5, 0.5, 0.25, 0.25}, types.CensorBox{Left: 100, Top: 50, Right: 150, Bottom: 75}, true},
		{"clamped", []float64{-10, -10, 500, 500}, types.CensorBox{Left: 0, Top: 0, Right: 200, Bottom: 100}, true},
		{"huge corners", []float64{10, 10, 1e19, 1e19}, types.CensorBox{Left: 10, Top: 10, Right: 200, Bottom: 100}, true},
		{"huge negative origin", []float64{-1e300, -1e300, 50, 50}, types.CensorBox{Left: 0, Top: 0, Right: 50, Bottom: 50}, true},
		{"one pixel wide", []float64{10, 10, 11, 50}, types.CensorBox{}, false},
		{"outside image", []float64{300, 300, 400, 400}, types.CensorBox{}, false},
		{"wrong arity", []float64{1, 2, 3}, types.CensorBox{}, false},
		{"NaN", []float64{math.NaN(), 0, 10, 10}, types.CensorBox{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeBox(tc.raw, 200, 100)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeBoxRelativeHalfCoversHalfTheImage(t *testing.T) {
	for _, size := range [][2]int{{640, 480}, {333, 777}, {101, 99}} {
		box, ok := NormalizeBox([]float64{0.1, 0.2, 0.6, 0.7}, size[0], size[1])
		require.True(t, ok)
		assert.InDelta(t, float64(size[0])/2, float64(box.Width()), 1)
		assert.InDelta(t, float64(size[1])/2, float64(box.Height()), 1)
	}
}

func TestResolveBoxesPrecedence(t *testing.T) {
	dets := []types.Detection{
		{Label: "BUTTOCKS", Score: 0.9, Box: []float64{0.1, 0.1, 0.5, 0.5}},
		{Label: "NO_BOX", Score: 0.8},
	}

	got := ResolveBoxes(nil, dets, 100, 100)
	assert.Equal(t, []types.CensorBox{{Left: 10, Top: 10, Right: 50, Bottom: 50, Label: "BUTTOCKS"}}, got)

	got = ResolveBoxes([][]float64{{0, 0, 20, 20}}, dets, 100, 100)
	assert.Equal(t, []types.CensorBox{{Left: 0, Top: 0, Right: 20, Bottom: 20}}, got)

	assert.Empty(t, ResolveBoxes(nil, nil, 100, 100))
}

func TestCreateCopyBlackBoxRegion(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writePNG(t, src, 100, 100, color.White)

	c, err := New("black-box", 12, "")
	require.NoError(t, err)

	dest, err := c.CreateCopy(src, "", nil, []types.Detection{{Label: "BUTTOCKS", Score: 0.9, Box: []float64{0.1, 0.1, 0.5, 0.5}}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a_censored.png"), dest)

	out, err := imaging.Open(dest)
	require.NoError(t, err)
	assert.True(t, isBlack(out.At(10, 10)))
	assert.True(t, isBlack(out.At(49, 49)))
	assert.True(t, isWhite(out.At(50, 50)))
	assert.True(t, isWhite(out.At(5, 5)))

	// the source is untouched
	orig, err := imaging.Open(src)
	require.NoError(t, err)
	assert.True(t, isWhite(orig.At(20, 20)))
}

func TestCreateCopyDefaultDestinationNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writePNG(t, src, 40, 40, color.White)
	existing := filepath.Join(dir, "a_censored.png")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0o644))

	c, err := New("pixelated", 4, "")
	require.NoError(t, err)

	dest, err := c.CreateCopy(src, "", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, existing, dest)
	assert.Regexp(t, `^a_censored_[0-9a-f]{8}\.png$`, filepath.Base(dest))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestCreateCopyFullFrameFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writePNG(t, src, 64, 48, color.White)

	c, err := New("black_box", 1, "")
	require.NoError(t, err)

	dest, err := c.CreateCopy(src, filepath.Join(dir, "nested", "out", "a.png"), nil, nil)
	require.NoError(t, err)

	out, err := imaging.Open(dest)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), out.Bounds())
	assert.True(t, isBlack(out.At(0, 0)))
	assert.True(t, isBlack(out.At(63, 47)))
}

func TestBlackBoxLabel(t *testing.T) {
	c, err := New("black_box", 1, "{label}")
	require.NoError(t, err)

	img := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	out := c.Apply(img, []types.CensorBox{{Left: 0, Top: 0, Right: 200, Bottom: 100, Label: "BUTTOCKS"}})

	white := 0
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			if isWhite(out.At(x, y)) {
				white++
			}
		}
	}
	assert.Positive(t, white, "label should be drawn in white")
	assert.True(t, isBlack(out.At(0, 0)))
}

func TestPixelateKeepsSizeAndOutsidePixels(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}

	c, err := New("pixelated", 8, "")
	require.NoError(t, err)
	out := c.Apply(img, []types.CensorBox{{Left: 0, Top: 0, Right: 16, Bottom: 16}})

	assert.Equal(t, img.Bounds(), out.Bounds())
	assert.Equal(t, img.At(30, 30), out.At(30, 30))
	// each 8x8 block inside the region is a single color
	assert.Equal(t, out.At(0, 0), out.At(7, 7))
	assert.Equal(t, out.At(8, 8), out.At(15, 15))
}

func TestBlurWholeImageWithoutBoxes(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	c, err := New("blurred", 3, "")
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), c.Apply(img, nil).Bounds())
}

func TestCreateCopyRejectsMissingSource(t *testing.T) {
	c, err := New("pixelated", 12, "")
	require.NoError(t, err)

	_, err = c.CreateCopy(filepath.Join(t.TempDir(), "missing.jpg"), "", nil, nil)
	assert.True(t, errors.Is(err, types.ErrNotAFile))

	_, err = c.CreateCopy(t.TempDir(), "", nil, nil)
	assert.True(t, errors.Is(err, types.ErrNotAFile))
}

func writeSidecar(t *testing.T, path string, sc types.Sidecar) {
	t.Helper()
	data, err := json.Marshal(sc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCensorSortedTree(t *testing.T) {
	root := t.TempDir()
	empty := filepath.Join(root, "safe", "unlabeled", "clean.png")
	hit := filepath.Join(root, "suggestive", "buttocks", "hit.png")
	orphan := filepath.Join(root, "suggestive", "buttocks", "orphan.png")
	broken := filepath.Join(root, "explicit", "x", "broken.png")

	for _, p := range []string{empty, hit, orphan, broken} {
		writePNG(t, p, 100, 100, color.White)
	}
	writeSidecar(t, empty+".json", types.Sidecar{Bucket: types.BucketSafe, Labels: []string{}, Detections: []types.Detection{}})
	writeSidecar(t, hit+".json", types.Sidecar{
		Bucket:     types.BucketSuggestive,
		Labels:     []string{"BUTTOCKS"},
		Detections: []types.Detection{{Label: "BUTTOCKS", Score: 0.9, Box: []float64{0.1, 0.1, 0.5, 0.5}}},
	})
	require.NoError(t, os.WriteFile(broken+".json", []byte("{not json"), 0o644))

	c, err := New("black_box", 12, "")
	require.NoError(t, err)

	created, err := CensorSortedTree(root, c, "_censored", nil)
	require.NoError(t, err)

	want := filepath.Join(root, "suggestive", "buttocks", "hit_censored.png")
	assert.Equal(t, []string{want}, created)
	assert.NoFileExists(t, filepath.Join(root, "safe", "unlabeled", "clean_censored.png"))
	assert.NoFileExists(t, filepath.Join(root, "suggestive", "buttocks", "orphan_censored.png"))

	out, err := imaging.Open(want)
	require.NoError(t, err)
	assert.True(t, isBlack(out.At(10, 10)))
	assert.True(t, isBlack(out.At(49, 49)))
	assert.True(t, isWhite(out.At(60, 60)))

	// a second pass numbers the new copy instead of overwriting the first
	created, err = CensorSortedTree(root, c, "_censored", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "suggestive", "buttocks", "hit_censored_1.png")}, created)
}

func TestCensorSortedTreeMissingRoot(t *testing.T) {
	c, err := New("pixelated", 12, "")
	require.NoError(t, err)
	_, err = CensorSortedTree(filepath.Join(t.TempDir(), "nope"), c, "", nil)
	assert.Error(t, err)
}
