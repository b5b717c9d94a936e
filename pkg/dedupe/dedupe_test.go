package dedupe

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/corona10/goimagehash"
)

type fakeLoader struct {
	images map[string]image.Image
}

func (f fakeLoader) LoadImage(path string) (image.Image, error) {
	img, ok := f.images[path]
	if !ok {
		return nil, errors.New("cannot decode")
	}
	return img, nil
}

// noise builds a deterministic pseudo-random grayscale image.
func noise(size int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(rng.Intn(256))})
		}
	}
	return img
}

func TestKey(t *testing.T) {
	tests := map[string]string{
		"/a/b/photo.jpg":       "photo",
		"photo.final.png":      "photo.final",
		"/x/noext":             "noext",
		"relative/dir/IMG.JPG": "IMG",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestObserveThreshold(t *testing.T) {
	base := goimagehash.NewImageHash(0, goimagehash.PHash)
	// Distances from base: 2, 5 and 6 differing bits.
	near := goimagehash.NewImageHash(0b11, goimagehash.PHash)
	edge := goimagehash.NewImageHash(0b11111, goimagehash.PHash)
	far := goimagehash.NewImageHash(0b111111, goimagehash.PHash)

	tests := []struct {
		name   string
		second *goimagehash.ImageHash
		want   bool
	}{
		{"distance within threshold", near, true},
		{"distance equal to threshold is inclusive", edge, true},
		{"distance above threshold", far, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ix := New(5, nil, nil)
			if ix.Observe("photo", base) {
				t.Fatal("first observation of a key must never be a duplicate")
			}
			if got := ix.Observe("photo", tc.second); got != tc.want {
				t.Errorf("Observe() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestObserveDifferentStemsNeverDuplicate(t *testing.T) {
	ix := New(5, nil, nil)
	h := goimagehash.NewImageHash(42, goimagehash.PHash)

	if ix.Observe("a", h) {
		t.Fatal("unexpected duplicate")
	}
	// Identical content under another name is not detected.
	if ix.Observe("b", h) {
		t.Error("different stems must never be flagged as duplicates")
	}
	if ix.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", ix.Len())
	}
}

func TestObserveReplacesHashOnNonDuplicate(t *testing.T) {
	ix := New(1, nil, nil)
	first := goimagehash.NewImageHash(0, goimagehash.PHash)
	second := goimagehash.NewImageHash(0xFF, goimagehash.PHash)
	third := goimagehash.NewImageHash(0xFE, goimagehash.PHash)

	ix.Observe("k", first)
	if ix.Observe("k", second) {
		t.Fatal("distance 8 should not be a duplicate at threshold 1")
	}
	if !ix.Observe("k", third) {
		t.Error("third hash should be compared against the most recent non-duplicate")
	}
}

func TestIsDuplicateWithImages(t *testing.T) {
	loader := fakeLoader{images: map[string]image.Image{
		"/in/selfie.jpg":     noise(64, 1),
		"/in/sub/selfie.png": noise(64, 1),
		"/in/other.jpg":      noise(64, 1),
		"/in/flip/other.png": noise(64, 2),
	}}
	ix := New(5, loader, nil)

	if ix.IsDuplicate("/in/selfie.jpg") {
		t.Fatal("first image cannot be a duplicate")
	}
	if !ix.IsDuplicate("/in/sub/selfie.png") {
		t.Error("same stem and same content should be a duplicate")
	}
	if ix.IsDuplicate("/in/other.jpg") {
		t.Error("new stem should not be a duplicate")
	}
	if ix.IsDuplicate("/in/flip/other.png") {
		t.Error("unrelated content should exceed the threshold")
	}
}

func TestIsDuplicateFailsOpen(t *testing.T) {
	ix := New(5, fakeLoader{images: map[string]image.Image{}}, nil)
	if ix.IsDuplicate("/in/broken.jpg") {
		t.Error("undecodable image must not be a duplicate")
	}
	if ix.IsDuplicate("/in/broken.jpg") {
		t.Error("undecodable image must not be recorded")
	}
	if ix.Len() != 0 {
		t.Errorf("expected empty index, got %d keys", ix.Len())
	}
}
