package dedupe

import (
	"image"
	"path/filepath"
	"strings"

	"github.com/corona10/goimagehash"
	"go.uber.org/zap"
)

// DefaultThreshold is the default inclusive Hamming distance for near-duplicates
const DefaultThreshold = 5

// ImageLoader decodes an image file
type ImageLoader interface {
	LoadImage(path string) (image.Image, error)
}

// Index remembers the perceptual hash of every image seen during one run.
//
// Images are keyed by filename stem, not by content: two files can only be
// duplicates of each other when they share a stem. It is not safe for
// concurrent use.
type Index struct {
	threshold int
	loader    ImageLoader
	seen      map[string]*goimagehash.ImageHash
	logger    *zap.Logger
}

// New creates an empty index
func New(threshold int, loader ImageLoader, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		threshold: threshold,
		loader:    loader,
		seen:      make(map[string]*goimagehash.ImageHash),
		logger:    logger,
	}
}

// Key returns the index key for a path
func Key(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsDuplicate hashes the image at path and reports whether an image with the
// same stem and a hash within the threshold was already observed. Images that
// cannot be decoded or hashed are never duplicates.
func (ix *Index) IsDuplicate(path string) bool {
	img, err := ix.loader.LoadImage(path)
	if err != nil {
		ix.logger.Debug("dedupe: decode failed, accepting image", zap.String("path", path), zap.Error(err))
		return false
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		ix.logger.Debug("dedupe: hash failed, accepting image", zap.String("path", path), zap.Error(err))
		return false
	}

	return ix.Observe(Key(path), hash)
}

// Observe applies the duplicate rule to a precomputed hash. Every
// non-duplicate observation becomes the stored hash for its key.
func (ix *Index) Observe(key string, hash *goimagehash.ImageHash) bool {
	if prev, ok := ix.seen[key]; ok {
		dist, err := prev.Distance(hash)
		if err == nil && dist <= ix.threshold {
			return true
		}
	}
	ix.seen[key] = hash
	return false
}

// Len returns the number of distinct keys recorded
func (ix *Index) Len() int {
	return len(ix.seen)
}
