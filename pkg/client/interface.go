package client

import (
	"context"
)

// VisionClient sends one image plus a prompt to a multimodal model and
// returns the raw text answer. Parsing the answer is up to the caller.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
