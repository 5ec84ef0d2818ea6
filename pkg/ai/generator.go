package ai

import (
	"context"
	"time"
)

// Result carries one decoded provider image and the wall-clock time the
// provider call took, measured from dispatch to response.
type Result struct {
	PNG     []byte
	Elapsed time.Duration
}

// ImageGenerator produces a single image from a text prompt.
// All text-to-image providers implement this interface.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (Result, error)
}
