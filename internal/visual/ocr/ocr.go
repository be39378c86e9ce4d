// internal/visual/ocr/ocr.go
package ocr

import (
	"context"
	"image"
)

// Word is one recognized token with its screen-space bounding box.
// Confidence is normalized to [0, 1].
type Word struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
}

// Engine turns encoded image bytes into recognized words. Implementations
// are not required to be goroutine safe; the visual driver serializes calls.
type Engine interface {
	Recognize(ctx context.Context, img []byte) ([]Word, error)
	Close() error
}
