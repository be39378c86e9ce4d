// internal/visual/ocr/tesseract.go
package ocr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract wraps a long-lived gosseract client. The underlying API is not
// goroutine safe, so every call holds the mutex.
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
	closed bool
}

var _ Engine = (*Tesseract)(nil)

// NewTesseract initializes a tesseract-backed engine. It fails when the
// language data cannot be loaded, which is how a missing system install
// surfaces; callers treat that as the visual capability being absent.
func NewTesseract(languages, tessdataPrefix string) (*Tesseract, error) {
	client := gosseract.NewClient()
	if tessdataPrefix != "" {
		client.TessdataPrefix = tessdataPrefix
	}

	langs := splitLanguages(languages)
	if len(langs) > 0 {
		if err := client.SetLanguage(langs...); err != nil {
			client.Close()
			return nil, fmt.Errorf("tesseract language setup failed: %w", err)
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("tesseract segmentation setup failed: %w", err)
	}

	return &Tesseract{client: client}, nil
}

// Recognize runs word-level OCR over the encoded image.
func (t *Tesseract) Recognize(ctx context.Context, img []byte) ([]Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("ocr engine is closed")
	}

	if err := t.client.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("ocr image load failed: %w", err)
	}
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("ocr recognition failed: %w", err)
	}

	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		words = append(words, Word{
			Text:       text,
			Confidence: b.Confidence / 100,
			Box:        b.Box,
		})
	}
	return words, nil
}

// Close releases the tesseract client.
func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

func splitLanguages(languages string) []string {
	var langs []string
	for _, part := range strings.FieldsFunc(languages, func(r rune) bool { return r == '+' || r == ',' }) {
		if p := strings.TrimSpace(part); p != "" {
			langs = append(langs, p)
		}
	}
	return langs
}
