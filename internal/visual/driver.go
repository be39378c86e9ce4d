// internal/visual/driver.go

// Package visual is the last-resort interaction tier. It never touches the
// DOM: targets are located by OCR over viewport captures and actions are
// raw input events at computed coordinates.
package visual

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/visual/ocr"
)

var (
	// ErrUnavailable reports that the visual capability never initialized.
	// Callers check Available() first; this is the backstop.
	ErrUnavailable = errors.New("visual driver unavailable")
	// ErrTextNotFound reports that the target text is not on screen.
	ErrTextNotFound = errors.New("text not found on screen")
)

const (
	defaultConfidence  = 0.7
	defaultPollEvery   = 500 * time.Millisecond
	defaultWaitTimeout = 10 * time.Second
	// keystrokeDelay spaces synthetic keystrokes so page-side handlers
	// keep up.
	keystrokeDelay = 30 * time.Millisecond
	// labelInputGap approximates the horizontal distance from a label's
	// right edge to its adjacent input field.
	labelInputGap = 100
)

// Screen is the pixel-and-raw-input slice of the browser session.
type Screen interface {
	CaptureViewport(ctx context.Context) ([]byte, error)
	DispatchMouseClick(ctx context.Context, x, y float64) error
	DispatchMouseMove(ctx context.Context, x, y float64) error
	TypeKeys(ctx context.Context, text string, delay time.Duration) error
	SelectAllAndDelete(ctx context.Context) error
}

// Driver implements OCR-based interaction. Availability is fixed at
// construction; when the OCR engine is absent every operation fails fast
// with ErrUnavailable and the cascade skips this tier.
type Driver struct {
	screen    Screen
	engine    ocr.Engine
	cfg       config.VisualConfig
	logger    *zap.Logger
	available bool
}

// NewDriver wires the visual tier. Pass a nil engine to mark the capability
// absent; the driver then degrades to an explicit no-op tier.
func NewDriver(screen Screen, engine ocr.Engine, cfg config.VisualConfig, logger *zap.Logger) *Driver {
	d := &Driver{
		screen:    screen,
		engine:    engine,
		cfg:       cfg,
		logger:    logger.Named("visual"),
		available: cfg.Enabled && screen != nil && engine != nil,
	}
	if !d.available {
		d.logger.Warn("Visual fallback tier is unavailable and will be skipped.",
			zap.Bool("enabled", cfg.Enabled), zap.Bool("engine_present", engine != nil))
	}
	return d
}

// Available reports whether the visual capability initialized.
func (d *Driver) Available() bool {
	return d.available
}

// FindText locates text on screen, optionally restricted to a region.
func (d *Driver) FindText(ctx context.Context, text string, region *image.Rectangle) (Match, error) {
	if !d.available {
		return Match{}, ErrUnavailable
	}

	img, err := d.capture(ctx)
	if err != nil {
		return Match{}, err
	}
	if region != nil {
		img = transform.Crop(img, *region)
	}

	words, err := d.recognize(ctx, img)
	if err != nil {
		return Match{}, err
	}

	m, ok := findPhrase(words, text, d.confidence())
	if !ok {
		return Match{}, fmt.Errorf("%w: %q", ErrTextNotFound, text)
	}
	if region != nil {
		m.Bounds = m.Bounds.Add(region.Min)
	}
	d.logger.Debug("Located text on screen.",
		zap.String("text", text), zap.Float64("confidence", m.Confidence),
		zap.Int("x", m.Bounds.Min.X), zap.Int("y", m.Bounds.Min.Y))
	return m, nil
}

// ClickText locates text and clicks its center plus the given offset.
func (d *Driver) ClickText(ctx context.Context, text string, region *image.Rectangle, offsetX, offsetY float64) error {
	m, err := d.FindText(ctx, text, region)
	if err != nil {
		return err
	}
	cx, cy := m.Center()
	return d.pointerClick(ctx, cx+offsetX, cy+offsetY)
}

// ClickButton clicks text directly when visible, otherwise scans button-like
// rectangles and OCRs each candidate for the text before clicking its center.
func (d *Driver) ClickButton(ctx context.Context, text string, region *image.Rectangle) error {
	err := d.ClickText(ctx, text, region, 0, 0)
	if err == nil || !errors.Is(err, ErrTextNotFound) {
		return err
	}

	img, err := d.capture(ctx)
	if err != nil {
		return err
	}
	if region != nil {
		// Crop output is zero-origin; candidate rects come back
		// region-local and need shifting before the click.
		img = transform.Crop(img, *region)
	}

	rects := detectButtonRects(img, d.sizeFilter())
	d.logger.Debug("Direct text click missed, scanning button candidates.",
		zap.String("text", text), zap.Int("candidates", len(rects)))

	for _, r := range rects {
		words, err := d.recognize(ctx, transform.Crop(img, r))
		if err != nil {
			return err
		}
		if _, ok := findPhrase(words, text, d.confidence()); !ok {
			continue
		}
		cx := float64(r.Min.X) + float64(r.Dx())/2
		cy := float64(r.Min.Y) + float64(r.Dy())/2
		if region != nil {
			cx += float64(region.Min.X)
			cy += float64(region.Min.Y)
		}
		return d.pointerClick(ctx, cx, cy)
	}
	return fmt.Errorf("%w: %q in %d button candidates", ErrTextNotFound, text, len(rects))
}

// TypeText emits keystrokes to whatever currently holds focus.
func (d *Driver) TypeText(ctx context.Context, text string) error {
	if !d.available {
		return ErrUnavailable
	}
	return d.screen.TypeKeys(ctx, text, keystrokeDelay)
}

// FindInputByLabel locates a label, clicks where its input field should sit,
// clears it with select-all plus delete, and types the value.
func (d *Driver) FindInputByLabel(ctx context.Context, label, value string) error {
	m, err := d.FindText(ctx, label, nil)
	if err != nil {
		return err
	}

	_, cy := m.Center()
	cx := float64(m.Bounds.Max.X + labelInputGap)
	if err := d.pointerClick(ctx, cx, cy); err != nil {
		return err
	}
	if err := d.screen.SelectAllAndDelete(ctx); err != nil {
		return fmt.Errorf("input clear failed: %w", err)
	}
	return d.screen.TypeKeys(ctx, value, keystrokeDelay)
}

// WaitForText polls FindText until the text appears or the timeout elapses.
func (d *Driver) WaitForText(ctx context.Context, text string, timeout time.Duration) (Match, error) {
	if !d.available {
		return Match{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = d.cfg.WaitTimeout
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollEvery
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		m, err := d.FindText(waitCtx, text, nil)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrTextNotFound) {
			return Match{}, err
		}
		select {
		case <-waitCtx.Done():
			return Match{}, fmt.Errorf("%w: %q did not appear within %s", ErrTextNotFound, text, timeout)
		case <-time.After(interval):
		}
	}
}

// Close releases the OCR engine.
func (d *Driver) Close() error {
	if d.engine == nil {
		return nil
	}
	return d.engine.Close()
}

// -- internals --

func (d *Driver) capture(ctx context.Context) (image.Image, error) {
	shot, err := d.screen.CaptureViewport(ctx)
	if err != nil {
		return nil, fmt.Errorf("viewport capture failed: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("viewport decode failed: %w", err)
	}
	return img, nil
}

func (d *Driver) recognize(ctx context.Context, img image.Image) ([]ocr.Word, error) {
	if d.cfg.Preprocess {
		img = effect.Grayscale(img)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("ocr image encode failed: %w", err)
	}
	return d.engine.Recognize(ctx, buf.Bytes())
}

func (d *Driver) pointerClick(ctx context.Context, x, y float64) error {
	if err := d.screen.DispatchMouseMove(ctx, x, y); err != nil {
		return err
	}
	return d.screen.DispatchMouseClick(ctx, x, y)
}

func (d *Driver) confidence() float64 {
	if d.cfg.ConfidenceThreshold > 0 {
		return d.cfg.ConfidenceThreshold
	}
	return defaultConfidence
}

func (d *Driver) sizeFilter() sizeFilter {
	f := sizeFilter{
		minW: d.cfg.MinButtonWidth, maxW: d.cfg.MaxButtonWidth,
		minH: d.cfg.MinButtonHeight, maxH: d.cfg.MaxButtonHeight,
	}
	if f.minW <= 0 {
		f.minW = 20
	}
	if f.maxW <= 0 {
		f.maxW = 300
	}
	if f.minH <= 0 {
		f.minH = 15
	}
	if f.maxH <= 0 {
		f.maxH = 100
	}
	return f
}
