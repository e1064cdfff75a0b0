// Package media turns screen and camera captures into periodic JPEG stills
// for the live stream.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"
)

const (
	DefaultQuality   = 70
	DefaultMaxWidth  = 1280
	DefaultMaxHeight = 720
)

// maxPixelFactor bounds decoded inputs to this many times the output area.
const maxPixelFactor = 4

var (
	ErrEmptyImage    = errors.New("media: empty image")
	ErrImageTooLarge = errors.New("media: image dimensions too large")
)

// Encoder produces JPEG stills no larger than MaxWidth x MaxHeight.
// Zero fields fall back to the package defaults.
type Encoder struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

func (e Encoder) quality() int {
	if e.Quality <= 0 || e.Quality > 100 {
		return DefaultQuality
	}
	return e.Quality
}

func (e Encoder) bounds() (int, int) {
	w, h := e.MaxWidth, e.MaxHeight
	if w <= 0 {
		w = DefaultMaxWidth
	}
	if h <= 0 {
		h = DefaultMaxHeight
	}
	return w, h
}

func (e Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	maxW, maxH := e.bounds()
	img = fit(img, maxW, maxH)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality()}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Reencode decodes a jpeg or png payload and encodes it with e. Inputs larger
// than four times the output area are rejected before any pixels are decoded.
func (e Encoder) Reencode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrEmptyImage
	}
	maxW, maxH := e.bounds()
	if int64(cfg.Width)*int64(cfg.Height) > maxPixelFactor*int64(maxW)*int64(maxH) {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return e.Encode(img)
}

// fit downscales img with nearest-neighbour sampling, preserving aspect ratio.
func fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	dw := max(1, int(float64(w)*scale))
	dh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		sy := b.Min.Y + y*h/dh
		for x := 0; x < dw; x++ {
			sx := b.Min.X + x*w/dw
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

// Throttle gates snapshot capture to at most one per Interval.
type Throttle struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func (t *Throttle) Allow(now time.Time) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < t.Interval {
		return false
	}
	t.last = now
	return true
}
