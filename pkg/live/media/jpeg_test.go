package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func TestEncoder_DownscalesPreservingAspect(t *testing.T) {
	out, err := Encoder{MaxWidth: 100, MaxHeight: 100}.Encode(solid(400, 200))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("size=%dx%d, want 100x50", cfg.Width, cfg.Height)
	}
}

func TestEncoder_KeepsSmallImages(t *testing.T) {
	out, err := Encoder{}.Encode(solid(32, 16))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Fatalf("size=%dx%d, want 32x16", cfg.Width, cfg.Height)
	}
}

func TestEncoder_Empty(t *testing.T) {
	if _, err := (Encoder{}).Encode(nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("err=%v, want ErrEmptyImage", err)
	}
	if _, err := (Encoder{}).Reencode(nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("err=%v, want ErrEmptyImage", err)
	}
}

func TestEncoder_ReencodePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(10, 10)); err != nil {
		t.Fatalf("png: %v", err)
	}
	out, err := Encoder{Quality: 50}.Reencode(buf.Bytes())
	if err != nil {
		t.Fatalf("reencode: %v", err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(out)); err != nil || format != "jpeg" {
		t.Fatalf("format=%q err=%v, want jpeg", format, err)
	}
}

func TestEncoder_ReencodeRejectsOversizedDimensions(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 41, 40))); err != nil {
		t.Fatalf("png: %v", err)
	}
	// 41x40 exceeds four times the 20x20 output area.
	_, err := Encoder{MaxWidth: 20, MaxHeight: 20}.Reencode(buf.Bytes())
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err=%v, want ErrImageTooLarge", err)
	}

	out, err := Encoder{MaxWidth: 20, MaxHeight: 40}.Reencode(buf.Bytes())
	if err != nil {
		t.Fatalf("reencode within bound: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil || cfg.Width > 20 {
		t.Fatalf("width=%d err=%v, want <= 20", cfg.Width, err)
	}
}

func TestEncoder_ReencodeGarbage(t *testing.T) {
	if _, err := (Encoder{}).Reencode([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestThrottle(t *testing.T) {
	th := &Throttle{Interval: time.Second}
	t0 := time.Unix(1000, 0)
	if !th.Allow(t0) {
		t.Fatalf("first capture should pass")
	}
	if th.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("capture inside interval should be dropped")
	}
	if !th.Allow(t0.Add(time.Second)) {
		t.Fatalf("capture at interval should pass")
	}
}
