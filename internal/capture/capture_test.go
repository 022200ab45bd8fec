package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/Brownie44l1/fer-api/internal/emotion"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func assertPreprocessError(t *testing.T, err error) {
	t.Helper()
	var pe *emotion.PreprocessError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *emotion.PreprocessError, got %T: %v", err, err)
	}
}

func TestDecodeBytes_PNG(t *testing.T) {
	d := NewDecoder(0)

	raw, format, err := d.DecodeBytes(encodePNG(t, 7, 5, color.RGBA{R: 200, G: 10, B: 10, A: 255}))
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if format != "png" {
		t.Errorf("expected png, got %s", format)
	}
	if raw.Width != 7 || raw.Height != 5 {
		t.Errorf("unexpected geometry %dx%d", raw.Width, raw.Height)
	}
	if err := raw.Validate(); err != nil {
		t.Errorf("decoded surface does not validate: %v", err)
	}
	if r, _, _, _ := raw.At(3, 2).RGBA(); r>>8 != 200 {
		t.Errorf("expected red channel 200, got %d", r>>8)
	}
}

func TestDecodeBytes_BMP(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	img.SetGray(1, 1, color.Gray{Y: 90})
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("encoding bmp: %v", err)
	}

	raw, format, err := NewDecoder(0).DecodeBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if format != "bmp" {
		t.Errorf("expected bmp, got %s", format)
	}
	if raw.Width != 3 || raw.Height != 3 {
		t.Errorf("unexpected geometry %dx%d", raw.Width, raw.Height)
	}
}

func TestDecodeBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an image")},
		{"truncated png", encodePNG(t, 8, 8, color.White)[:40]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NewDecoder(0).DecodeBytes(tc.data)
			assertPreprocessError(t, err)
		})
	}
}

func TestDecodeBytes_PixelLimit(t *testing.T) {
	d := NewDecoder(10)

	_, _, err := d.DecodeBytes(encodePNG(t, 4, 4, color.Black))
	assertPreprocessError(t, err)
	if !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("expected ErrTooManyPixels, got %v", err)
	}

	if _, _, err := d.DecodeBytes(encodePNG(t, 2, 5, color.Black)); err != nil {
		t.Errorf("expected 10 pixels to pass, got %v", err)
	}
}

func TestDecodeDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(encodePNG(t, 6, 6, color.White))

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"webcam screenshot", "data:image/png;base64," + payload, nil},
		{"upper case media type", "data:IMAGE/PNG;base64," + payload, nil},
		{"surrounding whitespace", "  data:image/png;base64," + payload + "\n", nil},
		{"unpadded", "data:image/png;base64," + strings.TrimRight(payload, "="), nil},
		{"plain base64", payload, ErrNotDataURL},
		{"missing comma", "data:image/png;base64", ErrNotDataURL},
		{"not base64", "data:image/png," + payload, ErrNotDataURL},
		{"text media type", "data:text/plain;base64," + payload, ErrNotImage},
		{"bad base64", "data:image/png;base64,!!!not-base64!!!", nil},
	}

	d := NewDecoder(0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, _, err := d.DecodeDataURL(tc.url)
			switch {
			case tc.name == "bad base64":
				assertPreprocessError(t, err)
			case tc.wantErr != nil:
				assertPreprocessError(t, err)
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("expected %v, got %v", tc.wantErr, err)
				}
			default:
				if err != nil {
					t.Fatalf("DecodeDataURL failed: %v", err)
				}
				if raw.Width != 6 || raw.Height != 6 {
					t.Errorf("unexpected geometry %dx%d", raw.Width, raw.Height)
				}
			}
		})
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "face.png")
	if err := os.WriteFile(path, encodePNG(t, 10, 12, color.Black), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	d := NewDecoder(0)
	raw, format, err := d.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if format != "png" || raw.Width != 10 || raw.Height != 12 {
		t.Errorf("unexpected result %s %dx%d", format, raw.Width, raw.Height)
	}

	_, _, err = d.DecodeFile(filepath.Join(dir, "missing.png"))
	assertPreprocessError(t, err)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got %v", err)
	}
}

func TestDecode_FeedsPipeline(t *testing.T) {
	raw, _, err := NewDecoder(0).Decode(bytes.NewReader(encodePNG(t, 64, 64, color.White)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	tensor, err := emotion.Preprocess(raw)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	defer tensor.Release()

	for i, v := range tensor.Data() {
		if v < 0.99 {
			t.Fatalf("value %d = %v; want white", i, v)
		}
	}
}
