// Package capture decodes still frames from uploads, files on disk and
// webcam data URLs into raw pixel surfaces.
package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/fer-api/internal/emotion"
)

// DefaultMaxPixels caps decoded frames at 40 megapixels.
const DefaultMaxPixels = 40_000_000

var (
	ErrNotDataURL    = errors.New("not a data URL")
	ErrNotImage      = errors.New("data URL does not carry an image")
	ErrTooManyPixels = errors.New("image exceeds the pixel limit")
)

// Decoder turns encoded images into emotion.RawImage values. Every error it
// returns is an *emotion.PreprocessError.
type Decoder struct {
	MaxPixels int
}

func NewDecoder(maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{MaxPixels: maxPixels}
}

// Decode reads a JPEG, PNG, GIF, BMP, TIFF or WebP stream. It returns the
// surface and the detected format name.
func (d *Decoder) Decode(r io.Reader) (emotion.RawImage, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(fmt.Errorf("reading image: %w", err))
	}
	return d.DecodeBytes(data)
}

func (d *Decoder) DecodeBytes(data []byte) (emotion.RawImage, string, error) {
	if len(data) == 0 {
		return emotion.RawImage{}, "", preprocessErr(errors.New("empty image"))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(fmt.Errorf("unsupported image: %w", err))
	}
	if d.MaxPixels > 0 && cfg.Width*cfg.Height > d.MaxPixels {
		return emotion.RawImage{}, "", preprocessErr(fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(fmt.Errorf("decoding %s image: %w", format, err))
	}

	raw, err := emotion.FromImage(img)
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(err)
	}
	return raw, format, nil
}

// DecodeDataURL decodes a base64 "data:image/...;base64," URL as produced by
// canvas.toDataURL or a webcam screenshot.
func (d *Decoder) DecodeDataURL(s string) (emotion.RawImage, string, error) {
	payload, err := parseDataURL(s)
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(err)
	}
	return d.DecodeBytes(payload)
}

func (d *Decoder) DecodeFile(path string) (emotion.RawImage, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return emotion.RawImage{}, "", preprocessErr(fmt.Errorf("opening %s: %w", path, err))
	}
	defer f.Close()
	return d.Decode(f)
}

func parseDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload", ErrNotDataURL)
	}

	mediaType, params, _ := strings.Cut(meta, ";")
	if !strings.HasPrefix(strings.ToLower(mediaType), "image/") {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, mediaType)
	}
	if !strings.Contains(params, "base64") {
		return nil, fmt.Errorf("%w: payload must be base64", ErrNotDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients strip the padding.
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
	}
	return data, nil
}

func preprocessErr(err error) error {
	var pe *emotion.PreprocessError
	if errors.As(err, &pe) {
		return err
	}
	return &emotion.PreprocessError{Err: err}
}
