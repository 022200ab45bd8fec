package emotion

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// RawImage is an interleaved, row-major pixel surface handed over by a
// capture source. Channels is 1 (gray), 3 (RGB) or 4 (RGBA, alpha ignored).
type RawImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Validate reports whether the surface can be read.
func (r RawImage) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("image is %dx%d", r.Width, r.Height)
	}
	switch r.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", r.Channels)
	}
	if r.Width > maxSide || r.Height > maxSide {
		return fmt.Errorf("image %dx%d exceeds %d pixels per side", r.Width, r.Height, maxSide)
	}
	if need := r.Width * r.Height * r.Channels; len(r.Pix) < need {
		return fmt.Errorf("pixel buffer holds %d bytes, need %d", len(r.Pix), need)
	}
	return nil
}

// maxSide keeps Width*Height*Channels far away from int overflow.
const maxSide = 1 << 15

var errEmptyImage = errors.New("image is empty")

// ColorModel, Bounds and At let a RawImage be drawn like any image.Image.
func (r RawImage) ColorModel() color.Model {
	if r.Channels == 1 {
		return color.GrayModel
	}
	return color.RGBAModel
}

func (r RawImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.Width, r.Height)
}

func (r RawImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return color.Gray{}
	}
	i := (y*r.Width + x) * r.Channels
	if r.Channels == 1 {
		return color.Gray{Y: r.Pix[i]}
	}
	return color.RGBA{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2], A: 0xff}
}

// FromImage copies a decoded image into a RawImage. Grayscale sources stay
// single-channel; everything else becomes RGBA.
func FromImage(img image.Image) (RawImage, error) {
	if img == nil {
		return RawImage{}, &PreprocessError{Err: errEmptyImage}
	}
	b := img.Bounds()
	if b.Empty() {
		return RawImage{}, &PreprocessError{Err: errEmptyImage}
	}

	if g, ok := img.(*image.Gray); ok {
		raw := RawImage{Width: b.Dx(), Height: b.Dy(), Channels: 1, Pix: make([]byte, b.Dx()*b.Dy())}
		for y := 0; y < b.Dy(); y++ {
			row := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(raw.Pix[y*b.Dx():(y+1)*b.Dx()], row[:b.Dx()])
		}
		return raw, nil
	}

	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return RawImage{Width: b.Dx(), Height: b.Dy(), Channels: 4, Pix: rgba.Pix}, nil
}
