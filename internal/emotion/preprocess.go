package emotion

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/Brownie44l1/fer-api/internal/model"
)

// Preprocess converts img into the network input: BT.601 luma, bilinear
// resample to 48x48, intensities scaled to [0,1].
func Preprocess(img RawImage) (*InputTensor, error) {
	if err := img.Validate(); err != nil {
		return nil, &PreprocessError{Err: err}
	}

	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, image.Point{}, draw.Src)

	resized := resize.Resize(model.InputWidth, model.InputHeight, gray, resize.Bilinear)

	t := acquireTensor()
	data := t.Data()
	b := resized.Bounds()

	if g, ok := resized.(*image.Gray); ok {
		for y := range model.InputHeight {
			for x := range model.InputWidth {
				data[y*model.InputWidth+x] = float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255.0
			}
		}
		return t, nil
	}

	for y := range model.InputHeight {
		for x := range model.InputWidth {
			v := color.GrayModel.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			data[y*model.InputWidth+x] = float32(v) / 255.0
		}
	}
	return t, nil
}
