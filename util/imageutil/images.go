package imageutil

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/knights-analytics/diffuser/util/fileutil"
)

// RGBImage is a float32 RGB image in row-major HWC layout. Channel values are
// clamped to [0, 1] at construction time.
type RGBImage struct {
	Width  int
	Height int
	Pix    []float32
}

// NewRGBImage builds an image from a pixel buffer of length Width*Height*3,
// clamping every channel to [0, 1]. A buffer of any other length is an error.
func NewRGBImage(width, height int, pix []float32) (*RGBImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("pixel buffer length %d does not match %dx%dx3", len(pix), width, height)
	}
	clamped := make([]float32, len(pix))
	for i, v := range pix {
		clamped[i] = clamp01(v)
	}
	return &RGBImage{Width: width, Height: height, Pix: clamped}, nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// At returns the RGB channels of the pixel at (x, y).
func (im *RGBImage) At(x, y int) (float32, float32, float32) {
	i := (y*im.Width + x) * 3
	return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
}

// ToRGBA converts the image to an 8-bit image.RGBA.
func (im *RGBImage) ToRGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			r, g, b := im.At(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: uint8(r*255 + 0.5),
				G: uint8(g*255 + 0.5),
				B: uint8(b*255 + 0.5),
				A: 255,
			})
		}
	}
	return out
}

// SavePNG writes the image as an 8-bit PNG.
func (im *RGBImage) SavePNG(path string) (err error) {
	writer, err := fileutil.NewFileWriter(path, "image/png")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	return png.Encode(writer, im.ToRGBA())
}
