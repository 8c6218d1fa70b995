package datasets

import (
	"fmt"
	"image"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ImageChannels is the number of channels an image chip decodes to.
const ImageChannels = 3

// darkValue is the per-channel threshold below which a pixel counts as dark.
// Values are on the decoded 0..255 scale.
const darkValue = 10.0

// ImageCHW is a decoded image chip in channel-major layout: Pix holds
// Channels*Height*Width float32 values in the 0..255 range.
type ImageCHW struct {
	Pix      []float32
	Channels int
	Height   int
	Width    int
}

// LoadImageCHW decodes the chip at path (png, jpeg or tiff) and scales it to
// size x size pixels with bilinear interpolation.
func LoadImageCHW(path string, size int) (*ImageCHW, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer file.Close()

	src, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	chw := &ImageCHW{
		Pix:      make([]float32, ImageChannels*size*size),
		Channels: ImageChannels,
		Height:   size,
		Width:    size,
	}
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := scaled.PixOffset(x, y)
			idx := y*size + x
			chw.Pix[idx] = float32(scaled.Pix[off])
			chw.Pix[plane+idx] = float32(scaled.Pix[off+1])
			chw.Pix[2*plane+idx] = float32(scaled.Pix[off+2])
		}
	}
	return chw, nil
}

// DarkFrac returns the fraction of pixels whose channels are all below the
// darkness threshold. Images taken at night or fully in shadow score near 1.
func (img *ImageCHW) DarkFrac() float64 {
	plane := img.Height * img.Width
	if plane == 0 {
		return 0
	}
	dark := 0
	for idx := 0; idx < plane; idx++ {
		allDark := true
		for c := 0; c < img.Channels; c++ {
			if img.Pix[c*plane+idx] >= darkValue {
				allDark = false
				break
			}
		}
		if allDark {
			dark++
		}
	}
	return float64(dark) / float64(plane)
}

// TooDark reports whether the image exceeds the allowed dark pixel fraction.
func (img *ImageCHW) TooDark(maxDarkFrac float64) bool {
	return img.DarkFrac() > maxDarkFrac
}

// Clone returns a deep copy of the image. Transforms mutate pixel buffers in
// place, so callers keep a clone when they still need the original.
func (img *ImageCHW) Clone() *ImageCHW {
	pix := make([]float32, len(img.Pix))
	copy(pix, img.Pix)
	return &ImageCHW{Pix: pix, Channels: img.Channels, Height: img.Height, Width: img.Width}
}
