package datasets

import "math/rand"

// Transform mutates an image chip in place. Transforms compose left to right.
type Transform func(img *ImageCHW)

// Per-channel normalization statistics computed over the training imagery.
// They are on the 0..1 scale, i.e. applied after Scale.
var (
	normMean = []float32{0.485, 0.456, 0.406}
	normStd  = []float32{0.229, 0.224, 0.225}
)

// Compose chains transforms into one.
func Compose(ts ...Transform) Transform {
	return func(img *ImageCHW) {
		for _, t := range ts {
			t(img)
		}
	}
}

// Scale divides pixel values by 255 so they land in [0, 1].
func Scale() Transform {
	return func(img *ImageCHW) {
		for i := range img.Pix {
			img.Pix[i] /= 255.0
		}
	}
}

// Normalize standardizes each channel with the given mean and std. The slices
// must have one entry per channel.
func Normalize(mean, std []float32) Transform {
	return func(img *ImageCHW) {
		plane := img.Height * img.Width
		for c := 0; c < img.Channels; c++ {
			m, s := mean[c], std[c]
			for idx := c * plane; idx < (c+1)*plane; idx++ {
				img.Pix[idx] = (img.Pix[idx] - m) / s
			}
		}
	}
}

// RandomHorizontalFlip mirrors the image left-right with probability 0.5.
func RandomHorizontalFlip(rng *rand.Rand) Transform {
	return func(img *ImageCHW) {
		if rng.Float64() >= 0.5 {
			return
		}
		plane := img.Height * img.Width
		for c := 0; c < img.Channels; c++ {
			base := c * plane
			for y := 0; y < img.Height; y++ {
				row := base + y*img.Width
				for x := 0; x < img.Width/2; x++ {
					l, r := row+x, row+img.Width-1-x
					img.Pix[l], img.Pix[r] = img.Pix[r], img.Pix[l]
				}
			}
		}
	}
}

// RandomVerticalFlip mirrors the image top-bottom with probability 0.5.
func RandomVerticalFlip(rng *rand.Rand) Transform {
	return func(img *ImageCHW) {
		if rng.Float64() >= 0.5 {
			return
		}
		plane := img.Height * img.Width
		for c := 0; c < img.Channels; c++ {
			base := c * plane
			for y := 0; y < img.Height/2; y++ {
				top := base + y*img.Width
				bot := base + (img.Height-1-y)*img.Width
				for x := 0; x < img.Width; x++ {
					img.Pix[top+x], img.Pix[bot+x] = img.Pix[bot+x], img.Pix[top+x]
				}
			}
		}
	}
}

// TrainTransforms returns the augmentation pipeline used for the training
// stage: scale, normalize, then random flips. Satellite chips have no
// canonical orientation, so flips in both axes are safe augmentations.
func TrainTransforms(rng *rand.Rand) Transform {
	return Compose(
		Scale(),
		Normalize(normMean, normStd),
		RandomHorizontalFlip(rng),
		RandomVerticalFlip(rng),
	)
}

// ValTransforms returns the deterministic pipeline used for validation.
func ValTransforms() Transform {
	return Compose(Scale(), Normalize(normMean, normStd))
}

// TestTransforms returns the deterministic pipeline used for testing. It is
// identical to validation today but kept separate so the two stages can diverge.
func TestTransforms() Transform {
	return ValTransforms()
}
