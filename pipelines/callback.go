package pipelines

import (
	"github.com/knights-analytics/diffuser/util/imageutil"

	"gorgonia.org/tensor"
)

// Callback receives progress reports from the denoising loop. Exactly one of
// the concrete variants is passed per generation call; which payload it
// carries determines how much extra work each report costs, from a bare step
// counter up to a full VAE decode of the intermediate latents.
//
// Returning false from any callback cancels the generation cooperatively:
// the loop stops, the current latents are decoded and returned as the final
// images.
type Callback interface {
	frequency() int
}

// ProgressCallback reports the step counter only.
type ProgressCallback struct {
	// Frequency is the step interval between reports. Values below 1 report
	// every step.
	Frequency int
	Fn        func(step int, timestep float32) bool
}

func (c ProgressCallback) frequency() int { return normalizeFrequency(c.Frequency) }

// LatentsCallback reports the raw latent tensor at the current step.
type LatentsCallback struct {
	Frequency int
	Fn        func(step int, timestep float32, latents *tensor.Dense) bool
}

func (c LatentsCallback) frequency() int { return normalizeFrequency(c.Frequency) }

// DecodedCallback reports intermediate images produced by a full VAE decode
// of the current latents. This loads the VAE decoder alongside the denoiser
// at every reporting step, trading the single-stage memory profile for
// preview fidelity.
type DecodedCallback struct {
	Frequency int
	Fn        func(step int, timestep float32, images []*imageutil.RGBImage) bool
}

func (c DecodedCallback) frequency() int { return normalizeFrequency(c.Frequency) }

// ApproximateDecodedCallback reports intermediate images produced by a cheap
// linear projection of the latents. Previews are blurry but require no extra
// model stage.
type ApproximateDecodedCallback struct {
	Frequency int
	Fn        func(step int, timestep float32, images []*imageutil.RGBImage) bool
}

func (c ApproximateDecodedCallback) frequency() int { return normalizeFrequency(c.Frequency) }

func normalizeFrequency(freq int) int {
	if freq < 1 {
		return 1
	}
	return freq
}
