// Package schedulers provides the numerical update rules that turn a noise
// prediction into the next latent sample during diffusion sampling.
package schedulers

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// SchedulerOutput is the result of a single scheduler step.
type SchedulerOutput struct {
	// PrevSample is the latent sample for the previous (less noisy) timestep.
	PrevSample *tensor.Dense
}

// Scheduler defines the update rule applied at each denoising timestep, and
// owns the timestep sequence used by the sampling loop. Implementations are
// selected by the caller per generation call and must not be shared between
// concurrent calls.
type Scheduler interface {
	// SetTimesteps computes the timestep sequence for the given number of
	// inference steps. It must be called before Timesteps, ScaleModelInput or
	// Step, and errors when steps is out of the scheduler's trained range.
	SetTimesteps(steps int) error
	// Timesteps returns the timestep sequence, in sampling order.
	Timesteps() []float32
	// InitNoiseSigma returns the multiplier applied to the initial noise
	// latents.
	InitNoiseSigma() float32
	// Order returns the step multiplicity of the scheduler: the number of
	// denoiser invocations consumed per output step.
	Order() int
	// ScaleModelInput rescales the denoiser input for the current timestep.
	// Schedulers that need no numerical conditioning return the sample
	// unchanged.
	ScaleModelInput(sample *tensor.Dense, timestep float32) (*tensor.Dense, error)
	// Step produces the previous latent sample from the noise prediction at
	// the given timestep. Stochastic schedulers draw their noise from rng.
	Step(noisePred *tensor.Dense, timestep float32, sample *tensor.Dense, rng *rand.Rand) (SchedulerOutput, error)
}

// scaledLinearBetas is the "scaled_linear" beta schedule used by Stable
// Diffusion: linspace between the square roots of betaStart and betaEnd,
// squared.
func scaledLinearBetas(numTrainTimesteps int, betaStart, betaEnd float64) []float64 {
	betas := make([]float64, numTrainTimesteps)
	sqrtStart := math.Sqrt(betaStart)
	sqrtEnd := math.Sqrt(betaEnd)
	for i := range betas {
		beta := sqrtStart + float64(i)/float64(numTrainTimesteps-1)*(sqrtEnd-sqrtStart)
		betas[i] = beta * beta
	}
	return betas
}

func cumulativeAlphas(betas []float64) []float64 {
	alphasCumprod := make([]float64, len(betas))
	prod := 1.0
	for i, beta := range betas {
		prod *= 1.0 - beta
		alphasCumprod[i] = prod
	}
	return alphasCumprod
}
