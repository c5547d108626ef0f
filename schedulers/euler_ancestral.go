package schedulers

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// EulerAncestralScheduler implements ancestral sampling with Euler method
// steps. It is stochastic: every step injects fresh noise drawn from the rng
// passed to Step, so identical seeds produce identical trajectories.
type EulerAncestralScheduler struct {
	numTrainTimesteps int
	trainSigmas       []float64
	sigmas            []float64
	timesteps         []float32
	initNoiseSigma    float32
}

// NewEulerAncestralScheduler returns an Euler ancestral scheduler configured
// for Stable Diffusion checkpoints.
func NewEulerAncestralScheduler() *EulerAncestralScheduler {
	betas := scaledLinearBetas(1000, 0.00085, 0.012)
	alphasCumprod := cumulativeAlphas(betas)
	trainSigmas := make([]float64, len(alphasCumprod))
	for i, a := range alphasCumprod {
		trainSigmas[i] = math.Sqrt((1.0 - a) / a)
	}
	return &EulerAncestralScheduler{
		numTrainTimesteps: 1000,
		trainSigmas:       trainSigmas,
	}
}

func (s *EulerAncestralScheduler) SetTimesteps(steps int) error {
	if steps < 1 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	if steps > s.numTrainTimesteps {
		return fmt.Errorf("steps (%d) cannot exceed the %d training timesteps of the scheduler", steps, s.numTrainTimesteps)
	}
	// Timesteps are a descending linspace over the training range, with
	// sigmas linearly interpolated at those positions. A trailing zero sigma
	// anchors the final step.
	s.timesteps = make([]float32, steps)
	s.sigmas = make([]float64, steps+1)
	maxT := float64(s.numTrainTimesteps - 1)
	for i := 0; i < steps; i++ {
		var t float64
		if steps == 1 {
			t = maxT
		} else {
			t = maxT * float64(steps-1-i) / float64(steps-1)
		}
		s.timesteps[i] = float32(t)
		s.sigmas[i] = s.interpSigma(t)
	}
	s.sigmas[steps] = 0.0
	s.initNoiseSigma = float32(s.sigmas[0])
	return nil
}

func (s *EulerAncestralScheduler) interpSigma(t float64) float64 {
	low := int(math.Floor(t))
	high := int(math.Ceil(t))
	if high >= len(s.trainSigmas) {
		return s.trainSigmas[len(s.trainSigmas)-1]
	}
	if low == high {
		return s.trainSigmas[low]
	}
	frac := t - float64(low)
	return s.trainSigmas[low]*(1.0-frac) + s.trainSigmas[high]*frac
}

func (s *EulerAncestralScheduler) Timesteps() []float32 {
	return s.timesteps
}

func (s *EulerAncestralScheduler) InitNoiseSigma() float32 {
	return s.initNoiseSigma
}

func (s *EulerAncestralScheduler) Order() int {
	return 1
}

// ScaleModelInput divides the sample by sqrt(sigma^2 + 1) so the denoiser
// sees inputs at unit variance.
func (s *EulerAncestralScheduler) ScaleModelInput(sample *tensor.Dense, timestep float32) (*tensor.Dense, error) {
	idx, err := s.stepIndex(timestep)
	if err != nil {
		return nil, err
	}
	sigma := s.sigmas[idx]
	scale := float32(1.0 / math.Sqrt(sigma*sigma+1.0))
	data, err := floatData(sample)
	if err != nil {
		return nil, err
	}
	scaled := make([]float32, len(data))
	for i, v := range data {
		scaled[i] = v * scale
	}
	return tensor.New(tensor.WithShape(sample.Shape()...), tensor.WithBacking(scaled)), nil
}

func (s *EulerAncestralScheduler) Step(noisePred *tensor.Dense, timestep float32, sample *tensor.Dense, rng *rand.Rand) (SchedulerOutput, error) {
	idx, err := s.stepIndex(timestep)
	if err != nil {
		return SchedulerOutput{}, err
	}
	sigmaFrom := s.sigmas[idx]
	sigmaTo := s.sigmas[idx+1]
	sigmaUp := math.Sqrt(sigmaTo * sigmaTo * (sigmaFrom*sigmaFrom - sigmaTo*sigmaTo) / (sigmaFrom * sigmaFrom))
	sigmaDown := math.Sqrt(sigmaTo*sigmaTo - sigmaUp*sigmaUp)
	dt := sigmaDown - sigmaFrom

	noise, err := floatData(noisePred)
	if err != nil {
		return SchedulerOutput{}, err
	}
	latent, err := floatData(sample)
	if err != nil {
		return SchedulerOutput{}, err
	}
	if len(noise) != len(latent) {
		return SchedulerOutput{}, fmt.Errorf("noise prediction has %d elements, sample has %d", len(noise), len(latent))
	}

	prev := make([]float32, len(latent))
	for i := range latent {
		x := float64(latent[i])
		predOriginal := x - sigmaFrom*float64(noise[i])
		derivative := (x - predOriginal) / sigmaFrom
		prev[i] = float32(x + derivative*dt + rng.NormFloat64()*sigmaUp)
	}
	out := tensor.New(tensor.WithShape(sample.Shape()...), tensor.WithBacking(prev))
	return SchedulerOutput{PrevSample: out}, nil
}

func (s *EulerAncestralScheduler) stepIndex(timestep float32) (int, error) {
	for i, t := range s.timesteps {
		if t == timestep {
			return i, nil
		}
	}
	return 0, fmt.Errorf("timestep %f not in scheduler timesteps", timestep)
}
