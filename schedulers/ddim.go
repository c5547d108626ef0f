package schedulers

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// DDIMScheduler implements deterministic DDIM sampling with the scaled-linear
// beta schedule used by Stable Diffusion checkpoints.
type DDIMScheduler struct {
	numTrainTimesteps int
	stepsOffset       int
	alphasCumprod     []float64
	finalAlphaCumprod float64
	timesteps         []float32
	numInferenceSteps int
}

// NewDDIMScheduler returns a DDIM scheduler configured for Stable Diffusion:
// 1000 training timesteps, betas from 0.00085 to 0.012, steps offset 1.
func NewDDIMScheduler() *DDIMScheduler {
	betas := scaledLinearBetas(1000, 0.00085, 0.012)
	return &DDIMScheduler{
		numTrainTimesteps: 1000,
		stepsOffset:       1,
		alphasCumprod:     cumulativeAlphas(betas),
		finalAlphaCumprod: 1.0,
	}
}

func (s *DDIMScheduler) SetTimesteps(steps int) error {
	if steps < 1 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	// The steps offset shifts every timestep up by one, so the usable range
	// ends one short of the training schedule.
	if steps > s.numTrainTimesteps-s.stepsOffset {
		return fmt.Errorf("steps (%d) cannot exceed the %d training timesteps of the scheduler", steps, s.numTrainTimesteps-s.stepsOffset)
	}
	s.numInferenceSteps = steps
	stepRatio := s.numTrainTimesteps / steps
	s.timesteps = make([]float32, steps)
	for i := 0; i < steps; i++ {
		t := (steps-1-i)*stepRatio + s.stepsOffset
		s.timesteps[i] = float32(t)
	}
	return nil
}

func (s *DDIMScheduler) Timesteps() []float32 {
	return s.timesteps
}

func (s *DDIMScheduler) InitNoiseSigma() float32 {
	return 1.0
}

func (s *DDIMScheduler) Order() int {
	return 1
}

// ScaleModelInput is a no-op for DDIM.
func (s *DDIMScheduler) ScaleModelInput(sample *tensor.Dense, _ float32) (*tensor.Dense, error) {
	return sample, nil
}

func (s *DDIMScheduler) Step(noisePred *tensor.Dense, timestep float32, sample *tensor.Dense, _ *rand.Rand) (SchedulerOutput, error) {
	if s.numInferenceSteps == 0 {
		return SchedulerOutput{}, fmt.Errorf("scheduler timesteps not set")
	}
	t := int(timestep)
	prevT := t - s.numTrainTimesteps/s.numInferenceSteps

	alphaProdT := s.alphasCumprod[t]
	alphaProdPrev := s.finalAlphaCumprod
	if prevT >= 0 {
		alphaProdPrev = s.alphasCumprod[prevT]
	}
	betaProdT := 1.0 - alphaProdT

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

	sqrtAlphaT := math.Sqrt(alphaProdT)
	sqrtBetaT := math.Sqrt(betaProdT)
	sqrtAlphaPrev := math.Sqrt(alphaProdPrev)
	sqrtBetaPrev := math.Sqrt(1.0 - alphaProdPrev)

	prev := make([]float32, len(latent))
	for i := range latent {
		x := float64(latent[i])
		e := float64(noise[i])
		predOriginal := (x - sqrtBetaT*e) / sqrtAlphaT
		prev[i] = float32(sqrtAlphaPrev*predOriginal + sqrtBetaPrev*e)
	}
	out := tensor.New(tensor.WithShape(sample.Shape()...), tensor.WithBacking(prev))
	return SchedulerOutput{PrevSample: out}, nil
}

func floatData(d *tensor.Dense) ([]float32, error) {
	data, ok := d.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", d.Dtype())
	}
	return data, nil
}
