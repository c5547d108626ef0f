package pipelines

import "errors"

// Sentinel errors wrapped by pipeline operations. Callers can classify
// failures with errors.Is without parsing messages.
var (
	// ErrConfig indicates a missing or malformed model directory or manifest.
	ErrConfig = errors.New("pipeline configuration error")
	// ErrValidation indicates invalid caller-supplied generation parameters.
	ErrValidation = errors.New("invalid generation parameters")
	// ErrLoad indicates a model stage could not be loaded into the backend.
	ErrLoad = errors.New("model load error")
	// ErrInference indicates a backend session run failed.
	ErrInference = errors.New("inference error")
	// ErrDecode indicates latents could not be decoded into images.
	ErrDecode = errors.New("latent decode error")
)
