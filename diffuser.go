// Package diffuser generates images from text prompts by driving latent
// diffusion models through onnxruntime, loading at most one model stage into
// memory at a time.
package diffuser

import (
	"github.com/knights-analytics/diffuser/backends"
	"github.com/knights-analytics/diffuser/options"
	"github.com/knights-analytics/diffuser/pipelines"
	"github.com/knights-analytics/diffuser/schedulers"
)

// Environment holds the shared onnxruntime state. Create one per process and
// destroy it once all pipelines built on it are destroyed.
type Environment = backends.Environment

// StableDiffusionPipeline generates images from text prompts while keeping at
// most one model stage resident at a time.
type StableDiffusionPipeline = pipelines.StableDiffusionPipeline

// PipelineOption configures a StableDiffusionPipeline at construction.
type PipelineOption = pipelines.PipelineOption

// Prompt is a batch of text prompts conditioning one generation call.
type Prompt = pipelines.Prompt

// Txt2ImgOptions configures a single text-to-image generation call.
type Txt2ImgOptions = pipelines.Txt2ImgOptions

// Callback variants for receiving progress reports from the denoising loop.
type (
	Callback                   = pipelines.Callback
	ProgressCallback           = pipelines.ProgressCallback
	LatentsCallback            = pipelines.LatentsCallback
	DecodedCallback            = pipelines.DecodedCallback
	ApproximateDecodedCallback = pipelines.ApproximateDecodedCallback
)

// Scheduler is the numerical update rule applied at each denoising step.
type Scheduler = schedulers.Scheduler

// EnvironmentOption configures the onnxruntime environment.
type EnvironmentOption = options.WithOption

// WithOnnxLibraryPath sets the path of the onnxruntime shared library.
func WithOnnxLibraryPath(path string) EnvironmentOption {
	return options.WithOnnxLibraryPath(path)
}

// DefaultBatched repeats a prompt once per batch sample.
func DefaultBatched(text string, count int) Prompt {
	return pipelines.DefaultBatched(text, count)
}

// NewEnvironment initialises the onnxruntime environment with the given
// options. Only one environment may be live per process.
func NewEnvironment(opts ...options.WithOption) (*Environment, error) {
	return backends.NewEnvironment(opts...)
}

// NewStableDiffusionPipeline loads a pipeline from a converted model
// directory containing a diffusers.json manifest.
func NewStableDiffusionPipeline(env *Environment, modelPath string, opts ...PipelineOption) (*StableDiffusionPipeline, error) {
	return pipelines.NewStableDiffusionPipeline(env, modelPath, opts...)
}

// NewDDIMScheduler returns the default deterministic scheduler.
func NewDDIMScheduler() *schedulers.DDIMScheduler {
	return schedulers.NewDDIMScheduler()
}

// NewEulerAncestralScheduler returns a stochastic ancestral scheduler.
func NewEulerAncestralScheduler() *schedulers.EulerAncestralScheduler {
	return schedulers.NewEulerAncestralScheduler()
}

// DefaultTxt2ImgOptions returns the standard Stable Diffusion generation
// settings: 512x512, 50 steps, guidance scale 7.5.
func DefaultTxt2ImgOptions() Txt2ImgOptions {
	return pipelines.DefaultTxt2ImgOptions()
}

// WithTokenizerRuntime selects the tokenizer implementation, "GO" or "RUST".
func WithTokenizerRuntime(runtime string) PipelineOption {
	return pipelines.WithTokenizerRuntime(runtime)
}

// WithLongPromptWeighting enables weighted prompt parsing with support for
// prompts longer than the text model's context window.
func WithLongPromptWeighting() PipelineOption {
	return pipelines.WithLongPromptWeighting()
}
