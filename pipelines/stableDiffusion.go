// Package pipelines implements text-to-image generation pipelines driving
// latent diffusion models through an inference backend.
package pipelines

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/knights-analytics/diffuser/backends"
	"github.com/knights-analytics/diffuser/schedulers"
	"github.com/knights-analytics/diffuser/util/fileutil"
	"github.com/knights-analytics/diffuser/util/imageutil"

	"gorgonia.org/tensor"
)

// vaeScalingFactor is the latent scaling constant of the Stable Diffusion
// autoencoder. Latents are divided by it before decoding.
const vaeScalingFactor = 0.18215

// approxDecodeCoefficients projects the 4 latent channels onto RGB for cheap
// preview decoding. The values are calibration constants and must not be
// changed.
var approxDecodeCoefficients = [4][3]float32{
	{0.298, 0.207, 0.208},
	{0.187, 0.286, 0.173},
	{-0.158, 0.189, 0.264},
	{-0.184, -0.271, -0.473},
}

// TextTokenizer is the tokenization surface the pipeline needs from a
// backend tokenizer.
type TextTokenizer interface {
	Tokenize(input string) ([]int64, error)
	EncodeForTextModel(inputs []string) (*tensor.Dense, error)
	ModelMaxLength() int
	BOSToken() int64
	EOSToken() int64
	Destroy() error
}

// StableDiffusionPipeline generates images from text prompts while keeping at
// most one model stage resident at a time. Each stage is loaded immediately
// before use and released immediately after, trading load latency for a
// minimal memory footprint.
type StableDiffusionPipeline struct {
	env       *backends.Environment
	root      string
	manifest  *manifest
	tokenizer TextTokenizer
	lpw       bool

	// loadStage resolves a manifest-relative model path into a live session.
	loadStage func(path string) (backends.Session, error)
}

// PipelineOption configures a StableDiffusionPipeline at construction.
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	tokenizerRuntime string
	lpw              bool
}

// WithTokenizerRuntime selects the tokenizer implementation, "GO" or "RUST".
func WithTokenizerRuntime(runtime string) PipelineOption {
	return func(c *pipelineConfig) {
		c.tokenizerRuntime = runtime
	}
}

// WithLongPromptWeighting enables weighted prompt parsing with support for
// prompts longer than the text model's context window.
func WithLongPromptWeighting() PipelineOption {
	return func(c *pipelineConfig) {
		c.lpw = true
	}
}

// NewStableDiffusionPipeline loads the pipeline manifest and tokenizer from a
// converted model directory. Model stages are not loaded until they are
// needed by a generation call.
func NewStableDiffusionPipeline(env *backends.Environment, modelPath string, opts ...PipelineOption) (*StableDiffusionPipeline, error) {
	config := pipelineConfig{tokenizerRuntime: "GO"}
	for _, opt := range opts {
		opt(&config)
	}

	m, err := loadManifest(modelPath)
	if err != nil {
		return nil, err
	}

	tk, err := backends.LoadTokenizer(
		fileutil.PathJoinSafe(modelPath, m.Tokenizer.Path),
		config.tokenizerRuntime,
		m.Tokenizer.ModelMaxLength,
		m.Tokenizer.BOSToken,
		m.Tokenizer.EOSToken,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tokenizer: %w", ErrConfig, err)
	}

	env.Acquire()
	pipeline := &StableDiffusionPipeline{
		env:       env,
		root:      modelPath,
		manifest:  m,
		tokenizer: tk,
		lpw:       config.lpw,
	}
	pipeline.loadStage = func(path string) (backends.Session, error) {
		session, sessionErr := backends.NewSession(env, fileutil.PathJoinSafe(modelPath, path))
		if sessionErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, sessionErr)
		}
		return session, nil
	}
	return pipeline, nil
}

// Destroy releases the tokenizer and the pipeline's hold on the backend
// environment.
func (p *StableDiffusionPipeline) Destroy() error {
	return errors.Join(p.tokenizer.Destroy(), p.env.Destroy())
}

// Txt2ImgOptions configures a single text-to-image generation call.
type Txt2ImgOptions struct {
	// Width and Height of the generated images in pixels. Both must be
	// multiples of 8.
	Width  int
	Height int
	// Steps is the number of denoising steps. More steps generally produce
	// higher quality at a linear cost in time.
	Steps int
	// GuidanceScale controls how strongly generation follows the prompt.
	// Values of 1.0 or below disable classifier-free guidance entirely.
	GuidanceScale float32
	// Seed for the noise generator. When nil, a random seed is drawn once at
	// the start of the call.
	Seed *int64
	// NegativePrompt steers generation away from its contents. A
	// single-element negative prompt is broadcast across the batch.
	NegativePrompt Prompt
	// Scheduler selects the numerical update rule. Defaults to DDIM.
	Scheduler schedulers.Scheduler
	// Callback, if set, receives progress reports from the denoising loop.
	Callback Callback
}

// DefaultTxt2ImgOptions returns the standard Stable Diffusion generation
// settings: 512x512, 50 steps, guidance scale 7.5.
func DefaultTxt2ImgOptions() Txt2ImgOptions {
	return Txt2ImgOptions{
		Width:         512,
		Height:        512,
		Steps:         50,
		GuidanceScale: 7.5,
	}
}

func (o *Txt2ImgOptions) validate(batchSize int) error {
	if batchSize == 0 {
		return fmt.Errorf("%w: prompt must contain at least one entry", ErrValidation)
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("%w: width (%d) and height (%d) must be positive", ErrValidation, o.Width, o.Height)
	}
	if o.Width%8 != 0 || o.Height%8 != 0 {
		return fmt.Errorf("%w: width (%d) and height (%d) must be divisible by 8", ErrValidation, o.Width, o.Height)
	}
	if o.Steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrValidation, o.Steps)
	}
	if n := len(o.NegativePrompt); n > 1 && n != batchSize {
		return fmt.Errorf("%w: negative prompt length %d does not match batch size %d", ErrValidation, n, batchSize)
	}
	return nil
}

// Txt2Img generates one image per prompt entry. All parameters are validated
// before any model stage is loaded.
func (p *StableDiffusionPipeline) Txt2Img(prompt Prompt, options Txt2ImgOptions) ([]*imageutil.RGBImage, error) {
	batchSize := len(prompt)
	if err := options.validate(batchSize); err != nil {
		return nil, err
	}

	var seed int64
	if options.Seed != nil {
		seed = *options.Seed
	} else {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))

	scheduler := options.Scheduler
	if scheduler == nil {
		scheduler = schedulers.NewDDIMScheduler()
	}

	// The scheduler bounds the usable step count, so set timesteps before any
	// model stage is loaded.
	if err := scheduler.SetTimesteps(options.Steps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	doGuidance := options.GuidanceScale > 1.0
	embeddings, err := p.EncodePrompt(prompt, doGuidance, options.NegativePrompt)
	if err != nil {
		return nil, err
	}

	latents := randomLatents(rng, batchSize, options.Height/8, options.Width/8, scheduler.InitNoiseSigma())

	latents, err = p.denoise(latents, embeddings, scheduler, rng, options)
	if err != nil {
		return nil, err
	}

	return p.DecodeLatents(latents)
}

func randomLatents(rng *rand.Rand, batchSize, height, width int, initNoiseSigma float32) *tensor.Dense {
	data := make([]float32, batchSize*4*height*width)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * initNoiseSigma
	}
	return tensor.New(tensor.WithShape(batchSize, 4, height, width), tensor.WithBacking(data))
}

// denoise runs the full denoising loop with the denoiser stage resident,
// releasing it before returning on every path.
func (p *StableDiffusionPipeline) denoise(latents, embeddings *tensor.Dense, scheduler schedulers.Scheduler, rng *rand.Rand, options Txt2ImgOptions) (result *tensor.Dense, err error) {
	unet, err := p.loadStage(p.manifest.UNet.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, unet.Destroy())
	}()

	doGuidance := options.GuidanceScale > 1.0
	timesteps := scheduler.Timesteps()
	// A negative warm-up threshold means every step is past warm-up.
	numWarmupSteps := len(timesteps) - options.Steps*scheduler.Order()

	for i, t := range timesteps {
		latentInput := latents
		if doGuidance {
			latentInput, err = latents.Concat(0, latents)
			if err != nil {
				return nil, fmt.Errorf("%w: duplicating latents for guidance: %w", ErrInference, err)
			}
		}
		latentInput, err = scheduler.ScaleModelInput(latentInput, t)
		if err != nil {
			return nil, fmt.Errorf("%w: scaling denoiser input: %w", ErrInference, err)
		}

		timestep := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{t}))
		outputs, err := unet.Run([]*tensor.Dense{latentInput, timestep, embeddings})
		if err != nil {
			return nil, fmt.Errorf("%w: denoiser step %d: %w", ErrInference, i, err)
		}
		noisePred := outputs[0]

		if doGuidance {
			noisePred, err = applyGuidance(noisePred, options.GuidanceScale)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInference, err)
			}
		}

		stepOutput, err := scheduler.Step(noisePred, t, latents, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduler step %d: %w", ErrInference, i, err)
		}
		latents = stepOutput.PrevSample

		if options.Callback != nil {
			keepGoing, cbErr := p.invokeCallback(options.Callback, i, t, latents, timesteps, numWarmupSteps, scheduler.Order())
			if cbErr != nil {
				return nil, cbErr
			}
			if !keepGoing {
				break
			}
		}
	}
	return latents, nil
}

// invokeCallback applies the warm-up and frequency gating rules and invokes
// the configured callback variant. It returns false when the callback
// requests cancellation.
func (p *StableDiffusionPipeline) invokeCallback(callback Callback, i int, t float32, latents *tensor.Dense, timesteps []float32, numWarmupSteps, order int) (bool, error) {
	if i != len(timesteps)-1 && !((i+1) > numWarmupSteps && (i+1)%order == 0) {
		return true, nil
	}
	switch cb := callback.(type) {
	case ProgressCallback:
		if i%cb.frequency() == 0 {
			return cb.Fn(i, t), nil
		}
	case LatentsCallback:
		if i%cb.frequency() == 0 {
			return cb.Fn(i, t, latents.Clone().(*tensor.Dense)), nil
		}
	case DecodedCallback:
		if i != 0 && i%cb.frequency() == 0 {
			images, err := p.DecodeLatents(latents)
			if err != nil {
				return false, err
			}
			return cb.Fn(i, t, images), nil
		}
	case ApproximateDecodedCallback:
		if i != 0 && i%cb.frequency() == 0 {
			images, err := p.ApproximateDecodeLatents(latents)
			if err != nil {
				return false, err
			}
			return cb.Fn(i, t, images), nil
		}
	}
	return true, nil
}

// EncodePrompt tokenizes and encodes the prompt batch into text embeddings
// for the denoiser. With guidance enabled the result holds the unconditional
// embeddings first, followed by the conditional ones, doubling the batch
// dimension. The text encoder stage is loaded for the duration of the call
// and released before returning.
func (p *StableDiffusionPipeline) EncodePrompt(prompt Prompt, doGuidance bool, negativePrompt Prompt) (embeddings *tensor.Dense, err error) {
	batchSize := len(prompt)
	if n := len(negativePrompt); n > 1 && n != batchSize {
		return nil, fmt.Errorf("%w: negative prompt length %d does not match batch size %d", ErrValidation, n, batchSize)
	}
	if len(negativePrompt) == 1 && batchSize > 1 {
		negativePrompt = DefaultBatched(negativePrompt[0], batchSize)
	}

	textEncoder, err := p.loadStage(p.manifest.TextEncoder.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, textEncoder.Destroy())
	}()

	if p.lpw {
		// An empty negative prompt means no conditioning either way, so treat
		// it like an absent one.
		var uncondPrompt Prompt
		if len(negativePrompt) > 0 {
			uncondPrompt = negativePrompt
		} else if doGuidance {
			uncondPrompt = DefaultBatched("", batchSize)
		}
		cond, uncond, lpwErr := getWeightedTextEmbeddings(p.tokenizer, textEncoder, prompt, uncondPrompt, defaultEmbeddingsMultiples)
		if lpwErr != nil {
			return nil, lpwErr
		}
		if doGuidance && uncond != nil {
			return concatEmbeddings(uncond, cond)
		}
		return cond, nil
	}

	cond, err := p.encodeTexts(textEncoder, prompt)
	if err != nil {
		return nil, err
	}
	if !doGuidance {
		return cond, nil
	}

	if len(negativePrompt) == 0 {
		negativePrompt = DefaultBatched("", batchSize)
	}
	uncond, err := p.encodeTexts(textEncoder, negativePrompt)
	if err != nil {
		return nil, err
	}
	return concatEmbeddings(uncond, cond)
}

func (p *StableDiffusionPipeline) encodeTexts(textEncoder backends.Session, texts []string) (*tensor.Dense, error) {
	ids, err := p.tokenizer.EncodeForTextModel(texts)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizing prompt: %w", ErrInference, err)
	}
	outputs, err := textEncoder.Run([]*tensor.Dense{ids})
	if err != nil {
		return nil, fmt.Errorf("%w: text encoder: %w", ErrInference, err)
	}
	return outputs[0], nil
}

func concatEmbeddings(uncond, cond *tensor.Dense) (*tensor.Dense, error) {
	combined, err := uncond.Concat(0, cond)
	if err != nil {
		return nil, fmt.Errorf("%w: concatenating embeddings: %w", ErrInference, err)
	}
	return combined, nil
}

// applyGuidance splits a duplicated noise prediction into its unconditional
// and conditional halves and combines them with the classifier-free guidance
// formula uncond + scale*(cond - uncond).
func applyGuidance(noisePred *tensor.Dense, scale float32) (*tensor.Dense, error) {
	shape := noisePred.Shape()
	if len(shape) != 4 || shape[0]%2 != 0 {
		return nil, fmt.Errorf("guided noise prediction must have an even 4D batch, got %v", shape)
	}
	data, ok := noisePred.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 noise prediction, got %s", noisePred.Dtype())
	}
	half := len(data) / 2
	uncond, cond := data[:half], data[half:]
	guided := make([]float32, half)
	for i := range guided {
		guided[i] = uncond[i] + scale*(cond[i]-uncond[i])
	}
	return tensor.New(tensor.WithShape(shape[0]/2, shape[1], shape[2], shape[3]), tensor.WithBacking(guided)), nil
}

// ApproximateDecodeLatents maps latents directly to RGB images through a
// fixed linear projection followed by a 1.2x brightness scale. No model stage
// is loaded; the previews are blurry but nearly free.
func (p *StableDiffusionPipeline) ApproximateDecodeLatents(latents *tensor.Dense) ([]*imageutil.RGBImage, error) {
	shape := latents.Shape()
	if len(shape) != 4 || shape[1] != 4 {
		return nil, fmt.Errorf("%w: expected latents of shape (B, 4, H, W), got %v", ErrDecode, shape)
	}
	data, ok := latents.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected float32 latents, got %s", ErrDecode, latents.Dtype())
	}

	batchSize, height, width := shape[0], shape[2], shape[3]
	plane := height * width
	images := make([]*imageutil.RGBImage, 0, batchSize)
	for b := 0; b < batchSize; b++ {
		sample := data[b*4*plane : (b+1)*4*plane]
		pix := make([]float32, plane*3)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				offset := y*width + x
				for c := 0; c < 3; c++ {
					var v float32
					for l := 0; l < 4; l++ {
						v += sample[l*plane+offset] * approxDecodeCoefficients[l][c]
					}
					pix[offset*3+c] = v * 1.2
				}
			}
		}
		image, err := imageutil.NewRGBImage(width, height, pix)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		images = append(images, image)
	}
	return images, nil
}

// DecodeLatents decodes latents into RGB images through the full autoencoder.
// Each batch element runs through the decoder individually; the stage is
// loaded for the duration of the call and released before returning.
func (p *StableDiffusionPipeline) DecodeLatents(latents *tensor.Dense) (images []*imageutil.RGBImage, err error) {
	shape := latents.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: expected 4D latents, got %v", ErrDecode, shape)
	}
	data, ok := latents.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected float32 latents, got %s", ErrDecode, latents.Dtype())
	}

	scaled := make([]float32, len(data))
	for i, v := range data {
		scaled[i] = v / vaeScalingFactor
	}

	vaeDecoder, err := p.loadStage(p.manifest.VAE.Decoder)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, vaeDecoder.Destroy())
	}()

	batchSize := shape[0]
	sampleSize := len(scaled) / batchSize
	images = make([]*imageutil.RGBImage, 0, batchSize)
	for b := 0; b < batchSize; b++ {
		sample := tensor.New(
			tensor.WithShape(1, shape[1], shape[2], shape[3]),
			tensor.WithBacking(scaled[b*sampleSize:(b+1)*sampleSize]),
		)
		outputs, runErr := vaeDecoder.Run([]*tensor.Dense{sample})
		if runErr != nil {
			return nil, fmt.Errorf("%w: decoding sample %d: %w", ErrDecode, b, runErr)
		}
		image, imgErr := decodedSampleToImage(outputs[0])
		if imgErr != nil {
			return nil, imgErr
		}
		images = append(images, image)
	}
	return images, nil
}

// decodedSampleToImage maps a single decoder output from its native [-1, 1]
// range and channel-first layout into a channel-last [0, 1] image.
func decodedSampleToImage(decoded *tensor.Dense) (*imageutil.RGBImage, error) {
	shape := decoded.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 {
		return nil, fmt.Errorf("%w: expected decoder output of shape (1, 3, H, W), got %v", ErrDecode, shape)
	}
	data, ok := decoded.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected float32 decoder output, got %s", ErrDecode, decoded.Dtype())
	}
	height, width := shape[2], shape[3]
	plane := height * width
	pix := make([]float32, plane*3)
	for c := 0; c < 3; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pix[(y*width+x)*3+c] = data[c*plane+y*width+x]/2.0 + 0.5
			}
		}
	}
	image, err := imageutil.NewRGBImage(width, height, pix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return image, nil
}
