package pipelines

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/knights-analytics/diffuser/backends"
	"github.com/knights-analytics/diffuser/schedulers"
	"github.com/knights-analytics/diffuser/util/imageutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const (
	testMaxLength    = 8
	testBOSToken     = int64(0)
	testEOSToken     = int64(1)
	testEmbeddingDim = 2
)

type fakeTokenizer struct {
	maxLength int
}

func (f fakeTokenizer) Tokenize(input string) ([]int64, error) {
	var ids []int64
	for _, r := range input {
		if r == ' ' {
			continue
		}
		ids = append(ids, int64(r%50)+2)
	}
	return ids, nil
}

func (f fakeTokenizer) EncodeForTextModel(inputs []string) (*tensor.Dense, error) {
	flat := make([]int64, 0, len(inputs)*f.maxLength)
	for _, input := range inputs {
		ids, err := f.Tokenize(input)
		if err != nil {
			return nil, err
		}
		flat = append(flat, backends.PadTokenIDs(ids, f.maxLength, testBOSToken, testEOSToken)...)
	}
	return tensor.New(tensor.WithShape(len(inputs), f.maxLength), tensor.WithBacking(flat)), nil
}

func (f fakeTokenizer) ModelMaxLength() int { return f.maxLength }
func (f fakeTokenizer) BOSToken() int64     { return testBOSToken }
func (f fakeTokenizer) EOSToken() int64     { return testEOSToken }
func (f fakeTokenizer) Destroy() error      { return nil }

type fakeSession struct {
	runFn     func(inputs []*tensor.Dense) ([]*tensor.Dense, error)
	runs      int
	destroyed bool
}

func (s *fakeSession) Run(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	s.runs++
	return s.runFn(inputs)
}

func (s *fakeSession) Inputs() []backends.InputOutputInfo  { return nil }
func (s *fakeSession) Outputs() []backends.InputOutputInfo { return nil }

func (s *fakeSession) Destroy() error {
	s.destroyed = true
	return nil
}

// fakeTextEncoderRun produces embeddings deterministically from the token
// ids so tests can recognize which prompt a row came from.
func fakeTextEncoderRun(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	ids := inputs[0].Data().([]int64)
	shape := inputs[0].Shape()
	batchSize, seqLength := shape[0], shape[1]
	data := make([]float32, batchSize*seqLength*testEmbeddingDim)
	for i, id := range ids {
		for d := 0; d < testEmbeddingDim; d++ {
			data[i*testEmbeddingDim+d] = float32(id)*0.1 + float32(d)*0.01
		}
	}
	out := tensor.New(tensor.WithShape(batchSize, seqLength, testEmbeddingDim), tensor.WithBacking(data))
	return []*tensor.Dense{out}, nil
}

// fakeUNetRun predicts noise as a scaled copy of the latent input plus a
// timestep-dependent offset, keeping the loop fully deterministic.
func fakeUNetRun(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	latentInput := inputs[0].Data().([]float32)
	t := inputs[1].Data().([]float32)[0]
	data := make([]float32, len(latentInput))
	for i, v := range latentInput {
		data[i] = v*0.05 + t*0.0001
	}
	out := tensor.New(tensor.WithShape(inputs[0].Shape()...), tensor.WithBacking(data))
	return []*tensor.Dense{out}, nil
}

// fakeVAERun upsamples the first three latent channels eightfold with nearest
// neighbour, matching the real decoder's resolution change. Values are scaled
// into [-1, 1] so decoded pixels stay unclamped and distinguishable.
func fakeVAERun(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	latents := inputs[0].Data().([]float32)
	shape := inputs[0].Shape()
	height, width := shape[2], shape[3]
	plane := height * width
	outHeight, outWidth := height*8, width*8
	outPlane := outHeight * outWidth
	data := make([]float32, 3*outPlane)
	for c := 0; c < 3; c++ {
		for y := 0; y < outHeight; y++ {
			for x := 0; x < outWidth; x++ {
				data[c*outPlane+y*outWidth+x] = latents[c*plane+(y/8)*width+x/8] * 0.01
			}
		}
	}
	out := tensor.New(tensor.WithShape(1, 3, outHeight, outWidth), tensor.WithBacking(data))
	return []*tensor.Dense{out}, nil
}

// stageTracker fabricates fake sessions per stage path and records the load
// order and the maximum number of concurrently live stages.
type stageTracker struct {
	loads     []string
	live      int
	maxLive   int
	textRuns  int
	unetRuns  int
	vaeRuns   int
	unetSeen  []tensor.Shape
	embSeen   []tensor.Shape
}

func (st *stageTracker) loadStage(path string) (backends.Session, error) {
	st.loads = append(st.loads, path)
	st.live++
	if st.live > st.maxLive {
		st.maxLive = st.live
	}
	session := &fakeSession{}
	switch path {
	case "text_encoder.onnx":
		session.runFn = func(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
			st.textRuns++
			return fakeTextEncoderRun(inputs)
		}
	case "unet.onnx":
		session.runFn = func(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
			st.unetRuns++
			st.unetSeen = append(st.unetSeen, inputs[0].Shape())
			st.embSeen = append(st.embSeen, inputs[2].Shape())
			return fakeUNetRun(inputs)
		}
	case "vae_decoder.onnx":
		session.runFn = func(inputs []*tensor.Dense) ([]*tensor.Dense, error) {
			st.vaeRuns++
			return fakeVAERun(inputs)
		}
	default:
		return nil, fmt.Errorf("unexpected stage %s", path)
	}
	return &trackedSession{fakeSession: session, tracker: st}, nil
}

type trackedSession struct {
	*fakeSession
	tracker *stageTracker
}

func (s *trackedSession) Destroy() error {
	s.tracker.live--
	return s.fakeSession.Destroy()
}

func newTestPipeline(tracker *stageTracker) *StableDiffusionPipeline {
	return &StableDiffusionPipeline{
		manifest: &manifest{
			Pipeline:    "stable-diffusion",
			Framework:   "onnx",
			TextEncoder: &stageManifest{Path: "text_encoder.onnx"},
			UNet:        &stageManifest{Path: "unet.onnx"},
			VAE:         &vaeManifest{Decoder: "vae_decoder.onnx"},
		},
		tokenizer: fakeTokenizer{maxLength: testMaxLength},
		loadStage: tracker.loadStage,
	}
}

func testOptions() Txt2ImgOptions {
	seed := int64(42)
	return Txt2ImgOptions{
		Width:         16,
		Height:        16,
		Steps:         4,
		GuidanceScale: 7.5,
		Seed:          &seed,
	}
}

func TestTxt2ImgValidatesBeforeLoadingStages(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})
	pipeline.loadStage = func(path string) (backends.Session, error) {
		t.Fatalf("stage %s loaded despite invalid options", path)
		return nil, nil
	}

	options := testOptions()
	options.Width = 100
	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	assert.ErrorIs(t, err, ErrValidation)

	options = testOptions()
	options.Steps = 0
	_, err = pipeline.Txt2Img(NewPrompt("a red fox"), options)
	assert.ErrorIs(t, err, ErrValidation)

	options = testOptions()
	_, err = pipeline.Txt2Img(Prompt{}, options)
	assert.ErrorIs(t, err, ErrValidation)

	options = testOptions()
	options.NegativePrompt = Prompt{"a", "b", "c"}
	_, err = pipeline.Txt2Img(Prompt{"x", "y"}, options)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTxt2ImgSingleStageResidency(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	images, err := pipeline.Txt2Img(NewPrompt("a red fox"), testOptions())
	require.NoError(t, err)
	require.Len(t, images, 1)

	assert.Equal(t, []string{"text_encoder.onnx", "unet.onnx", "vae_decoder.onnx"}, tracker.loads)
	assert.Equal(t, 1, tracker.maxLive)
	assert.Equal(t, 0, tracker.live)
}

func TestTxt2ImgGuidanceDuplicatesBatch(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), testOptions())
	require.NoError(t, err)

	require.NotEmpty(t, tracker.unetSeen)
	for _, shape := range tracker.unetSeen {
		assert.Equal(t, 2, shape[0], "latent batch should be duplicated under guidance")
	}
	for _, shape := range tracker.embSeen {
		assert.Equal(t, 2, shape[0], "embeddings should hold uncond and cond halves")
	}
	// Conditional and unconditional encodings are two separate runs.
	assert.Equal(t, 2, tracker.textRuns)
}

func TestTxt2ImgGuidanceDisabledAtOrBelowOne(t *testing.T) {
	for _, scale := range []float32{0.5, 1.0} {
		tracker := &stageTracker{}
		pipeline := newTestPipeline(tracker)

		options := testOptions()
		options.GuidanceScale = scale
		_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
		require.NoError(t, err)

		for _, shape := range tracker.unetSeen {
			assert.Equal(t, 1, shape[0], "latent batch must not be duplicated at scale %f", scale)
		}
		assert.Equal(t, 1, tracker.textRuns, "no unconditional encoding at scale %f", scale)
	}
}

func TestApplyGuidanceFormula(t *testing.T) {
	uncond := []float32{1.0, -2.0, 0.5, 0.0}
	cond := []float32{2.0, 1.0, -0.5, 4.0}
	input := tensor.New(tensor.WithShape(2, 1, 2, 2), tensor.WithBacking(append(append([]float32{}, uncond...), cond...)))

	for _, scale := range []float32{1.5, 5.0, 20.0} {
		out, err := applyGuidance(input, scale)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
		data := out.Data().([]float32)
		for i := range uncond {
			want := uncond[i] + scale*(cond[i]-uncond[i])
			assert.InDelta(t, float64(want), float64(data[i]), 1e-6)
		}
	}
}

func TestApplyGuidanceRejectsOddBatch(t *testing.T) {
	input := tensor.New(tensor.WithShape(3, 1, 1, 1), tensor.WithBacking([]float32{1, 2, 3}))
	_, err := applyGuidance(input, 7.5)
	assert.Error(t, err)
}

func TestTxt2ImgDeterminism(t *testing.T) {
	run := func(seed int64) []*imageutil.RGBImage {
		tracker := &stageTracker{}
		pipeline := newTestPipeline(tracker)
		options := testOptions()
		options.Seed = &seed
		images, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
		require.NoError(t, err)
		require.Len(t, images, 1)
		return images
	}

	first := run(42)
	second := run(42)
	third := run(43)

	assert.Equal(t, first[0].Pix, second[0].Pix)
	assert.NotEqual(t, first[0].Pix, third[0].Pix)
}

func TestTxt2ImgBatchPromptProducesOneImagePerEntry(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	images, err := pipeline.Txt2Img(Prompt{"a red fox", "a blue wolf"}, testOptions())
	require.NoError(t, err)
	assert.Len(t, images, 2)
	assert.Equal(t, 2, tracker.vaeRuns, "decoder runs once per batch element")
	for _, shape := range tracker.embSeen {
		assert.Equal(t, 4, shape[0], "two unconditional plus two conditional rows")
	}
}

func TestEncodePromptUnconditionalFirst(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	embeddings, err := pipeline.EncodePrompt(Prompt{"aa", "bb"}, true, nil)
	require.NoError(t, err)

	shape := embeddings.Shape()
	require.Equal(t, 4, shape[0])
	data := embeddings.Data().([]float32)
	rowSize := shape[1] * shape[2]

	// Rows 0 and 1 are encodings of the empty prompt and therefore
	// identical; rows 2 and 3 encode distinct prompts.
	assert.Equal(t, data[0:rowSize], data[rowSize:2*rowSize])
	assert.NotEqual(t, data[2*rowSize:3*rowSize], data[3*rowSize:4*rowSize])
	assert.NotEqual(t, data[0:rowSize], data[2*rowSize:3*rowSize])
}

func TestEncodePromptBroadcastsNegativePrompt(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	embeddings, err := pipeline.EncodePrompt(Prompt{"aa", "bb"}, true, NewPrompt("ugly"))
	require.NoError(t, err)

	shape := embeddings.Shape()
	require.Equal(t, 4, shape[0])
	data := embeddings.Data().([]float32)
	rowSize := shape[1] * shape[2]
	assert.Equal(t, data[0:rowSize], data[rowSize:2*rowSize], "negative prompt broadcast to both rows")
}

func TestEncodePromptNegativeLengthMismatch(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})
	_, err := pipeline.EncodePrompt(Prompt{"aa", "bb"}, true, Prompt{"x", "y", "z"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTxt2ImgCancellation(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	var reported []int
	options := testOptions()
	options.Steps = 6
	options.Callback = ProgressCallback{
		Frequency: 1,
		Fn: func(step int, timestep float32) bool {
			reported = append(reported, step)
			return step < 1
		},
	}

	images, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	require.NoError(t, err)
	require.Len(t, images, 1, "cancellation still decodes the current latents")

	assert.Equal(t, []int{0, 1}, reported)
	assert.Equal(t, 2, tracker.unetRuns, "no denoising steps after cancellation")
	assert.Equal(t, 1, tracker.vaeRuns)
	assert.Equal(t, 0, tracker.live, "all stages released after cancellation")
}

func TestTxt2ImgProgressCallbackFrequency(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	var reported []int
	options := testOptions()
	options.Steps = 6
	options.Callback = ProgressCallback{
		Frequency: 2,
		Fn: func(step int, timestep float32) bool {
			reported = append(reported, step)
			return true
		},
	}

	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, reported)
}

func TestDecodedCallbackSkipsFirstStep(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	var reported []int
	options := testOptions()
	options.Steps = 4
	options.Callback = ApproximateDecodedCallback{
		Frequency: 1,
		Fn: func(step int, timestep float32, images []*imageutil.RGBImage) bool {
			reported = append(reported, step)
			assert.Len(t, images, 1)
			return true
		},
	}

	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, reported)
}

// orderTwoScheduler wraps DDIM but reports order 2, producing a negative
// warm-up threshold. The gate must then fire on every second step plus the
// final one.
type orderTwoScheduler struct {
	*schedulers.DDIMScheduler
}

func (s orderTwoScheduler) Order() int { return 2 }

func TestCallbackGatingWithHigherOrderScheduler(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	var reported []int
	options := testOptions()
	options.Steps = 5
	options.Scheduler = orderTwoScheduler{schedulers.NewDDIMScheduler()}
	options.Callback = ProgressCallback{
		Frequency: 1,
		Fn: func(step int, timestep float32) bool {
			reported = append(reported, step)
			return true
		},
	}

	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	require.NoError(t, err)
	// Steps 1 and 3 satisfy (i+1)%2 == 0; step 4 is the final step.
	assert.Equal(t, []int{1, 3, 4}, reported)
}

func TestApproximateDecodeClampsExtremeLatents(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})

	data := make([]float32, 4*2*2)
	for i := range data {
		if i%2 == 0 {
			data[i] = 1000
		} else {
			data[i] = -1000
		}
	}
	latents := tensor.New(tensor.WithShape(1, 4, 2, 2), tensor.WithBacking(data))

	images, err := pipeline.ApproximateDecodeLatents(latents)
	require.NoError(t, err)
	require.Len(t, images, 1)
	for _, v := range images[0].Pix {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestDecodeLatentsClampsExtremeValues(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)

	data := make([]float32, 4*2*2)
	for i := range data {
		data[i] = 1000 * float32(1-2*(i%2))
	}
	latents := tensor.New(tensor.WithShape(1, 4, 2, 2), tensor.WithBacking(data))

	images, err := pipeline.DecodeLatents(latents)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, 16, images[0].Width)
	assert.Equal(t, 16, images[0].Height)
	for _, v := range images[0].Pix {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	assert.Equal(t, 0, tracker.live, "decoder stage released")
}

func TestApproximateDecodeRejectsBadShape(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})
	latents := tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12)))
	_, err := pipeline.ApproximateDecodeLatents(latents)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeLatentsRejectsBadShape(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})
	latents := tensor.New(tensor.WithShape(4, 4), tensor.WithBacking(make([]float32, 16)))
	_, err := pipeline.DecodeLatents(latents)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRandomLatentsScaledByInitNoiseSigma(t *testing.T) {
	rngA := rand.New(rand.NewSource(7))
	rngB := rand.New(rand.NewSource(7))

	unit := randomLatents(rngA, 1, 2, 2, 1.0)
	scaled := randomLatents(rngB, 1, 2, 2, 2.0)

	unitData := unit.Data().([]float32)
	scaledData := scaled.Data().([]float32)
	for i := range unitData {
		assert.InDelta(t, float64(unitData[i]*2), float64(scaledData[i]), 1e-6)
	}
	assert.Equal(t, tensor.Shape{1, 4, 2, 2}, unit.Shape())
}

func TestTxt2ImgRejectsStepsBeyondSchedulerRange(t *testing.T) {
	pipeline := newTestPipeline(&stageTracker{})
	pipeline.loadStage = func(path string) (backends.Session, error) {
		t.Fatalf("stage %s loaded despite out-of-range steps", path)
		return nil, nil
	}

	options := testOptions()
	options.Steps = 1000
	_, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTxt2ImgEmptyNegativePrompt(t *testing.T) {
	run := func(negative Prompt) []*imageutil.RGBImage {
		tracker := &stageTracker{}
		pipeline := newTestPipeline(tracker)
		options := testOptions()
		options.NegativePrompt = negative
		images, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
		require.NoError(t, err)
		require.Len(t, images, 1)
		return images
	}

	// An empty non-nil negative prompt behaves exactly like an absent one.
	assert.Equal(t, run(nil)[0].Pix, run(Prompt{})[0].Pix)
}

func TestEncodePromptEmptyNegativeWithWeighting(t *testing.T) {
	tracker := &stageTracker{}
	pipeline := newTestPipeline(tracker)
	pipeline.lpw = true

	embeddings, err := pipeline.EncodePrompt(Prompt{"aa", "bb"}, true, Prompt{})
	require.NoError(t, err)
	assert.Equal(t, 4, embeddings.Shape()[0])

	embeddings, err = pipeline.EncodePrompt(Prompt{"aa", "bb"}, false, Prompt{})
	require.NoError(t, err)
	assert.Equal(t, 2, embeddings.Shape()[0])
}

func TestTxt2ImgFullResolutionScenario(t *testing.T) {
	run := func(seed int64) []*imageutil.RGBImage {
		tracker := &stageTracker{}
		pipeline := newTestPipeline(tracker)
		options := Txt2ImgOptions{
			Width:         512,
			Height:        512,
			Steps:         20,
			GuidanceScale: 7.5,
			Seed:          &seed,
		}
		images, err := pipeline.Txt2Img(NewPrompt("a red fox"), options)
		require.NoError(t, err)
		require.Len(t, images, 1)
		assert.Equal(t, 512, images[0].Width)
		assert.Equal(t, 512, images[0].Height)
		return images
	}

	first := run(42)
	second := run(42)
	third := run(43)

	assert.Equal(t, first[0].Pix, second[0].Pix)
	assert.NotEqual(t, first[0].Pix, third[0].Pix)
}
