package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knights-analytics/diffuser"
	"github.com/knights-analytics/diffuser/util/fileutil"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var modelPath string
var outputPath string
var sharedLibraryPath string
var modelsDir string
var negativePrompt string
var schedulerName string
var width int
var height int
var steps int
var guidanceScale float64
var seed int64
var batchSize int
var lpw bool

var txt2imgCommand = &cli.Command{
	Name:  "txt2img",
	Usage: "Generate images from a text prompt",
	Description: `Generate images from a text prompt using a converted Stable Diffusion model.
				The model directory must contain a diffusers.json manifest as produced by the conversion tooling.
				`,
	ArgsUsage: `
				PROMPT: the text prompt to generate from, passed as the positional argument.
				--model: model name or path to the converted model directory. The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model
				with this name at $HOME/diffuser/models. Finally, try to download the model from Huggingface and use it.
				--onnxruntimeSharedLibrary: directory containing the onnxruntime shared library. If not provided, the cli falls back to /usr/lib.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path to the converted model directory",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder where to write the generated images",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       ".",
		},
		&cli.StringFlag{
			Name:        "negative",
			Usage:       "Negative prompt steering generation away from its contents",
			Aliases:     []string{"n"},
			Destination: &negativePrompt,
		},
		&cli.StringFlag{
			Name:        "scheduler",
			Usage:       "Scheduler to use: ddim or euler-ancestral",
			Destination: &schedulerName,
			Value:       "ddim",
		},
		&cli.IntFlag{
			Name:        "width",
			Usage:       "Image width in pixels, must be a multiple of 8",
			Destination: &width,
			Value:       512,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "Image height in pixels, must be a multiple of 8",
			Destination: &height,
			Value:       512,
		},
		&cli.IntFlag{
			Name:        "steps",
			Usage:       "Number of denoising steps",
			Destination: &steps,
			Value:       50,
		},
		&cli.Float64Flag{
			Name:        "guidance",
			Usage:       "Classifier-free guidance scale, values of 1 or below disable guidance",
			Aliases:     []string{"g"},
			Destination: &guidanceScale,
			Value:       7.5,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "Seed for the noise generator, -1 draws a random seed",
			Destination: &seed,
			Value:       -1,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images to generate in one call",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       1,
		},
		&cli.BoolFlag{
			Name:        "lpw",
			Usage:       "Enable long prompt weighting, e.g. 'a (red:1.3) fox'",
			Destination: &lpw,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Directory containing the onnxruntime shared library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/diffuser/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
			Required:    false,
			Value:       "",
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		logger, loggerErr := newLogger()
		if loggerErr != nil {
			return loggerErr
		}
		defer func() {
			_ = logger.Sync()
		}()
		log := logger.Sugar()

		prompt := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
		if prompt == "" {
			return errors.New("a prompt is required, pass it as the positional argument")
		}

		var environmentOptions []diffuser.EnvironmentOption
		if sharedLibraryPath != "" {
			environmentOptions = append(environmentOptions, diffuser.WithOnnxLibraryPath(sharedLibraryPath))
		}

		environment, err := diffuser.NewEnvironment(environmentOptions...)
		if err != nil {
			return err
		}

		modelPath, err = resolveModel(ctx.Context, log)
		if err != nil {
			return errors.Join(err, environment.Destroy())
		}

		var pipelineOptions []diffuser.PipelineOption
		if lpw {
			pipelineOptions = append(pipelineOptions, diffuser.WithLongPromptWeighting())
		}

		pipeline, err := diffuser.NewStableDiffusionPipeline(environment, modelPath, pipelineOptions...)
		if err != nil {
			return errors.Join(err, environment.Destroy())
		}
		defer func() {
			err = errors.Join(err, pipeline.Destroy(), environment.Destroy())
		}()

		options := diffuser.DefaultTxt2ImgOptions()
		options.Width = width
		options.Height = height
		options.Steps = steps
		options.GuidanceScale = float32(guidanceScale)
		if seed >= 0 {
			options.Seed = &seed
		}
		if negativePrompt != "" {
			options.NegativePrompt = diffuser.Prompt{negativePrompt}
		}
		switch schedulerName {
		case "ddim":
			options.Scheduler = diffuser.NewDDIMScheduler()
		case "euler-ancestral":
			options.Scheduler = diffuser.NewEulerAncestralScheduler()
		default:
			return fmt.Errorf("unknown scheduler %s", schedulerName)
		}

		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			options.Callback = diffuser.ProgressCallback{
				Frequency: 1,
				Fn: func(step int, timestep float32) bool {
					fmt.Fprintf(os.Stderr, "\rstep %d / %d", step+1, steps)
					return true
				},
			}
		}

		log.Infow("generating", "prompt", prompt, "steps", steps, "size", fmt.Sprintf("%dx%d", width, height), "scheduler", schedulerName)

		images, err := pipeline.Txt2Img(diffuser.DefaultBatched(prompt, batchSize), options)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr)

		for i, image := range images {
			dest := fileutil.PathJoinSafe(outputPath, fmt.Sprintf("result-%d.png", i))
			if saveErr := image.SavePNG(dest); saveErr != nil {
				return saveErr
			}
			log.Infow("image written", "path", dest)
		}
		return err
	},
}

// resolveModel finds the model directory: an existing path wins, then a
// previously downloaded model of that name, then a fresh download.
func resolveModel(ctx context.Context, log *zap.SugaredLogger) (string, error) {
	if modelsDir == "" {
		userDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		modelsDir = fileutil.PathJoinSafe(userDir, "diffuser", "models")
	}

	ok, err := fileutil.FileExists(modelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return modelPath, nil
	}

	downloadedModelName := strings.Replace(modelPath, "/", "_", -1)
	ok, err = fileutil.FileExists(fileutil.PathJoinSafe(modelsDir, downloadedModelName))
	if err != nil {
		return "", err
	}
	if ok {
		return fileutil.PathJoinSafe(modelsDir, downloadedModelName), nil
	}

	if strings.Contains(modelPath, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err := fileutil.FileSystem.Create(ctx, modelsDir, os.ModePerm, true); err != nil {
		return "", err
	}
	log.Infow("downloading model", "model", modelPath, "destination", modelsDir)
	downloadOptions := diffuser.NewDownloadOptions()
	downloadOptions.Verbose = true
	return diffuser.DownloadModel(modelPath, modelsDir, downloadOptions)
}

func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		config = zap.NewDevelopmentConfig()
	}
	config.OutputPaths = []string{"stderr"}
	return config.Build()
}

func main() {
	app := &cli.App{
		Name:     "diffuser",
		Usage:    "Stable Diffusion image generation from the command line",
		Commands: []*cli.Command{txt2imgCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}
