//go:build !NODOWNLOAD

package diffuser

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/knights-analytics/diffuser/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel downloads a converted diffusion model directly from
// huggingface. Before anything is downloaded, the repository is validated to
// ensure it carries a diffusers.json manifest, a tokenizer and the .onnx
// model stages. It returns the local model directory to pass to
// NewStableDiffusionPipeline.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := path.Join(destination, strings.Replace(modelP, "/", "_", -1))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDiffusionRepo(repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			if options.Verbose {
				fmt.Printf("Warning: attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, downloadErr)
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			moveErr := fileutil.CopyFile(truePath, fmt.Sprintf("%s/%s", modelPath, path.Base(downloadFiles[j])))
			if moveErr != nil {
				return "", moveErr
			}
		}

		if options.Verbose {
			fmt.Printf("\nDownload of %s completed successfully\n", modelName)
		}
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

// withRetries runs fetch up to maxRetries times, sleeping between failed
// attempts and stopping at the first success.
func withRetries(fetch func() error, what string, options DownloadOptions) error {
	var err error
	for i := 0; i < options.MaxRetries; i++ {
		if err = fetch(); err == nil {
			return nil
		}
		if options.Verbose {
			fmt.Printf("Warning: %s attempt %d / %d failed, error: %s\n", what, i+1, options.MaxRetries, err)
		}
		if i+1 < options.MaxRetries {
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
	}
	return err
}

// validateDiffusionRepo lists the repository and checks it holds everything a
// pipeline needs before any large file is fetched.
func validateDiffusionRepo(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	if err := withRetries(func() error { return repo.DownloadInfo(false) }, "list repo", options); err != nil {
		return nil, err
	}

	manifestPath := ""
	tokenizerPath := ""
	var stages []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		switch {
		case filepath.Base(fileName) == "diffusers.json":
			manifestPath = fileName
		case filepath.Base(fileName) == "tokenizer.json":
			tokenizerPath = fileName
		case filepath.Ext(fileName) == ".onnx":
			stages = append(stages, fileName)
		}
	}

	var errs []error
	if manifestPath == "" {
		errs = append(errs, fmt.Errorf("repository has no diffusers.json manifest, convert the model first"))
	}
	if tokenizerPath == "" {
		errs = append(errs, fmt.Errorf("repository has no tokenizer.json"))
	}
	if len(stages) == 0 {
		errs = append(errs, fmt.Errorf("repository has no .onnx model stages"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	files := append(stages, manifestPath, tokenizerPath)
	return files, nil
}
