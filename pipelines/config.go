package pipelines

import (
	"fmt"

	"github.com/knights-analytics/diffuser/util/fileutil"

	jsoniter "github.com/json-iterator/go"
)

const manifestFile = "diffusers.json"

// manifest describes the contents of a converted model directory, as written
// by the conversion tooling into diffusers.json.
type manifest struct {
	Pipeline    string            `json:"pipeline"`
	Framework   string            `json:"framework"`
	TextEncoder *stageManifest    `json:"text-encoder"`
	UNet        *stageManifest    `json:"unet"`
	VAE         *vaeManifest      `json:"vae"`
	Tokenizer   tokenizerManifest `json:"tokenizer"`
}

type stageManifest struct {
	Path string `json:"path"`
}

type vaeManifest struct {
	Encoder string `json:"encoder"`
	Decoder string `json:"decoder"`
}

type tokenizerManifest struct {
	Type           string `json:"type"`
	Path           string `json:"path"`
	ModelMaxLength int    `json:"model-max-length"`
	BOSToken       int64  `json:"bos-token"`
	EOSToken       int64  `json:"eos-token"`
}

// loadManifest reads and validates diffusers.json from a model directory.
// All errors wrap ErrConfig.
func loadManifest(root string) (*manifest, error) {
	path := fileutil.PathJoinSafe(root, manifestFile)
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: checking %s: %w", ErrConfig, path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s not found in %s", ErrConfig, manifestFile, root)
	}
	raw, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfig, path, err)
	}
	var m manifest
	if err := jsoniter.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfig, path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return &m, nil
}

func (m *manifest) validate() error {
	if m.Pipeline != "stable-diffusion" {
		return fmt.Errorf("unsupported pipeline %q", m.Pipeline)
	}
	if m.Framework != "onnx" {
		return fmt.Errorf("unsupported framework %q", m.Framework)
	}
	if m.TextEncoder == nil || m.TextEncoder.Path == "" {
		return fmt.Errorf("manifest missing text-encoder path")
	}
	if m.UNet == nil || m.UNet.Path == "" {
		return fmt.Errorf("manifest missing unet path")
	}
	if m.VAE == nil || m.VAE.Decoder == "" {
		return fmt.Errorf("manifest missing vae decoder path")
	}
	if m.Tokenizer.Path == "" {
		return fmt.Errorf("manifest missing tokenizer path")
	}
	if m.Tokenizer.Type != "CLIPTokenizer" {
		return fmt.Errorf("unsupported tokenizer type %q", m.Tokenizer.Type)
	}
	if m.Tokenizer.ModelMaxLength <= 2 {
		return fmt.Errorf("tokenizer model-max-length %d too small", m.Tokenizer.ModelMaxLength)
	}
	return nil
}
