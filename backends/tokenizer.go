package backends

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/diffuser/util/fileutil"
)

// Tokenizer wraps a CLIP tokenizer loaded from a tokenizer.json file. Two
// runtimes are supported: the pure Go sugarme tokenizer (default) and, when
// built with the RUST tag, the rust bindings from daulet/tokenizers.
type Tokenizer struct {
	goTokenizer   *GoTokenizer
	rustTokenizer *RustTokenizer
	runtime       string
	maxLength     int
	bosToken      int64
	eosToken      int64
	destroy       func() error
}

// LoadTokenizer reads the tokenizer.json at path and constructs a tokenizer
// for the given runtime ("GO" or "RUST"). maxLength is the text model's
// context window; token sequences produced by EncodeForTextModel are padded
// and truncated to exactly this length.
func LoadTokenizer(path, runtime string, maxLength int, bosToken, eosToken int64) (*Tokenizer, error) {
	tokenizerBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tokenizer file %s: %w", path, err)
	}

	tk := &Tokenizer{
		runtime:   runtime,
		maxLength: maxLength,
		bosToken:  bosToken,
		eosToken:  eosToken,
		destroy: func() error {
			return nil
		},
	}
	switch runtime {
	case "GO":
		err = loadGoTokenizer(tokenizerBytes, tk)
	case "RUST":
		err = loadRustTokenizer(tokenizerBytes, tk)
	default:
		err = fmt.Errorf("tokenizer runtime %s not recognized", runtime)
	}
	if err != nil {
		return nil, err
	}
	return tk, nil
}

// ModelMaxLength returns the fixed sequence length of the text model.
func (tk *Tokenizer) ModelMaxLength() int {
	return tk.maxLength
}

// BOSToken returns the beginning-of-sequence token id.
func (tk *Tokenizer) BOSToken() int64 {
	return tk.bosToken
}

// EOSToken returns the end-of-sequence token id.
func (tk *Tokenizer) EOSToken() int64 {
	return tk.eosToken
}

// Destroy releases the tokenizer.
func (tk *Tokenizer) Destroy() error {
	return tk.destroy()
}

// Tokenize converts text into raw token ids without special tokens, padding
// or truncation.
func (tk *Tokenizer) Tokenize(input string) ([]int64, error) {
	switch tk.runtime {
	case "GO":
		return tokenizeGo(tk, input)
	case "RUST":
		return tokenizeRust(tk, input)
	}
	return nil, fmt.Errorf("tokenizer runtime %s not recognized", tk.runtime)
}

// EncodeForTextModel tokenizes a batch of texts into the (batch, maxLength)
// int64 id tensor the text encoder expects. Every row starts with the BOS
// token, ends with the EOS token, and is padded with EOS to maxLength, which
// is the CLIP padding convention.
func (tk *Tokenizer) EncodeForTextModel(inputs []string) (*tensor.Dense, error) {
	backing := make([]int64, 0, len(inputs)*tk.maxLength)
	for _, input := range inputs {
		ids, err := tk.Tokenize(input)
		if err != nil {
			return nil, err
		}
		backing = append(backing, PadTokenIDs(ids, tk.maxLength, tk.bosToken, tk.eosToken)...)
	}
	return tensor.New(tensor.WithShape(len(inputs), tk.maxLength), tensor.WithBacking(backing)), nil
}

// PadTokenIDs brackets raw token ids with BOS/EOS and pads with EOS to
// exactly maxLength. Sequences longer than the window are truncated so the
// final token is always EOS.
func PadTokenIDs(ids []int64, maxLength int, bosToken, eosToken int64) []int64 {
	row := make([]int64, 0, maxLength)
	row = append(row, bosToken)
	if len(ids) > maxLength-2 {
		ids = ids[:maxLength-2]
	}
	row = append(row, ids...)
	for len(row) < maxLength {
		row = append(row, eosToken)
	}
	return row
}
