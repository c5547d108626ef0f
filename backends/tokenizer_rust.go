//go:build cgo && RUST

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	rustTK, err := tokenizers.FromBytes(tokenizerBytes)
	if err != nil {
		return err
	}
	tk.rustTokenizer = &RustTokenizer{Tokenizer: rustTK}
	tk.destroy = func() error {
		return rustTK.Close()
	}
	return nil
}

func tokenizeRust(tk *Tokenizer, input string) ([]int64, error) {
	rawIDs, _ := tk.rustTokenizer.Tokenizer.Encode(input, false)
	ids := make([]int64, len(rawIDs))
	for i, id := range rawIDs {
		ids[i] = int64(id)
	}
	return ids, nil
}
