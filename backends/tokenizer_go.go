package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	goTK, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return err
	}
	tk.goTokenizer = &GoTokenizer{Tokenizer: goTK}
	return nil
}

func tokenizeGo(tk *Tokenizer, input string) ([]int64, error) {
	// special tokens are added by PadTokenIDs, not the tokenizer
	output, err := tk.goTokenizer.Tokenizer.EncodeSingle(input, false)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(output.Ids))
	for i, id := range output.Ids {
		ids[i] = int64(id)
	}
	return ids, nil
}
