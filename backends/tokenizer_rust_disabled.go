//go:build !cgo || !RUST

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Tokenizer) error {
	return errors.New("the rust tokenizer is only available when building with the RUST tag and cgo enabled")
}

func tokenizeRust(_ *Tokenizer, _ string) ([]int64, error) {
	return nil, errors.New("the rust tokenizer is only available when building with the RUST tag and cgo enabled")
}
