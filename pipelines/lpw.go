package pipelines

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/knights-analytics/diffuser/backends"

	"gorgonia.org/tensor"
)

// defaultEmbeddingsMultiples bounds how many text model context windows a
// weighted prompt may span.
const defaultEmbeddingsMultiples = 3

const (
	roundBracketMultiplier  = 1.1
	squareBracketMultiplier = 1.0 / 1.1
)

var attentionPattern = regexp.MustCompile(`\\\(|\\\)|\\\[|\\\]|\\\\|\\|\(|\[|:\s*([+-]?[\d.]+)\s*\)|\)|\]|[^\\()\[\]:]+|:`)

type promptChunk struct {
	text   string
	weight float32
}

// parsePromptAttention splits a prompt into text chunks with attention
// weights. Round brackets multiply the enclosed text's weight by 1.1, square
// brackets divide it by 1.1, and an explicit "(text:1.5)" form sets it
// directly. Brackets escaped with a backslash are treated as literal text.
func parsePromptAttention(text string) []promptChunk {
	var chunks []promptChunk
	var roundStack, squareStack []int

	multiplyRange := func(start int, multiplier float32) {
		for i := start; i < len(chunks); i++ {
			chunks[i].weight *= multiplier
		}
	}

	for _, match := range attentionPattern.FindAllStringSubmatch(text, -1) {
		token := match[0]
		switch {
		case len(token) > 1 && token[0] == '\\':
			chunks = append(chunks, promptChunk{text: token[1:], weight: 1.0})
		case token == "(":
			roundStack = append(roundStack, len(chunks))
		case token == "[":
			squareStack = append(squareStack, len(chunks))
		case match[1] != "" && len(roundStack) > 0:
			if weight, err := strconv.ParseFloat(match[1], 32); err == nil {
				multiplyRange(roundStack[len(roundStack)-1], float32(weight))
			}
			roundStack = roundStack[:len(roundStack)-1]
		case token == ")" && len(roundStack) > 0:
			multiplyRange(roundStack[len(roundStack)-1], roundBracketMultiplier)
			roundStack = roundStack[:len(roundStack)-1]
		case token == "]" && len(squareStack) > 0:
			multiplyRange(squareStack[len(squareStack)-1], squareBracketMultiplier)
			squareStack = squareStack[:len(squareStack)-1]
		default:
			chunks = append(chunks, promptChunk{text: token, weight: 1.0})
		}
	}

	// Unclosed brackets still apply their multiplier to the rest of the
	// prompt.
	for _, start := range roundStack {
		multiplyRange(start, roundBracketMultiplier)
	}
	for _, start := range squareStack {
		multiplyRange(start, squareBracketMultiplier)
	}

	if len(chunks) == 0 {
		return []promptChunk{{text: "", weight: 1.0}}
	}

	// Merge runs with identical weights so tokenization sees whole phrases.
	merged := chunks[:1]
	for _, chunk := range chunks[1:] {
		if chunk.weight == merged[len(merged)-1].weight {
			merged[len(merged)-1].text += chunk.text
		} else {
			merged = append(merged, chunk)
		}
	}
	return merged
}

// getWeightedTextEmbeddings encodes weighted prompts, spanning up to
// maxEmbeddingsMultiples context windows of the text model. It returns the
// conditional embeddings and, when uncondPrompt is non-empty, the unconditional
// ones, both of shape (batch, sequence, dim).
func getWeightedTextEmbeddings(tk TextTokenizer, textEncoder backends.Session, prompt, uncondPrompt Prompt, maxEmbeddingsMultiples int) (*tensor.Dense, *tensor.Dense, error) {
	chunkLength := tk.ModelMaxLength()
	maxTokens := (chunkLength - 2) * maxEmbeddingsMultiples

	promptTokens, promptWeights, err := tokenizeWeighted(tk, prompt, maxTokens)
	if err != nil {
		return nil, nil, err
	}
	var uncondTokens [][]int64
	var uncondWeights [][]float32
	if len(uncondPrompt) > 0 {
		uncondTokens, uncondWeights, err = tokenizeWeighted(tk, uncondPrompt, maxTokens)
		if err != nil {
			return nil, nil, err
		}
	}

	longest := maxRowLength(promptTokens)
	if n := maxRowLength(uncondTokens); n > longest {
		longest = n
	}
	multiples := (longest-1)/(chunkLength-2) + 1
	if multiples < 1 {
		multiples = 1
	}
	if multiples > maxEmbeddingsMultiples {
		multiples = maxEmbeddingsMultiples
	}
	seqLength := (chunkLength-2)*multiples + 2

	cond, err := encodeWeighted(tk, textEncoder, promptTokens, promptWeights, seqLength, chunkLength)
	if err != nil {
		return nil, nil, err
	}
	if len(uncondPrompt) == 0 {
		return cond, nil, nil
	}
	uncond, err := encodeWeighted(tk, textEncoder, uncondTokens, uncondWeights, seqLength, chunkLength)
	if err != nil {
		return nil, nil, err
	}
	return cond, uncond, nil
}

// tokenizeWeighted tokenizes each prompt chunk-wise, carrying the chunk
// weight onto every token it produces. Rows are truncated to maxTokens.
func tokenizeWeighted(tk TextTokenizer, prompts Prompt, maxTokens int) ([][]int64, [][]float32, error) {
	tokens := make([][]int64, len(prompts))
	weights := make([][]float32, len(prompts))
	for i, text := range prompts {
		for _, chunk := range parsePromptAttention(text) {
			ids, err := tk.Tokenize(chunk.text)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: tokenizing weighted prompt: %w", ErrInference, err)
			}
			tokens[i] = append(tokens[i], ids...)
			for range ids {
				weights[i] = append(weights[i], chunk.weight)
			}
		}
		if len(tokens[i]) > maxTokens {
			tokens[i] = tokens[i][:maxTokens]
			weights[i] = weights[i][:maxTokens]
		}
	}
	return tokens, weights, nil
}

func maxRowLength(rows [][]int64) int {
	longest := 0
	for _, row := range rows {
		if len(row) > longest {
			longest = len(row)
		}
	}
	return longest
}

// encodeWeighted pads token rows to seqLength, encodes them chunk by chunk,
// and applies the per-token weights with mean renormalization so the overall
// embedding magnitude is preserved.
func encodeWeighted(tk TextTokenizer, textEncoder backends.Session, tokens [][]int64, weights [][]float32, seqLength, chunkLength int) (*tensor.Dense, error) {
	batchSize := len(tokens)
	ids := make([][]int64, batchSize)
	paddedWeights := make([][]float32, batchSize)
	for i := range tokens {
		ids[i] = padRow(tokens[i], seqLength, tk.BOSToken(), tk.EOSToken())
		row := make([]float32, seqLength)
		row[0] = 1.0
		copy(row[1:], weights[i])
		for j := 1 + len(weights[i]); j < seqLength; j++ {
			row[j] = 1.0
		}
		paddedWeights[i] = row
	}

	embeddings, err := encodeChunked(textEncoder, ids, seqLength, chunkLength, tk.BOSToken(), tk.EOSToken())
	if err != nil {
		return nil, err
	}
	if err := applyTokenWeights(embeddings, paddedWeights); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func padRow(tokens []int64, seqLength int, bosToken, eosToken int64) []int64 {
	row := make([]int64, seqLength)
	row[0] = bosToken
	copy(row[1:], tokens)
	for i := 1 + len(tokens); i < seqLength; i++ {
		row[i] = eosToken
	}
	return row
}

// encodeChunked runs the text encoder over each context-window-sized slice of
// the padded ids, replacing the slice boundaries with BOS/EOS markers, then
// stitches the per-chunk embeddings back together without the duplicated
// boundary tokens.
func encodeChunked(textEncoder backends.Session, ids [][]int64, seqLength, chunkLength int, bosToken, eosToken int64) (*tensor.Dense, error) {
	batchSize := len(ids)
	if seqLength <= chunkLength {
		return runTextEncoder(textEncoder, ids, seqLength)
	}

	multiples := (seqLength - 2) / (chunkLength - 2)
	var pieces []*tensor.Dense
	for i := 0; i < multiples; i++ {
		chunk := make([][]int64, batchSize)
		for b := range ids {
			chunk[b] = make([]int64, chunkLength)
			chunk[b][0] = bosToken
			copy(chunk[b][1:chunkLength-1], ids[b][1+i*(chunkLength-2):1+(i+1)*(chunkLength-2)])
			chunk[b][chunkLength-1] = eosToken
		}
		embedding, err := runTextEncoder(textEncoder, chunk, chunkLength)
		if err != nil {
			return nil, err
		}
		// Keep the BOS of the first chunk and the EOS of the last; drop the
		// synthetic boundary tokens in between.
		switch i {
		case 0:
			embedding, err = sliceSequence(embedding, 0, chunkLength-1)
		case multiples - 1:
			embedding, err = sliceSequence(embedding, 1, chunkLength)
		default:
			embedding, err = sliceSequence(embedding, 1, chunkLength-1)
		}
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, embedding)
	}
	return concatSequence(pieces)
}

func runTextEncoder(textEncoder backends.Session, ids [][]int64, seqLength int) (*tensor.Dense, error) {
	flat := make([]int64, 0, len(ids)*seqLength)
	for _, row := range ids {
		flat = append(flat, row...)
	}
	input := tensor.New(tensor.WithShape(len(ids), seqLength), tensor.WithBacking(flat))
	outputs, err := textEncoder.Run([]*tensor.Dense{input})
	if err != nil {
		return nil, fmt.Errorf("%w: text encoder: %w", ErrInference, err)
	}
	return outputs[0], nil
}

// sliceSequence returns embeddings[:, from:to, :] as a new tensor.
func sliceSequence(embeddings *tensor.Dense, from, to int) (*tensor.Dense, error) {
	shape := embeddings.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: expected 3D embeddings, got %v", ErrInference, shape)
	}
	data, ok := embeddings.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected float32 embeddings, got %s", ErrInference, embeddings.Dtype())
	}
	batchSize, seqLength, dim := shape[0], shape[1], shape[2]
	out := make([]float32, 0, batchSize*(to-from)*dim)
	for b := 0; b < batchSize; b++ {
		start := (b*seqLength + from) * dim
		end := (b*seqLength + to) * dim
		out = append(out, data[start:end]...)
	}
	return tensor.New(tensor.WithShape(batchSize, to-from, dim), tensor.WithBacking(out)), nil
}

// concatSequence concatenates embedding pieces along the sequence axis.
func concatSequence(pieces []*tensor.Dense) (*tensor.Dense, error) {
	if len(pieces) == 1 {
		return pieces[0], nil
	}
	combined, err := pieces[0].Concat(1, pieces[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%w: concatenating embedding chunks: %w", ErrInference, err)
	}
	return combined, nil
}

// applyTokenWeights scales each token's embedding by its weight, then
// rescales every sample so its mean matches the unweighted mean.
func applyTokenWeights(embeddings *tensor.Dense, weights [][]float32) error {
	shape := embeddings.Shape()
	if len(shape) != 3 {
		return fmt.Errorf("%w: expected 3D embeddings, got %v", ErrInference, shape)
	}
	data, ok := embeddings.Data().([]float32)
	if !ok {
		return fmt.Errorf("%w: expected float32 embeddings, got %s", ErrInference, embeddings.Dtype())
	}
	batchSize, seqLength, dim := shape[0], shape[1], shape[2]
	if len(weights) != batchSize {
		return fmt.Errorf("%w: weight rows %d do not match batch size %d", ErrInference, len(weights), batchSize)
	}
	for b := 0; b < batchSize; b++ {
		sample := data[b*seqLength*dim : (b+1)*seqLength*dim]
		previousMean := mean(sample)
		for t := 0; t < seqLength; t++ {
			w := weights[b][t]
			for d := 0; d < dim; d++ {
				sample[t*dim+d] *= w
			}
		}
		currentMean := mean(sample)
		if currentMean != 0 {
			scale := previousMean / currentMean
			for i := range sample {
				sample[i] *= scale
			}
		}
	}
	return nil
}

func mean(values []float32) float32 {
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return float32(sum / float64(len(values)))
}
