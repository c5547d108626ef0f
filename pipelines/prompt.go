package pipelines

// Prompt is a batch of text prompts conditioning one generation call. A
// single-element Prompt is broadcast across the batch size of the call; a
// multi-element Prompt must match it exactly.
type Prompt []string

// NewPrompt returns a single-prompt batch.
func NewPrompt(text string) Prompt {
	return Prompt{text}
}

// DefaultBatched repeats text count times, producing one prompt per batch
// sample.
func DefaultBatched(text string, count int) Prompt {
	batch := make(Prompt, count)
	for i := range batch {
		batch[i] = text
	}
	return batch
}
