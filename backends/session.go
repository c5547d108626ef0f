package backends

import (
	"fmt"

	"gorgonia.org/tensor"
)

// InputOutputInfo describes one input or output of an inference session.
type InputOutputInfo struct {
	// The name of the input or output.
	Name string
	// The input or output's dimensions, if it's a tensor. Dynamic dimensions
	// are reported as -1.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape returns a Shape with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Session is a handle to a loaded inference stage. A session is valid until
// Destroy is called; callers must release it before loading the next stage so
// that at most one stage is resident at a time.
type Session interface {
	// Run executes the session on the given dense input tensors, in the order
	// the model declares its inputs, and returns one dense tensor per model
	// output.
	Run(inputs []*tensor.Dense) ([]*tensor.Dense, error)
	// Inputs returns the model's input metadata.
	Inputs() []InputOutputInfo
	// Outputs returns the model's output metadata.
	Outputs() []InputOutputInfo
	// Destroy releases the session and the memory held by the loaded model.
	Destroy() error
}
