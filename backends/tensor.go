package backends

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

func toORTValue(d *tensor.Dense) (ort.Value, error) {
	dims := d.Shape()
	shape := make([]int64, len(dims))
	for i, v := range dims {
		shape[i] = int64(v)
	}
	switch d.Dtype() {
	case tensor.Float32:
		return ort.NewTensor(ort.NewShape(shape...), d.Data().([]float32))
	case tensor.Int64:
		return ort.NewTensor(ort.NewShape(shape...), d.Data().([]int64))
	default:
		return nil, fmt.Errorf("unsupported input tensor dtype %v", d.Dtype())
	}
}

func fromORTValue(v ort.Value) (*tensor.Dense, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		backing := make([]float32, len(src))
		copy(backing, src)
		dims := t.GetShape()
		shape := make([]int, len(dims))
		for i, dim := range dims {
			shape[i] = int(dim)
		}
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
	default:
		return nil, fmt.Errorf("unsupported output tensor type %T", v)
	}
}
