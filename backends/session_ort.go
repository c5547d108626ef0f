package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/diffuser/util/fileutil"
)

// ortSession wraps an ONNX Runtime session for a single model stage.
type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

// NewSession opens an inference session for the onnx model file at path,
// bound to the shared environment. The model's input and output metadata is
// read from the file so callers do not need to know tensor names.
func NewSession(env *Environment, path string) (Session, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("model file %s does not exist", path)
	}

	inputsMeta, outputsMeta, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("reading model metadata for %s: %w", path, err)
	}

	inputNames := make([]string, len(inputsMeta))
	for i, v := range inputsMeta {
		inputNames[i] = v.Name
	}
	outputNames := make([]string, len(outputsMeta))
	for i, v := range outputsMeta {
		outputNames[i] = v.Name
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, env.sessionOptions)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", path, err)
	}

	return &ortSession{
		session: session,
		inputs:  convertORTInputOutputs(inputsMeta),
		outputs: convertORTInputOutputs(outputsMeta),
	}, nil
}

func (s *ortSession) Inputs() []InputOutputInfo {
	return s.inputs
}

func (s *ortSession) Outputs() []InputOutputInfo {
	return s.outputs
}

func (s *ortSession) Run(inputs []*tensor.Dense) (result []*tensor.Dense, err error) {
	inputValues := make([]ort.Value, len(inputs))
	defer func() {
		for _, v := range inputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	for i, input := range inputs {
		value, convErr := toORTValue(input)
		if convErr != nil {
			return nil, convErr
		}
		inputValues[i] = value
	}

	outputValues := make([]ort.Value, len(s.outputs))
	if runErr := s.session.Run(inputValues, outputValues); runErr != nil {
		return nil, runErr
	}
	defer func() {
		for _, v := range outputValues {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()

	result = make([]*tensor.Dense, len(outputValues))
	for i, v := range outputValues {
		converted, convErr := fromORTValue(v)
		if convErr != nil {
			return nil, convErr
		}
		result[i] = converted
	}
	return result, nil
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}
