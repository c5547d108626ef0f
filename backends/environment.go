package backends

import (
	"errors"
	"fmt"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/diffuser/options"
	"github.com/knights-analytics/diffuser/util/fileutil"
)

// Environment is the shared ONNX Runtime execution environment. It owns the
// session options applied to every stage session created under it and is
// reference counted: each pipeline holding it calls Acquire at construction
// and Destroy when done, and the runtime environment is torn down when the
// last reference is released.
type Environment struct {
	options        *options.Options
	sessionOptions *ort.SessionOptions
	refs           atomic.Int64
}

// NewEnvironment initialises the ONNX Runtime environment. Only one
// environment can be active in a process at a time; share it across pipelines
// instead of creating a second one.
func NewEnvironment(opts ...options.WithOption) (*Environment, error) {
	parsed := options.Defaults()
	for _, option := range opts {
		if err := option(parsed); err != nil {
			return nil, err
		}
	}

	if ort.IsInitialized() {
		return nil, errors.New("another environment is currently active, and only one environment can be active at one time")
	}

	o := parsed.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return nil, err
		}
		if !ortPathExists {
			return nil, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return nil, errors.Join(err, ort.DestroyEnvironment())
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return nil, errors.Join(err, ort.DestroyEnvironment())
		}
	}

	sessionOptions, err := newSessionOptions(o)
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}

	env := &Environment{
		options:        parsed,
		sessionOptions: sessionOptions,
	}
	env.refs.Store(1)
	return env, nil
}

func newSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	destroyOnError := func(optErr error) (*ort.SessionOptions, error) {
		return nil, errors.Join(optErr, sessionOptions.Destroy())
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return destroyOnError(err)
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return destroyOnError(err)
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return destroyOnError(err)
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return destroyOnError(err)
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return destroyOnError(optErr)
		}
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return destroyOnError(optErr)
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return destroyOnError(err)
		}
	}
	if o.CoreMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLOptions); err != nil {
			return destroyOnError(err)
		}
	}
	if o.DirectMLOptions != nil {
		if err := sessionOptions.AppendExecutionProviderDirectML(*o.DirectMLOptions); err != nil {
			return destroyOnError(err)
		}
	}
	return sessionOptions, nil
}

// Acquire takes an additional reference on the environment.
func (e *Environment) Acquire() *Environment {
	e.refs.Add(1)
	return e
}

// Destroy releases one reference. When the last reference is released the
// session options and the runtime environment are destroyed.
func (e *Environment) Destroy() error {
	if e.refs.Add(-1) > 0 {
		return nil
	}
	var err error
	if e.sessionOptions != nil {
		err = e.sessionOptions.Destroy()
		e.sessionOptions = nil
	}
	if e.options != nil {
		err = errors.Join(err, e.options.Destroy())
		e.options = nil
	}
	return errors.Join(err, ort.DestroyEnvironment())
}
