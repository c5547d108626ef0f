package options

import (
	"fmt"
	"runtime"

	"github.com/knights-analytics/diffuser/util/fileutil"
)

// Options collects the environment options applied when the shared ONNX Runtime
// environment is created. Options are gathered first and applied in order once
// the environment initialises.
type Options struct {
	ORTOptions *OrtOptions
	Destroy    func() error
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLOptions     *uint32
	DirectMLOptions   *int
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath sets the directory containing "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryDir string) WithOption {
	return func(o *Options) error {
		object, err := fileutil.FileStats(ortLibraryDir)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryDir, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryDir)
		}

		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryDir, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryDir)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryDir
		return nil
	}
}

// WithTelemetry enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads sets the number of threads used to parallelize execution
// within onnxruntime graph nodes. If unspecified, onnxruntime uses the number of
// physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads sets the number of threads used to parallelize execution
// across separate onnxruntime graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena enables or disables the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern enables or disables the memory pattern optimization.
// If enabled, memory is preallocated when all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda sets the options for the CUDA execution provider.
// Example usage: WithCuda(map[string]string{"device_id": "0"})
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if options == nil {
			options = map[string]string{}
		}
		o.ORTOptions.CudaOptions = options
		return nil
	}
}

// WithCoreML sets the CoreML options flags for the CoreML execution provider.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CoreMLOptions = &flags
		return nil
	}
}

// WithDirectML sets the DirectML device ID for the onnxruntime environment.
// By default, this option is not set.
func WithDirectML(deviceID int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.DirectMLOptions = &deviceID
		return nil
	}
}
