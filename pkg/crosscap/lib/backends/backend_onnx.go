// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend runs exported graphs with ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH (or ONNXRUNTIME_ROOT) so libonnxruntime can be found
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
type onnxBackend struct {
	gpuMode   GPUMode
	gpuModeMu sync.RWMutex

	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType { return BackendONNX }

func (b *onnxBackend) Name() string {
	if ShouldUseGPU(b.getGPUMode()) {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

// Available is always true: the build tags only include this file when
// ONNX Runtime is linked.
func (b *onnxBackend) Available() bool { return true }

func (b *onnxBackend) Priority() int { return 10 }

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) SetGPUMode(mode GPUMode) {
	b.gpuModeMu.Lock()
	defer b.gpuModeMu.Unlock()
	b.gpuMode = mode
}

func (b *onnxBackend) getGPUMode() GPUMode {
	b.gpuModeMu.RLock()
	defer b.gpuModeMu.RUnlock()
	if b.gpuMode == "" {
		return GPUModeAuto
	}
	return b.gpuMode
}

func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := onnxLibraryDir(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryDir checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH
// (DYLD_LIBRARY_PATH on macOS).
func onnxLibraryDir() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{filepath.Join(root, platform, "lib"), filepath.Join(root, "lib")} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}
	inputNames, inputInfo := describeTensors(inputs)
	outputNames, outputInfo := describeTensors(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			_ = sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	gpuMode := cfg.GPUMode
	if gpuMode == GPUModeAuto {
		gpuMode = f.backend.getGPUMode()
	}
	if ShouldUseGPU(gpuMode) {
		// CUDA is best effort; the session falls back to CPU.
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			_ = sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
			_ = cudaOpts.Destroy()
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		_ = sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session for %s: %w", filepath.Base(modelPath), err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType { return BackendONNX }

func describeTensors(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	described := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		described[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, described
}

func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	byName := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		byName[input.Name] = input
	}

	ortInputs := make([]ort.Value, len(s.inputInfo))
	defer destroyAll(ortInputs)
	for i, info := range s.inputInfo {
		input, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}

	// nil outputs are allocated by the runtime.
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer destroyAll(ortOutputs)

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, value := range ortOutputs {
		if value == nil {
			continue
		}
		out, err := extractOrtTensor(value, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo  { return s.inputInfo }
func (s *onnxSession) OutputInfo() []TensorInfo { return s.outputInfo }

func (s *onnxSession) Close() error {
	if s.session != nil {
		_ = s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		_ = s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		// ONNX graphs take int64 ids
		wide := make([]int64, len(data))
		for i, v := range data {
			wide[i] = int64(v)
		}
		return ort.NewTensor(shape, wide)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

func extractOrtTensor(value ort.Value, name string) (NamedTensor, error) {
	shape := value.GetShape()
	out := NamedTensor{Name: name, Shape: shape}

	switch t := value.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[int64]:
		out.Data = append([]int64(nil), t.GetData()...)
	case *ort.Tensor[int32]:
		out.Data = append([]int32(nil), t.GetData()...)
	case *ort.Tensor[bool]:
		out.Data = append([]bool(nil), t.GetData()...)
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", value)
	}
	return out, nil
}
