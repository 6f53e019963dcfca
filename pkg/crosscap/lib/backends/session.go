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

package backends

// Session runs one exported graph over named tensors. It knows nothing about
// the model it hosts; the minicpmv package assembles a vision-language model
// from several sessions.
type Session interface {
	// Run executes the graph. Outputs are returned in OutputInfo order.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	InputInfo() []TensorInfo
	OutputInfo() []TensorInfo

	Close() error
}

// NamedTensor associates a name with tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any // []float32, []int64, []int32, []bool
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64 // -1 for dynamic dimensions
	DataType DataType
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from model files.
type SessionFactory interface {
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{GPUMode: GPUModeAuto}
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// FindTensor returns the tensor with the given name.
func FindTensor(tensors []NamedTensor, name string) (NamedTensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// InputName returns the name of the session's first input, or fallback when
// the graph does not report its inputs.
func InputName(s Session, fallback string) string {
	if info := s.InputInfo(); len(info) > 0 {
		return info[0].Name
	}
	return fallback
}

// HasInput reports whether the graph declares an input called name. Optional
// inputs such as attention_mask are only fed when declared.
func HasInput(s Session, name string) bool {
	for _, info := range s.InputInfo() {
		if info.Name == name {
			return true
		}
	}
	return false
}
