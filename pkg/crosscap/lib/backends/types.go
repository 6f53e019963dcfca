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

// Package backends defines the tensor-level contracts the captioning pipeline
// is built on, plus the session backends that execute exported graphs:
//
//   - LanguageModel: token embedding, forward logits, autoregressive generation
//   - VisionEncoder: image to patch features, with leading summary tokens
//   - Resampler: patch features to a fixed number of language-model-width queries
//   - Session: raw named-tensor execution (ONNX Runtime, requires -tags="onnx,ORT")
//
// Build example:
//
//	go build -tags="onnx,ORT" ./pkg/crosscap/cmd
//
// Backend selection follows a configurable priority order.
package backends

import "fmt"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto"
	GPUModeCuda GPUMode = "cuda"
	GPUModeOff  GPUMode = "off"
)

// Tensor is a dense row-major float32 tensor of rank three,
// laid out as [batch, sequence, width].
type Tensor struct {
	Data  []float32
	Shape [3]int
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(batch, seq, width int) *Tensor {
	return &Tensor{
		Data:  make([]float32, batch*seq*width),
		Shape: [3]int{batch, seq, width},
	}
}

// Len returns the number of elements implied by Shape.
func (t *Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2]
}

// Validate reports whether Data matches Shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}
	return nil
}

// Row returns the width-sized slice at [b, s]. The slice aliases Data.
func (t *Tensor) Row(b, s int) []float32 {
	w := t.Shape[2]
	off := (b*t.Shape[1] + s) * w
	return t.Data[off : off+w]
}

// Sample returns the [seq, width] slab for batch element b. The slice aliases Data.
func (t *Tensor) Sample(b int) []float32 {
	n := t.Shape[1] * t.Shape[2]
	return t.Data[b*n : (b+1)*n]
}

// GenerateRequest is the input to LanguageModel.Generate.
type GenerateRequest struct {
	// Embeds are fused input embeddings, [batch, seq, hidden].
	Embeds *Tensor
	// AttentionMask is 1 for real tokens and 0 for left padding, [batch][seq].
	AttentionMask [][]int32
	// PositionIDs are derived from AttentionMask, [batch][seq].
	PositionIDs [][]int64

	MaxNewTokens int
	EOSTokenID   int32
	PadTokenID   int32

	Strategy Strategy

	// OutputScores requests the processed logits of every step.
	OutputScores bool
}

// GenerateOutput holds newly generated tokens. Rows that finish early are
// padded with PadTokenID after their EOS.
type GenerateOutput struct {
	// Sequences are the new token IDs per batch row, prompt excluded.
	Sequences [][]int32
	// Scores are indexed [step][row][vocab]. Only set when requested.
	Scores [][][]float32
}
