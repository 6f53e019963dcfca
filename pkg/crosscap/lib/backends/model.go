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

import "context"

// LanguageModel is the autoregressive text backbone.
type LanguageModel interface {
	// EmbedTokens looks up unscaled token embeddings, [batch, seq, hidden].
	EmbedTokens(ctx context.Context, inputIDs [][]int32) (*Tensor, error)

	// Forward returns logits for every position, [batch, seq, vocab].
	Forward(ctx context.Context, embeds *Tensor, attentionMask [][]int32, positionIDs [][]int64) (*Tensor, error)

	// Generate continues each row of the request from its right edge.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateOutput, error)
}

// VisionEncoder maps one preprocessed image to a patch feature sequence.
type VisionEncoder interface {
	// Encode takes CHW pixels and returns [1, prefix+patches, vision_width].
	Encode(ctx context.Context, pixels []float32, channels, height, width int) (*Tensor, error)

	// NumPrefixTokens is the count of leading non-visual summary rows in Encode's output.
	NumPrefixTokens() int
}

// Resampler projects patch features to a fixed number of query rows at the
// language model's hidden width.
type Resampler interface {
	Resample(ctx context.Context, features *Tensor) (*Tensor, error)
}
