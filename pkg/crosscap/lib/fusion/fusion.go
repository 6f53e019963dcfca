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

// Package fusion builds the language model's input embeddings: scaled token
// embeddings with vision features spliced over each image placeholder span.
package fusion

import (
	"context"
	"fmt"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/prompts"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"go.uber.org/zap"
)

// ErrArgumentMismatch is returned when per-sample inputs disagree in count or shape.
var ErrArgumentMismatch = prompts.ErrArgumentMismatch

// DummyImageSize is the side of the zero image encoded for imageless samples in training.
const DummyImageSize = 224

// VisionCache holds the resampled features of each batch sample,
// [1, images*query_num, hidden], or nil for a sample without images.
// A cache is never modified after it is returned.
type VisionCache []*backends.Tensor

// Fuser computes fused input embeddings.
type Fuser struct {
	lm        backends.LanguageModel
	encoder   backends.VisionEncoder
	resampler backends.Resampler
	scaleEmb  float32
	training  bool
	logger    *zap.Logger
}

// Option configures a Fuser.
type Option func(*Fuser)

// WithTraining keeps the vision path active for imageless samples.
func WithTraining(training bool) Option {
	return func(f *Fuser) { f.training = training }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fuser) { f.logger = logger }
}

// NewFuser creates a Fuser. scaleEmb multiplies every token embedding.
func NewFuser(lm backends.LanguageModel, encoder backends.VisionEncoder, resampler backends.Resampler, scaleEmb float32, opts ...Option) *Fuser {
	f := &Fuser{
		lm:        lm,
		encoder:   encoder,
		resampler: resampler,
		scaleEmb:  scaleEmb,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	return f
}

// EncodeImages encodes and resamples each image, dropping the encoder's
// prefix rows, and stacks the results into [1, len(images)*query_num, hidden].
func (f *Fuser) EncodeImages(ctx context.Context, images []vision.Pixels) (*backends.Tensor, error) {
	var stacked *backends.Tensor
	for i, px := range images {
		enc, err := f.encoder.Encode(ctx, px.Data, px.Channels, px.Height, px.Width)
		if err != nil {
			return nil, fmt.Errorf("encoding image %d: %w", i, err)
		}
		if err := enc.Validate(); err != nil {
			return nil, fmt.Errorf("vision encoder output for image %d: %w", i, err)
		}

		prefix := f.encoder.NumPrefixTokens()
		rows, width := enc.Shape[1], enc.Shape[2]
		if prefix > rows {
			return nil, fmt.Errorf("vision encoder returned %d rows, fewer than %d prefix tokens", rows, prefix)
		}
		patches := &backends.Tensor{
			Data:  enc.Data[prefix*width : rows*width],
			Shape: [3]int{1, rows - prefix, width},
		}

		res, err := f.resampler.Resample(ctx, patches)
		if err != nil {
			return nil, fmt.Errorf("resampling image %d: %w", i, err)
		}
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("resampler output for image %d: %w", i, err)
		}

		if stacked == nil {
			stacked = &backends.Tensor{
				Data:  make([]float32, 0, len(images)*res.Len()),
				Shape: [3]int{1, 0, res.Shape[2]},
			}
		} else if res.Shape[2] != stacked.Shape[2] {
			return nil, fmt.Errorf("%w: resampler width %d differs from %d", ErrArgumentMismatch, res.Shape[2], stacked.Shape[2])
		}
		stacked.Data = append(stacked.Data, res.Data...)
		stacked.Shape[1] += res.Shape[0] * res.Shape[1]
	}
	return stacked, nil
}

// VisionFeatures computes a VisionCache for per-sample image lists. Under
// training an imageless sample encodes a zero dummy image instead of
// getting a nil entry.
func (f *Fuser) VisionFeatures(ctx context.Context, images [][]vision.Pixels) (VisionCache, error) {
	cache := make(VisionCache, len(images))
	for i, imgs := range images {
		if len(imgs) == 0 {
			if !f.training {
				continue
			}
			imgs = []vision.Pixels{vision.Zeros(3, DummyImageSize, DummyImageSize)}
		}
		features, err := f.EncodeImages(ctx, imgs)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		cache[i] = features
	}
	return cache, nil
}

// Fuse returns [batch, seq, hidden] input embeddings for batch and the
// VisionCache they were built from. When cache is non-nil no image is
// encoded. images may be nil, meaning no sample has images.
func (f *Fuser) Fuse(ctx context.Context, batch *prompts.Batch, images [][]vision.Pixels, cache VisionCache) (*backends.Tensor, VisionCache, error) {
	bs := batch.Size()
	if images == nil {
		images = make([][]vision.Pixels, bs)
	}
	if len(images) != bs {
		return nil, nil, fmt.Errorf("%w: batch of %d prompts but %d image lists", ErrArgumentMismatch, bs, len(images))
	}

	if cache == nil {
		var err error
		if cache, err = f.VisionFeatures(ctx, images); err != nil {
			return nil, nil, err
		}
	} else {
		if len(cache) != bs {
			return nil, nil, fmt.Errorf("%w: batch of %d prompts but %d cached vision features", ErrArgumentMismatch, bs, len(cache))
		}
		f.logger.Debug("Reusing cached vision features", zap.Int("batch_size", bs))
	}

	tokens, err := f.lm.EmbedTokens(ctx, batch.InputIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding tokens: %w", err)
	}
	if err := tokens.Validate(); err != nil {
		return nil, nil, fmt.Errorf("token embeddings: %w", err)
	}
	if tokens.Shape[0] != bs || tokens.Shape[1] != batch.SeqLen() {
		return nil, nil, fmt.Errorf("%w: token embeddings shape %v for batch [%d, %d]", ErrArgumentMismatch, tokens.Shape, bs, batch.SeqLen())
	}

	seq, hidden := tokens.Shape[1], tokens.Shape[2]
	out := &backends.Tensor{
		Data:  make([]float32, 0, tokens.Len()),
		Shape: tokens.Shape,
	}
	for i := range bs {
		scaled := scale(tokens.Sample(i), f.scaleEmb)
		sample, err := f.fuseSample(scaled, seq, hidden, batch.Bounds[i], cache[i])
		if err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out.Data = append(out.Data, sample...)
	}
	return out, cache, nil
}

func scale(src []float32, factor float32) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = v * factor
	}
	return dst
}

// fuseSample assembles one sample as before-span, feature-span, after-span
// for each bound in index order. tokens is [seq, hidden].
func (f *Fuser) fuseSample(tokens []float32, seq, hidden int, bounds prompts.ImageBounds, features *backends.Tensor) ([]float32, error) {
	if features == nil {
		return tokens, nil
	}
	if err := features.Validate(); err != nil {
		return nil, fmt.Errorf("vision features: %w", err)
	}
	if features.Shape[2] != hidden {
		return nil, fmt.Errorf("%w: vision feature width %d, embedding width %d", ErrArgumentMismatch, features.Shape[2], hidden)
	}

	if len(bounds) == 0 {
		if f.training {
			// Keeps the vision path in the graph without changing values.
			bias := float32(mean(features.Data) * 0)
			for i := range tokens {
				tokens[i] += bias
			}
		}
		return tokens, nil
	}

	rows := features.Shape[0] * features.Shape[1]
	if bounds.Width() != rows {
		return nil, fmt.Errorf("%w: image bounds cover %d positions but %d feature rows were computed", ErrArgumentMismatch, bounds.Width(), rows)
	}

	out := make([]float32, 0, seq*hidden)
	pos, row := 0, 0
	for _, b := range bounds {
		if b.Start < pos || b.End < b.Start || b.End > seq {
			return nil, fmt.Errorf("image bound [%d, %d) out of order or outside sequence of %d", b.Start, b.End, seq)
		}
		out = append(out, tokens[pos*hidden:b.Start*hidden]...)
		out = append(out, features.Data[row*hidden:(row+b.Width())*hidden]...)
		row += b.Width()
		pos = b.End
	}
	out = append(out, tokens[pos*hidden:]...)
	return out, nil
}

func mean(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}
