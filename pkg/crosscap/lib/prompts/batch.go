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

// Package prompts turns prompt strings into left-padded ID batches and
// records where vision features belong in each row.
package prompts

import (
	"errors"
	"fmt"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
)

// ErrArgumentMismatch is returned when per-sample inputs disagree in count.
var ErrArgumentMismatch = errors.New("argument mismatch")

// DefaultMaxInputLength caps each encoded prompt.
const DefaultMaxInputLength = 2048

// PadTokenID is the left-padding value.
const PadTokenID int32 = 0

// ImageBound is a half-open token range [Start, End) whose embeddings are
// replaced by vision features.
type ImageBound struct {
	Start int
	End   int
}

// Width is End - Start.
func (b ImageBound) Width() int { return b.End - b.Start }

// ImageBounds lists the bounds of one prompt in index order.
type ImageBounds []ImageBound

// Width is the total number of positions covered.
func (bs ImageBounds) Width() int {
	n := 0
	for _, b := range bs {
		n += b.Width()
	}
	return n
}

func (bs ImageBounds) shift(offset int) ImageBounds {
	if len(bs) == 0 {
		return nil
	}
	out := make(ImageBounds, len(bs))
	for i, b := range bs {
		out[i] = ImageBound{Start: b.Start + offset, End: b.End + offset}
	}
	return out
}

// Batch is a left-padded batch of encoded prompts.
type Batch struct {
	// InputIDs are [batch][seq], left padded with PadTokenID.
	InputIDs [][]int32
	// AttentionMask is 1 for real tokens, 0 for padding.
	AttentionMask [][]int32
	// Lengths are the unpadded row lengths.
	Lengths []int
	// Bounds index the padded rows.
	Bounds []ImageBounds
}

// Size is the number of rows.
func (b *Batch) Size() int { return len(b.InputIDs) }

// SeqLen is the padded row length.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Unpadded returns row i without its left padding.
func (b *Batch) Unpadded(i int) []int32 {
	row := b.InputIDs[i]
	return row[len(row)-b.Lengths[i]:]
}

// PositionIDs numbers real tokens from 0 and gives padding position 1.
func (b *Batch) PositionIDs() [][]int64 {
	out := make([][]int64, len(b.AttentionMask))
	for i, mask := range b.AttentionMask {
		row := make([]int64, len(mask))
		var pos int64
		for j, m := range mask {
			if m == 0 {
				row[j] = 1
				continue
			}
			row[j] = pos
			pos++
		}
		out[i] = row
	}
	return out
}

// Batcher encodes prompts against a tokenizer.
type Batcher struct {
	tok            *tokenizer.Tokenizer
	maxInputLength int
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithMaxInputLength truncates each encoded prompt to n tokens. n <= 0 disables truncation.
func WithMaxInputLength(n int) Option {
	return func(b *Batcher) { b.maxInputLength = n }
}

// NewBatcher creates a Batcher.
func NewBatcher(tok *tokenizer.Tokenizer, opts ...Option) *Batcher {
	b := &Batcher{tok: tok, maxInputLength: DefaultMaxInputLength}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Encode tokenizes one prompt, guaranteeing a leading BOS, truncating, and
// locating its image bounds. Only the first min(starts, ends) marker pairs
// produce bounds.
func (b *Batcher) Encode(prompt string) ([]int32, ImageBounds) {
	ids := b.tok.Encode(prompt)
	if !b.tok.AddsBOS() {
		ids = append([]int32{b.tok.Special().BOS}, ids...)
	}
	if b.maxInputLength > 0 && len(ids) > b.maxInputLength {
		ids = ids[:b.maxInputLength]
	}
	return ids, findBounds(ids, b.tok.Special())
}

func findBounds(ids []int32, special tokenizer.SpecialTokens) ImageBounds {
	var starts, ends []int
	for i, id := range ids {
		switch id {
		case special.ImageStart:
			starts = append(starts, i+1)
		case special.ImageEnd:
			ends = append(ends, i)
		}
	}
	n := min(len(starts), len(ends))
	if n == 0 {
		return nil
	}
	bounds := make(ImageBounds, n)
	for i := range n {
		bounds[i] = ImageBound{Start: starts[i], End: ends[i]}
	}
	return bounds
}

// Build encodes and left-pads prompts. imageCounts carries the number of
// images supplied for each prompt and must have the same length.
func (b *Batcher) Build(prompts []string, imageCounts []int) (*Batch, error) {
	if len(prompts) != len(imageCounts) {
		return nil, fmt.Errorf("%w: %d prompts but %d image lists", ErrArgumentMismatch, len(prompts), len(imageCounts))
	}
	rows := make([][]int32, len(prompts))
	bounds := make([]ImageBounds, len(prompts))
	for i, p := range prompts {
		rows[i], bounds[i] = b.Encode(p)
	}
	return Pad(rows, bounds), nil
}

// Pad left-pads rows with PadTokenID to the longest row and shifts each row's
// bounds by its pad offset. Rows of equal length are concatenated unchanged.
func Pad(rows [][]int32, bounds []ImageBounds) *Batch {
	maxLen := 0
	for _, r := range rows {
		maxLen = max(maxLen, len(r))
	}

	batch := &Batch{
		InputIDs:      make([][]int32, len(rows)),
		AttentionMask: make([][]int32, len(rows)),
		Lengths:       make([]int, len(rows)),
		Bounds:        make([]ImageBounds, len(rows)),
	}
	for i, r := range rows {
		offset := maxLen - len(r)
		ids := make([]int32, maxLen)
		mask := make([]int32, maxLen)
		copy(ids[offset:], r)
		for j := offset; j < maxLen; j++ {
			mask[j] = 1
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.Lengths[i] = len(r)
		if i < len(bounds) {
			batch.Bounds[i] = bounds[i].shift(offset)
		}
	}
	return batch
}
