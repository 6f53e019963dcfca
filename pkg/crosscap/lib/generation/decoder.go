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

// Package generation runs the language model's autoregressive generation over
// fused embeddings and strips sentinel tokens from the result.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/prompts"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
	"go.uber.org/zap"
)

// DefaultMaxNewTokens bounds text decoding when the caller sets no limit.
const DefaultMaxNewTokens = 2048

// Options configures one decode call.
type Options struct {
	MaxNewTokens int
	Strategy     backends.Strategy
}

// Scored is the result of a scored decode.
type Scored struct {
	// Tokens are the stripped new tokens per row. A row may be empty.
	Tokens [][]int32
	// Scores are the processed logits, [step][row][vocab].
	Scores [][][]float32
}

// Step returns the score vector of row at step, or nil.
func (s *Scored) Step(step, row int) []float32 {
	if step >= len(s.Scores) || row >= len(s.Scores[step]) {
		return nil
	}
	return s.Scores[step][row]
}

// Decoder is the text and scored generation primitive.
type Decoder struct {
	lm     backends.LanguageModel
	tok    *tokenizer.Tokenizer
	logger *zap.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(lm backends.LanguageModel, tok *tokenizer.Tokenizer, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{lm: lm, tok: tok, logger: logger}
}

// DecodeText generates from embeds and returns one trimmed string per row.
func (d *Decoder) DecodeText(ctx context.Context, embeds *backends.Tensor, batch *prompts.Batch, opts Options) ([]string, error) {
	out, err := d.generate(ctx, embeds, batch, opts, false)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(out.Sequences))
	for i, seq := range out.Sequences {
		texts[i] = strings.TrimSpace(d.tok.Decode(d.Strip(seq)))
	}
	return texts, nil
}

// DecodeScored generates from embeds and also returns the per-step scores.
func (d *Decoder) DecodeScored(ctx context.Context, embeds *backends.Tensor, batch *prompts.Batch, opts Options) (*Scored, error) {
	out, err := d.generate(ctx, embeds, batch, opts, true)
	if err != nil {
		return nil, err
	}
	res := &Scored{Tokens: make([][]int32, len(out.Sequences)), Scores: out.Scores}
	for i, seq := range out.Sequences {
		res.Tokens[i] = d.Strip(seq)
	}
	return res, nil
}

func (d *Decoder) generate(ctx context.Context, embeds *backends.Tensor, batch *prompts.Batch, opts Options, scores bool) (*backends.GenerateOutput, error) {
	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = DefaultMaxNewTokens
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = backends.Greedy{}
	}
	special := d.tok.Special()

	req := &backends.GenerateRequest{
		Embeds:        embeds,
		AttentionMask: batch.AttentionMask,
		PositionIDs:   batch.PositionIDs(),
		MaxNewTokens:  maxNew,
		EOSTokenID:    special.EOS,
		PadTokenID:    prompts.PadTokenID,
		Strategy:      strategy,
		OutputScores:  scores,
	}
	out, err := d.lm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}
	if len(out.Sequences) != batch.Size() {
		return nil, fmt.Errorf("generating: got %d sequences for a batch of %d", len(out.Sequences), batch.Size())
	}
	d.logger.Debug("Generated",
		zap.String("strategy", string(strategy.Kind())),
		zap.Int("batch_size", batch.Size()),
		zap.Int("max_new_tokens", maxNew),
		zap.Int("steps", len(out.Scores)))
	return out, nil
}

// Strip removes padding, then one leading BOS and one trailing EOS.
func (d *Decoder) Strip(seq []int32) []int32 {
	special := d.tok.Special()
	out := make([]int32, 0, len(seq))
	for _, id := range seq {
		if id != prompts.PadTokenID {
			out = append(out, id)
		}
	}
	if len(out) > 0 && out[0] == special.BOS {
		out = out[1:]
	}
	if len(out) > 0 && out[len(out)-1] == special.EOS {
		out = out[:len(out)-1]
	}
	return out
}
