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

// Package minicpmv assembles a MiniCPM-V vision-language model from four
// exported graphs:
//
//   - vision_encoder.onnx: pixel_values [1, 3, H, W] to patch features
//   - resampler.onnx: patch features to [1, query_num, hidden]
//   - embed_tokens.onnx: input_ids [B, S] to token embeddings [B, S, hidden]
//   - decoder_model.onnx: inputs_embeds, attention_mask, position_ids to logits [B, S, vocab]
//
// Graphs are looked up in the model directory and its onnx/ subdirectory.
package minicpmv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/generation"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
	"go.uber.org/zap"
)

// Graph file names.
const (
	VisionEncoderFile = "vision_encoder.onnx"
	ResamplerFile     = "resampler.onnx"
	EmbedTokensFile   = "embed_tokens.onnx"
	DecoderFile       = "decoder_model.onnx"
)

// Graph tensor names.
const (
	inputPixelValues   = "pixel_values"
	inputIDs           = "input_ids"
	inputEmbeds        = "inputs_embeds"
	inputAttentionMask = "attention_mask"
	inputPositionIDs   = "position_ids"
)

// Model runs MiniCPM-V over backend sessions. The full sequence is
// recomputed for every decoding step.
type Model struct {
	config    Config
	vision    backends.Session
	resampler backends.Session
	embed     backends.Session
	decoder   backends.Session
	logger    *zap.Logger
}

var (
	_ backends.LanguageModel = (*Model)(nil)
	_ backends.VisionEncoder = (*Model)(nil)
	_ backends.Resampler     = (*Model)(nil)
)

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	logger   *zap.Logger
	sessOpts []backends.SessionOption
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *loadOptions) { o.logger = logger }
}

// WithSessionOptions are passed to every session the factory creates.
func WithSessionOptions(opts ...backends.SessionOption) Option {
	return func(o *loadOptions) { o.sessOpts = append(o.sessOpts, opts...) }
}

// FindGraph returns the path of name in dir or dir/onnx.
func FindGraph(dir, name string) (string, error) {
	for _, p := range []string{filepath.Join(dir, name), filepath.Join(dir, "onnx", name)} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in %s", name, dir)
}

// Load reads the configuration in dir and opens its graphs with factory.
func Load(dir string, factory backends.SessionFactory, opts ...Option) (*Model, error) {
	o := loadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	m := &Model{config: cfg, logger: o.logger}
	targets := []struct {
		file string
		dst  *backends.Session
	}{
		{VisionEncoderFile, &m.vision},
		{ResamplerFile, &m.resampler},
		{EmbedTokensFile, &m.embed},
		{DecoderFile, &m.decoder},
	}
	for _, t := range targets {
		path, err := FindGraph(dir, t.file)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		sess, err := factory.CreateSession(path, o.sessOpts...)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("creating session for %s: %w", t.file, err)
		}
		*t.dst = sess
	}

	o.logger.Info("Loaded MiniCPM-V model",
		zap.String("dir", dir),
		zap.String("backend", string(factory.Backend())),
		zap.Int("query_num", cfg.QueryNum),
		zap.Int("image_size", cfg.ImageSize),
		zap.Float32("scale_emb", cfg.ScaleEmb))
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.config }

// Components returns the parts a chat.Session is built from.
func (m *Model) Components(tok *tokenizer.Tokenizer) chat.Components {
	return chat.Components{
		LM:        m,
		Vision:    m,
		Resampler: m,
		Tokenizer: tok,
		QueryNum:  m.config.QueryNum,
		ScaleEmb:  m.config.ScaleEmb,
		ImageSize: m.config.ImageSize,
	}
}

// Close releases every open session.
func (m *Model) Close() error {
	var errs []error
	for _, s := range []backends.Session{m.vision, m.resampler, m.embed, m.decoder} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

func (m *Model) NumPrefixTokens() int { return m.config.NumPrefixTokens }

func (m *Model) Encode(_ context.Context, pixels []float32, channels, height, width int) (*backends.Tensor, error) {
	name := backends.InputName(m.vision, inputPixelValues)
	out, err := m.vision.Run([]backends.NamedTensor{{
		Name:  name,
		Shape: []int64{1, int64(channels), int64(height), int64(width)},
		Data:  pixels,
	}})
	if err != nil {
		return nil, fmt.Errorf("running vision encoder: %w", err)
	}
	return toTensor(out)
}

func (m *Model) Resample(_ context.Context, features *backends.Tensor) (*backends.Tensor, error) {
	out, err := m.resampler.Run([]backends.NamedTensor{{
		Name:  backends.InputName(m.resampler, "image_features"),
		Shape: shape64(features.Shape),
		Data:  features.Data,
	}})
	if err != nil {
		return nil, fmt.Errorf("running resampler: %w", err)
	}
	return toTensor(out)
}

func (m *Model) EmbedTokens(_ context.Context, ids [][]int32) (*backends.Tensor, error) {
	if len(ids) == 0 {
		return nil, errors.New("no input ids")
	}
	seq := len(ids[0])
	flat := make([]int64, 0, len(ids)*seq)
	for i, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("row %d has %d ids, want %d", i, len(row), seq)
		}
		for _, id := range row {
			flat = append(flat, int64(id))
		}
	}
	out, err := m.embed.Run([]backends.NamedTensor{{
		Name:  backends.InputName(m.embed, inputIDs),
		Shape: []int64{int64(len(ids)), int64(seq)},
		Data:  flat,
	}})
	if err != nil {
		return nil, fmt.Errorf("running token embedding: %w", err)
	}
	return toTensor(out)
}

func (m *Model) Forward(_ context.Context, embeds *backends.Tensor, mask [][]int32, pos [][]int64) (*backends.Tensor, error) {
	if err := embeds.Validate(); err != nil {
		return nil, fmt.Errorf("inputs_embeds: %w", err)
	}
	b, s := embeds.Shape[0], embeds.Shape[1]
	inputs := []backends.NamedTensor{{Name: inputEmbeds, Shape: shape64(embeds.Shape), Data: embeds.Data}}
	if backends.HasInput(m.decoder, inputAttentionMask) {
		inputs = append(inputs, backends.NamedTensor{Name: inputAttentionMask, Shape: []int64{int64(b), int64(s)}, Data: flatten(mask, widen)})
	}
	if backends.HasInput(m.decoder, inputPositionIDs) {
		inputs = append(inputs, backends.NamedTensor{Name: inputPositionIDs, Shape: []int64{int64(b), int64(s)}, Data: flatten(pos, same)})
	}
	out, err := m.decoder.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}
	return toTensor(out)
}

// Generate decodes from the fused prompt embeddings. Each step re-runs the
// decoder over the prompt followed by the scaled embeddings of the tokens
// generated so far.
func (m *Model) Generate(ctx context.Context, req *backends.GenerateRequest) (*backends.GenerateOutput, error) {
	if err := req.Embeds.Validate(); err != nil {
		return nil, fmt.Errorf("inputs_embeds: %w", err)
	}
	rows := req.Embeds.Shape[0]
	if len(req.AttentionMask) != rows || len(req.PositionIDs) != rows {
		return nil, fmt.Errorf("attention mask and position ids must have %d rows", rows)
	}

	step := func(ctx context.Context, sources []int, generated [][]int32) ([][]float32, error) {
		embeds, mask, pos, err := m.extend(ctx, req, sources, generated)
		if err != nil {
			return nil, err
		}
		logits, err := m.Forward(ctx, embeds, mask, pos)
		if err != nil {
			return nil, err
		}
		last := logits.Shape[1] - 1
		out := make([][]float32, len(sources))
		for i := range sources {
			out[i] = append([]float32(nil), logits.Row(i, last)...)
		}
		return out, nil
	}

	return generation.Search(ctx, rows, step, generation.SearchConfig{
		MaxNewTokens: req.MaxNewTokens,
		EOSTokenID:   req.EOSTokenID,
		PadTokenID:   req.PadTokenID,
		Strategy:     req.Strategy,
		OutputScores: req.OutputScores,
	})
}

// extend builds one row per hypothesis: the prompt row of its source
// followed by its generated tokens. All hypotheses have the same length.
func (m *Model) extend(ctx context.Context, req *backends.GenerateRequest, sources []int, generated [][]int32) (*backends.Tensor, [][]int32, [][]int64, error) {
	seq, hidden := req.Embeds.Shape[1], req.Embeds.Shape[2]
	n := 0
	if len(generated) > 0 {
		n = len(generated[0])
	}

	var tail *backends.Tensor
	if n > 0 {
		var err error
		if tail, err = m.EmbedTokens(ctx, generated); err != nil {
			return nil, nil, nil, err
		}
		if tail.Shape[2] != hidden {
			return nil, nil, nil, fmt.Errorf("token embedding width %d, prompt width %d", tail.Shape[2], hidden)
		}
	}

	total := seq + n
	embeds := backends.NewTensor(len(sources), total, hidden)
	mask := make([][]int32, len(sources))
	pos := make([][]int64, len(sources))
	for i, src := range sources {
		row := embeds.Sample(i)
		copy(row, req.Embeds.Sample(src))
		if tail != nil {
			for j, v := range tail.Sample(i) {
				row[seq*hidden+j] = v * m.config.ScaleEmb
			}
		}

		mask[i] = make([]int32, total)
		copy(mask[i], req.AttentionMask[src])
		pos[i] = make([]int64, total)
		copy(pos[i], req.PositionIDs[src])
		next := int64(0)
		if seq > 0 {
			next = req.PositionIDs[src][seq-1] + 1
		}
		for j := range n {
			mask[i][seq+j] = 1
			pos[i][seq+j] = next + int64(j)
		}
	}
	return embeds, mask, pos, nil
}

func toTensor(outputs []backends.NamedTensor) (*backends.Tensor, error) {
	if len(outputs) == 0 {
		return nil, errors.New("graph returned no outputs")
	}
	out := outputs[0]
	data, ok := out.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("output %s is %T, want []float32", out.Name, out.Data)
	}
	var shape [3]int
	switch len(out.Shape) {
	case 2:
		shape = [3]int{1, int(out.Shape[0]), int(out.Shape[1])}
	case 3:
		shape = [3]int{int(out.Shape[0]), int(out.Shape[1]), int(out.Shape[2])}
	default:
		return nil, fmt.Errorf("output %s has rank %d, want 2 or 3", out.Name, len(out.Shape))
	}
	t := &backends.Tensor{Data: data, Shape: shape}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("output %s: %w", out.Name, err)
	}
	return t, nil
}

func shape64(s [3]int) []int64 {
	return []int64{int64(s[0]), int64(s[1]), int64(s[2])}
}

func widen(v int32) int64 { return int64(v) }
func same(v int64) int64  { return v }

func flatten[T any](rows [][]T, conv func(T) int64) []int64 {
	var out []int64
	for _, r := range rows {
		for _, v := range r {
			out = append(out, conv(v))
		}
	}
	return out
}
