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

// Package chat is the caller-facing surface over a loaded vision-language
// model: batched generation, guided cross-lingual captioning and multi-turn
// conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/generation"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/prompts"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"go.uber.org/zap"
)

// ErrNoImage is returned when neither an image nor cached vision features are given.
var ErrNoImage = errors.New("an image or cached vision features are required")

// DefaultQueryNum is the number of resampled vision rows per image.
const DefaultQueryNum = 64

// Components are the loaded model parts a Session is built from.
type Components struct {
	LM        backends.LanguageModel
	Vision    backends.VisionEncoder
	Resampler backends.Resampler
	Tokenizer *tokenizer.Tokenizer

	QueryNum  int
	ScaleEmb  float32
	ImageSize int
}

// Session owns everything needed to caption and converse with one model.
// It holds no per-request state and is safe for concurrent use when the
// model parts are.
type Session struct {
	tok       *tokenizer.Tokenizer
	batcher   *prompts.Batcher
	fuser     *fusion.Fuser
	decoder   *generation.Decoder
	engine    *guided.Engine
	processor *vision.Processor
	queryNum  int
	logger    *zap.Logger

	engineOpts     []guided.Option
	maxInputLength int
	training       bool
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithEngineOptions configures the guided decoding engine.
func WithEngineOptions(opts ...guided.Option) Option {
	return func(s *Session) { s.engineOpts = append(s.engineOpts, opts...) }
}

func WithMaxInputLength(n int) Option {
	return func(s *Session) { s.maxInputLength = n }
}

func WithTraining(training bool) Option {
	return func(s *Session) { s.training = training }
}

// NewSession assembles a Session.
func NewSession(c Components, opts ...Option) (*Session, error) {
	if c.LM == nil || c.Vision == nil || c.Resampler == nil || c.Tokenizer == nil {
		return nil, errors.New("language model, vision encoder, resampler and tokenizer are required")
	}
	s := &Session{
		tok:            c.Tokenizer,
		queryNum:       c.QueryNum,
		maxInputLength: prompts.DefaultMaxInputLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.queryNum <= 0 {
		s.queryNum = DefaultQueryNum
	}

	visionCfg := vision.DefaultConfig()
	if c.ImageSize > 0 {
		visionCfg.Size = c.ImageSize
	}
	scaleEmb := c.ScaleEmb
	if scaleEmb == 0 {
		scaleEmb = 1
	}

	s.batcher = prompts.NewBatcher(c.Tokenizer, prompts.WithMaxInputLength(s.maxInputLength))
	s.fuser = fusion.NewFuser(c.LM, c.Vision, c.Resampler, scaleEmb,
		fusion.WithTraining(s.training),
		fusion.WithLogger(s.logger.Named("fusion")))
	s.decoder = generation.NewDecoder(c.LM, c.Tokenizer, s.logger.Named("generation"))
	s.processor = vision.NewProcessor(visionCfg)
	s.engine = guided.NewEngine(c.Tokenizer,
		append([]guided.Option{guided.WithLogger(s.logger.Named("guided"))}, s.engineOpts...)...)
	return s, nil
}

// Tokenizer returns the session tokenizer.
func (s *Session) Tokenizer() *tokenizer.Tokenizer { return s.tok }

// Processor returns the image preprocessor.
func (s *Session) Processor() *vision.Processor { return s.processor }

// Engine returns the guided decoding engine.
func (s *Session) Engine() *guided.Engine { return s.engine }

// QueryNum returns the vision rows per image.
func (s *Session) QueryNum() int { return s.queryNum }

// Preprocess converts img into model pixels.
func (s *Session) Preprocess(img image.Image) vision.Pixels {
	return s.processor.Process(img)
}

// VisionFeatures encodes one image into a single-sample VisionCache.
func (s *Session) VisionFeatures(ctx context.Context, px vision.Pixels) (fusion.VisionCache, error) {
	return s.fuser.VisionFeatures(ctx, [][]vision.Pixels{{px}})
}

func (s *Session) fuse(ctx context.Context, texts []string, images [][]vision.Pixels, cache fusion.VisionCache) (*prompts.Batch, *backends.Tensor, fusion.VisionCache, error) {
	if images == nil {
		images = make([][]vision.Pixels, len(texts))
	}
	counts := make([]int, len(images))
	for i, imgs := range images {
		counts[i] = len(imgs)
	}
	batch, err := s.batcher.Build(texts, counts)
	if err != nil {
		return nil, nil, nil, err
	}
	embeds, cache, err := s.fuser.Fuse(ctx, batch, images, cache)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fusing embeddings: %w", err)
	}
	return batch, embeds, cache, nil
}

// Generate decodes text for each prompt. images holds the images of each
// prompt and may be nil. A non-nil cache replaces image encoding.
func (s *Session) Generate(ctx context.Context, texts []string, images [][]vision.Pixels, cache fusion.VisionCache, opts generation.Options) ([]string, fusion.VisionCache, error) {
	batch, embeds, cache, err := s.fuse(ctx, texts, images, cache)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.decoder.DecodeText(ctx, embeds, batch, opts)
	if err != nil {
		return nil, nil, err
	}
	return out, cache, nil
}

// GenerateScored is Generate returning token ids and per-step scores.
func (s *Session) GenerateScored(ctx context.Context, texts []string, images [][]vision.Pixels, cache fusion.VisionCache, opts generation.Options) (*generation.Scored, fusion.VisionCache, error) {
	batch, embeds, cache, err := s.fuse(ctx, texts, images, cache)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.decoder.DecodeScored(ctx, embeds, batch, opts)
	if err != nil {
		return nil, nil, err
	}
	return out, cache, nil
}

// Prompts renders the guided branch prompts for a source caption.
func (s *Session) Prompts(target Language, source string) (guided.Prompts, error) {
	t, err := TemplatesFor(target, source)
	if err != nil {
		return guided.Prompts{}, err
	}
	return guided.Prompts{
		Explain:   wrap(s.queryNum, t.Explain),
		Translate: wrap(s.queryNum, t.Translate),
	}, nil
}

// Chat captions img in target guided by sourceCaption. cache may carry the
// image's features from an earlier call, in which case img may be nil.
func (s *Session) Chat(ctx context.Context, img image.Image, sourceCaption string, target Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error) {
	var px vision.Pixels
	if img != nil {
		px = s.Preprocess(img)
	}
	return s.ChatPixels(ctx, px, sourceCaption, target, params, cache)
}

// ChatPixels is Chat for an already preprocessed image.
func (s *Session) ChatPixels(ctx context.Context, px vision.Pixels, sourceCaption string, target Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error) {
	p, err := s.Prompts(target, sourceCaption)
	if err != nil {
		return nil, err
	}
	if len(px.Data) == 0 && cache == nil {
		return nil, ErrNoImage
	}
	s.logger.Debug("Guided captioning",
		zap.String("target", string(target)),
		zap.Float64("txt_hp", params.TxtHP),
		zap.Float64("img_hp", params.ImgHP),
		zap.Bool("cached", cache != nil))
	return s.engine.Run(ctx, &branchRunner{session: s, image: px}, p, params, cache)
}

// branchRunner evaluates guided branches against the session model.
type branchRunner struct {
	session *Session
	image   vision.Pixels
}

var oneToken = generation.Options{MaxNewTokens: 1}

func (r *branchRunner) Explain(ctx context.Context, prompt string, cache fusion.VisionCache) (guided.BranchStep, fusion.VisionCache, error) {
	var images [][]vision.Pixels
	if cache == nil {
		images = [][]vision.Pixels{{r.image}}
	}
	scored, cache, err := r.session.GenerateScored(ctx, []string{prompt}, images, cache, oneToken)
	if err != nil {
		return guided.BranchStep{}, nil, err
	}
	return r.session.branchStep(scored), cache, nil
}

func (r *branchRunner) Translate(ctx context.Context, prompt string) (guided.BranchStep, error) {
	scored, _, err := r.session.GenerateScored(ctx, []string{prompt}, nil, nil, oneToken)
	if err != nil {
		return guided.BranchStep{}, err
	}
	return r.session.branchStep(scored), nil
}

func (s *Session) branchStep(scored *generation.Scored) guided.BranchStep {
	var tokens []int32
	if len(scored.Tokens) > 0 {
		tokens = scored.Tokens[0]
	}
	return guided.BranchStep{
		Tokens: tokens,
		Text:   strings.TrimSpace(s.tok.Decode(tokens)),
		Scores: scored.Step(0, 0),
	}
}
