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

// Package guided implements plausibility-constrained guided decoding.
//
// Each step scores the next token twice with the same model: once with the
// image and the source caption (the explanation branch) and once with the
// caption alone (the translation branch). Tokens the explanation branch finds
// implausible are masked out, and the translation log-probabilities, weighted
// by TxtHP, are subtracted from the rest. The best remaining token is appended
// and the loop continues until the explanation branch goes quiet or the step
// limit is reached.
package guided

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidParams is returned for negative guidance weights.
var ErrInvalidParams = errors.New("invalid guidance parameters")

const (
	DefaultStepLimit            = 1000
	DefaultPlausibilityFraction = 0.1
)

// Config holds the loop constants.
type Config struct {
	// StepLimit caps the number of generated tokens.
	StepLimit int
	// PlausibilityFraction masks explanation tokens with probability below
	// this fraction of the most likely token. Zero masks nothing.
	PlausibilityFraction float64
	// StopOnEmpty ends the decode when the explanation branch returns no token.
	StopOnEmpty bool
	// ParallelBranches evaluates both branches of a step concurrently.
	ParallelBranches bool
}

// DefaultConfig returns the reference loop configuration.
func DefaultConfig() Config {
	return Config{
		StepLimit:            DefaultStepLimit,
		PlausibilityFraction: DefaultPlausibilityFraction,
		StopOnEmpty:          true,
	}
}

// Params are the per-call guidance weights.
type Params struct {
	// TxtHP weights the translation branch log-probabilities.
	TxtHP float64
	// ImgHP is accepted for an image-only branch that is not combined.
	ImgHP float64
}

// Validate checks that both weights are non-negative.
func (p Params) Validate() error {
	if p.TxtHP < 0 || p.ImgHP < 0 {
		return fmt.Errorf("%w: txt_hp=%g img_hp=%g must be >= 0", ErrInvalidParams, p.TxtHP, p.ImgHP)
	}
	return nil
}

// BranchStep is the outcome of a one-token scored decode.
type BranchStep struct {
	// Tokens are the new tokens with pad, BOS and EOS stripped.
	Tokens []int32
	// Text is the decoded, trimmed form of Tokens.
	Text string
	// Scores are the logits of the single step over the vocabulary.
	Scores []float32
}

// Empty reports whether the step produced no token. A token that decodes
// to whitespace is not empty.
func (s BranchStep) Empty() bool {
	return len(s.Tokens) == 0
}

// BranchRunner evaluates the two branches for a fully rendered prompt.
type BranchRunner interface {
	// Explain decodes one token conditioned on the image. A nil cache is
	// computed and returned; a non-nil cache is reused.
	Explain(ctx context.Context, prompt string, cache fusion.VisionCache) (BranchStep, fusion.VisionCache, error)
	// Translate decodes one token without the image.
	Translate(ctx context.Context, prompt string) (BranchStep, error)
}

// TokenDecoder renders generated tokens back into prompt text.
type TokenDecoder interface {
	Decode(ids []int32) string
}

// Observer receives per-step timings and the final outcome of each decode.
type Observer interface {
	ObserveStep(explain, translate time.Duration)
	ObserveDecode(stop State, steps int, elapsed time.Duration)
}

// Prompts are the rendered branch prompts, up to and including the
// assistant marker.
type Prompts struct {
	Explain   string
	Translate string
}

// Result is the outcome of Run.
type Result struct {
	Text   string
	Tokens []int32
	Cache  fusion.VisionCache
	// Stop is the state that ended the decode.
	Stop State
	// State is the final state, StateDone on success.
	State State
	Steps int
}

// Engine runs guided decodes.
type Engine struct {
	config   Config
	decoder  TokenDecoder
	logger   *zap.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(c Config) Option {
	return func(e *Engine) { e.config = c }
}

func WithStepLimit(n int) Option {
	return func(e *Engine) { e.config.StepLimit = n }
}

func WithPlausibilityFraction(f float64) Option {
	return func(e *Engine) { e.config.PlausibilityFraction = f }
}

func WithStopOnEmpty(v bool) Option {
	return func(e *Engine) { e.config.StopOnEmpty = v }
}

func WithParallelBranches(v bool) Option {
	return func(e *Engine) { e.config.ParallelBranches = v }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine returns an engine using DefaultConfig unless overridden.
func NewEngine(decoder TokenDecoder, opts ...Option) *Engine {
	e := &Engine{config: DefaultConfig(), decoder: decoder}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.config.StepLimit <= 0 {
		e.config.StepLimit = DefaultStepLimit
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Run decodes until a stopping state is reached. The cache is threaded
// through every explanation call and returned in the result. Branch errors
// abort the decode.
func (e *Engine) Run(ctx context.Context, runner BranchRunner, p Prompts, params Params, cache fusion.VisionCache) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.ImgHP != 0 {
		e.logger.Debug("Ignoring img_hp, the image-only branch is not combined",
			zap.Float64("img_hp", params.ImgHP))
	}

	start := time.Now()
	d := &decoding{state: StateRunning, cache: cache}
	for d.state == StateRunning {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.step(ctx, runner, p, params, d); err != nil {
			return nil, fmt.Errorf("guided step %d: %w", len(d.tokens), err)
		}
	}

	res := &Result{
		Text:   e.decoder.Decode(d.tokens),
		Tokens: d.tokens,
		Cache:  d.cache,
		Stop:   d.state,
		State:  StateDone,
		Steps:  len(d.tokens),
	}
	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.ObserveDecode(res.Stop, res.Steps, elapsed)
	}
	e.logger.Debug("Guided decode finished",
		zap.Stringer("stop", res.Stop),
		zap.Int("steps", res.Steps),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// decoding is the mutable state of one Run.
type decoding struct {
	state  State
	tokens []int32
	cache  fusion.VisionCache
}

func (e *Engine) step(ctx context.Context, runner BranchRunner, p Prompts, params Params, d *decoding) error {
	generated := e.decoder.Decode(d.tokens)
	expPrompt := p.Explain + generated
	txtPrompt := p.Translate + generated

	var (
		exp, txt         BranchStep
		expTime, txtTime time.Duration
		translated       bool
	)

	if e.config.ParallelBranches {
		g, gctx := errgroup.WithContext(ctx)
		cache := d.cache
		g.Go(func() error {
			t := time.Now()
			var err error
			exp, cache, err = runner.Explain(gctx, expPrompt, cache)
			expTime = time.Since(t)
			if err != nil {
				return fmt.Errorf("explanation branch: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			t := time.Now()
			var err error
			txt, err = runner.Translate(gctx, txtPrompt)
			txtTime = time.Since(t)
			if err != nil {
				return fmt.Errorf("translation branch: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
		d.cache = cache
		translated = true
	} else {
		t := time.Now()
		var err error
		exp, d.cache, err = runner.Explain(ctx, expPrompt, d.cache)
		expTime = time.Since(t)
		if err != nil {
			return fmt.Errorf("explanation branch: %w", err)
		}
	}

	if exp.Empty() && e.config.StopOnEmpty {
		d.state = StateStoppedEmpty
		e.observe(expTime, txtTime)
		return nil
	}
	if len(exp.Scores) == 0 {
		return errors.New("explanation branch returned no scores")
	}
	lp := Plausible(exp.Scores, e.config.PlausibilityFraction)

	if !translated {
		t := time.Now()
		var err error
		txt, err = runner.Translate(ctx, txtPrompt)
		txtTime = time.Since(t)
		if err != nil {
			return fmt.Errorf("translation branch: %w", err)
		}
	}
	e.observe(expTime, txtTime)

	var tlp []float64
	if txt.Empty() {
		tlp = make([]float64, len(lp))
	} else {
		tlp = logProbs(txt.Scores)
	}

	combined, err := Combine(lp, tlp, params.TxtHP)
	if err != nil {
		return err
	}
	tok := Choose(combined)
	d.tokens = append(d.tokens, tok)

	if ce := e.logger.Check(zap.DebugLevel, "Guided step"); ce != nil {
		ce.Write(
			zap.Int("step", len(d.tokens)),
			zap.Int32("token", tok),
			zap.Float64("score", combined[tok]),
			zap.Bool("translation_empty", txt.Empty()))
	}

	if len(d.tokens) >= e.config.StepLimit {
		d.state = StateStoppedStepLimit
	}
	return nil
}

func (e *Engine) observe(explain, translate time.Duration) {
	if e.observer != nil {
		e.observer.ObserveStep(explain, translate)
	}
}
