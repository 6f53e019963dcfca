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

// Package evaluation sweeps guided captioning over translation directions
// and guidance weights, and scores the results.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/scoring"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMissingCaption is returned when an item lacks a caption in a needed language.
var ErrMissingCaption = errors.New("item has no caption in language")

// Direction is a source to target language pair.
type Direction struct {
	Source chat.Language
	Target chat.Language
}

func (d Direction) String() string { return string(d.Source) + "->" + string(d.Target) }

// DefaultDirections are en->zh and zh->en.
func DefaultDirections() []Direction {
	return []Direction{
		{Source: chat.English, Target: chat.Chinese},
		{Source: chat.Chinese, Target: chat.English},
	}
}

// Grid is the set of guidance weights Step*i for i in [0, Steps).
type Grid struct {
	Steps int
	Step  float64
}

// DefaultGrid spans 0.0 to 1.0 in tenths.
func DefaultGrid() Grid { return Grid{Steps: 11, Step: 0.1} }

// Values returns the weights of the grid.
func (g Grid) Values() []float64 {
	out := make([]float64, g.Steps)
	for i := range out {
		out[i] = float64(i) * g.Step
	}
	return out
}

// Item is one image with its captions per language. The first caption of
// the source language is the guide.
type Item struct {
	ID       string
	Image    vision.Pixels
	Captions map[chat.Language][]string
}

// Captioner runs guided decodes. *chat.Session implements it.
type Captioner interface {
	VisionFeatures(ctx context.Context, px vision.Pixels) (fusion.VisionCache, error)
	ChatPixels(ctx context.Context, px vision.Pixels, sourceCaption string, target chat.Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error)
}

// Results maps direction, grid index and item ID to the generated caption.
type Results map[Direction]map[int]map[string]string

// Runner runs sweeps.
type Runner struct {
	captioner   Captioner
	directions  []Direction
	grid        Grid
	concurrency int
	logger      *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithDirections(d ...Direction) Option {
	return func(r *Runner) { r.directions = d }
}

func WithGrid(g Grid) Option {
	return func(r *Runner) { r.grid = g }
}

// WithConcurrency bounds the number of items decoded at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner returns a Runner over the default directions and grid.
func NewRunner(c Captioner, opts ...Option) *Runner {
	r := &Runner{
		captioner:   c,
		directions:  DefaultDirections(),
		grid:        DefaultGrid(),
		concurrency: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	return r
}

// Run captions every item in every direction at every grid weight. Each
// item's vision features are computed once and shared by all its decodes.
// The first error cancels the sweep.
func (r *Runner) Run(ctx context.Context, items []Item) (Results, error) {
	res := make(Results, len(r.directions))
	for _, d := range r.directions {
		res[d] = make(map[int]map[string]string, r.grid.Steps)
		for i := range r.grid.Steps {
			res[d][i] = make(map[string]string, len(items))
		}
	}
	hps := r.grid.Values()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, item := range items {
		g.Go(func() error {
			cache, err := r.captioner.VisionFeatures(gctx, item.Image)
			if err != nil {
				return fmt.Errorf("item %s: encoding image: %w", item.ID, err)
			}
			for _, d := range r.directions {
				src := item.Captions[d.Source]
				if len(src) == 0 {
					return fmt.Errorf("%w: item %s, %s", ErrMissingCaption, item.ID, d.Source)
				}
				for i, hp := range hps {
					out, err := r.captioner.ChatPixels(gctx, item.Image, src[0], d.Target,
						guided.Params{TxtHP: hp, ImgHP: hp}, cache)
					if err != nil {
						return fmt.Errorf("item %s, %s, hp %.2f: %w", item.ID, d, hp, err)
					}
					mu.Lock()
					res[d][i][item.ID] = out.Text
					mu.Unlock()
				}
			}
			r.logger.Debug("Item captioned", zap.String("id", item.ID))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.logger.Info("Sweep finished",
		zap.Int("items", len(items)),
		zap.Int("directions", len(r.directions)),
		zap.Int("grid_steps", r.grid.Steps))
	return res, nil
}

// References collects the captions of every item in lang.
func References(items []Item, lang chat.Language) map[string][]string {
	refs := make(map[string][]string, len(items))
	for _, item := range items {
		refs[item.ID] = item.Captions[lang]
	}
	return refs
}

// Scores maps direction and grid index to a metric result.
type Scores map[Direction]map[int]scoring.Result

// Evaluate scores every cell of results against the target-language
// references of items.
func Evaluate(ctx context.Context, scorer scoring.Scorer, results Results, items []Item) (Scores, error) {
	scorer = scoring.Checked(scorer)
	out := make(Scores, len(results))
	for d, byHP := range results {
		refs := References(items, d.Target)
		out[d] = make(map[int]scoring.Result, len(byHP))
		for i, hyps := range byHP {
			score, err := scorer.ComputeScore(ctx, refs, hyps)
			if err != nil {
				return nil, fmt.Errorf("scoring %s at grid index %d: %w", d, i, err)
			}
			out[d][i] = score
		}
	}
	return out, nil
}
