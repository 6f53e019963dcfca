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

// Package scoring defines the caption metric interface used to evaluate
// generated captions against references. Metric implementations such as
// CIDEr-D and COMET live outside this module.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	// ErrArgumentMismatch is returned when references and hypotheses cover different items.
	ErrArgumentMismatch = errors.New("references and hypotheses cover different items")
	// ErrEmptyReference is returned when an item has no reference captions.
	ErrEmptyReference = errors.New("item has no reference captions")
)

// Result is a corpus score with the score of every item.
type Result struct {
	Corpus  float64
	PerItem map[string]float64
}

// Scorer scores one hypothesis per item against that item's references.
type Scorer interface {
	ComputeScore(ctx context.Context, refs map[string][]string, hyps map[string]string) (Result, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, refs map[string][]string, hyps map[string]string) (Result, error)

func (f ScorerFunc) ComputeScore(ctx context.Context, refs map[string][]string, hyps map[string]string) (Result, error) {
	return f(ctx, refs, hyps)
}

// CIDErDConfig parameterizes a CIDEr-D scorer.
type CIDErDConfig struct {
	// N is the largest n-gram order summed over.
	N int
	// Sigma is the standard deviation of the length penalty.
	Sigma float64
}

// DefaultCIDErDConfig sums 1- to 4-grams with a length penalty sigma of 6.
func DefaultCIDErDConfig() CIDErDConfig {
	return CIDErDConfig{N: 4, Sigma: 6.0}
}

// Validate checks that refs and hyps have the same keys and that every item
// has at least one reference.
func Validate(refs map[string][]string, hyps map[string]string) error {
	if len(refs) != len(hyps) {
		return fmt.Errorf("%w: %d referenced items, %d hypotheses", ErrArgumentMismatch, len(refs), len(hyps))
	}
	for _, id := range slices.Sorted(maps.Keys(refs)) {
		if _, ok := hyps[id]; !ok {
			return fmt.Errorf("%w: no hypothesis for %q", ErrArgumentMismatch, id)
		}
		if len(refs[id]) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyReference, id)
		}
	}
	return nil
}

type checked struct {
	scorer Scorer
}

// Checked wraps scorer so that its inputs are validated first.
func Checked(scorer Scorer) Scorer {
	return checked{scorer: scorer}
}

func (c checked) ComputeScore(ctx context.Context, refs map[string][]string, hyps map[string]string) (Result, error) {
	if err := Validate(refs, hyps); err != nil {
		return Result{}, err
	}
	return c.scorer.ComputeScore(ctx, refs, hyps)
}
