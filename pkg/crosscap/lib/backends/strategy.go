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

import (
	"errors"
	"fmt"
)

// ErrInvalidStrategy is returned when a decoding strategy has out-of-range parameters.
var ErrInvalidStrategy = errors.New("invalid decoding strategy")

// StrategyKind names a search strategy.
type StrategyKind string

const (
	StrategyGreedy     StrategyKind = "greedy"
	StrategyBeamSearch StrategyKind = "beam_search"
	StrategySampling   StrategyKind = "sampling"
)

// Strategy is one of Greedy, BeamSearch or Sampling.
type Strategy interface {
	Kind() StrategyKind
	Validate() error

	strategy()
}

// Greedy picks the highest-scoring token at every step.
type Greedy struct{}

// BeamSearch keeps the NumBeams best partial hypotheses per row.
type BeamSearch struct {
	NumBeams int
	// RepetitionPenalty divides positive (multiplies negative) logits of
	// tokens already generated. 1.0 disables it.
	RepetitionPenalty float32
}

// Sampling draws from the temperature-scaled, top-k and top-p filtered distribution.
type Sampling struct {
	TopP        float32
	TopK        int
	Temperature float32
	// Seed fixes the random source. Zero picks a fresh seed per call.
	Seed uint64
}

func (Greedy) Kind() StrategyKind     { return StrategyGreedy }
func (BeamSearch) Kind() StrategyKind { return StrategyBeamSearch }
func (Sampling) Kind() StrategyKind   { return StrategySampling }

func (Greedy) strategy()     {}
func (BeamSearch) strategy() {}
func (Sampling) strategy()   {}

func (Greedy) Validate() error { return nil }

func (s BeamSearch) Validate() error {
	if s.NumBeams < 1 {
		return fmt.Errorf("%w: num_beams must be >= 1, got %d", ErrInvalidStrategy, s.NumBeams)
	}
	if s.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition_penalty must be > 0, got %g", ErrInvalidStrategy, s.RepetitionPenalty)
	}
	return nil
}

func (s Sampling) Validate() error {
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in (0, 1], got %g", ErrInvalidStrategy, s.TopP)
	}
	if s.TopK < 0 {
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidStrategy, s.TopK)
	}
	if s.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be > 0, got %g", ErrInvalidStrategy, s.Temperature)
	}
	return nil
}

// NewBeamSearch returns a validated BeamSearch strategy.
func NewBeamSearch(numBeams int, repetitionPenalty float32) (BeamSearch, error) {
	s := BeamSearch{NumBeams: numBeams, RepetitionPenalty: repetitionPenalty}
	return s, s.Validate()
}

// NewSampling returns a validated Sampling strategy.
func NewSampling(topP float32, topK int, temperature float32) (Sampling, error) {
	s := Sampling{TopP: topP, TopK: topK, Temperature: temperature}
	return s, s.Validate()
}

// DefaultBeamSearch is the deterministic configuration used for chat turns.
func DefaultBeamSearch() BeamSearch {
	return BeamSearch{NumBeams: 3, RepetitionPenalty: 1.2}
}

// DefaultSampling is the stochastic configuration used for chat turns.
func DefaultSampling() Sampling {
	return Sampling{TopP: 0.8, TopK: 100, Temperature: 0.6}
}

// ParseStrategyKind parses a strategy name.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyGreedy, StrategyBeamSearch, StrategySampling:
		return StrategyKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q (valid: greedy, beam_search, sampling)", ErrInvalidStrategy, s)
	}
}
