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

package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
)

// ErrScoresUnsupported is returned when per-step scores are requested from beam search.
var ErrScoresUnsupported = errors.New("per-step scores are not available for beam search")

// StepFunc returns next-token logits for each hypothesis. sources[i] is the
// batch row hypothesis i continues and generated[i] holds its new tokens so far.
type StepFunc func(ctx context.Context, sources []int, generated [][]int32) ([][]float32, error)

// SearchConfig configures Search.
type SearchConfig struct {
	MaxNewTokens int
	EOSTokenID   int32
	PadTokenID   int32
	Strategy     backends.Strategy
	OutputScores bool
}

// Search runs autoregressive decoding for rows batch rows.
func Search(ctx context.Context, rows int, step StepFunc, cfg SearchConfig) (*backends.GenerateOutput, error) {
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = backends.Greedy{}
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	switch s := strategy.(type) {
	case backends.Greedy:
		return searchPerToken(ctx, rows, step, cfg, nil, samplingParams{})
	case backends.Sampling:
		seed := s.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		return searchPerToken(ctx, rows, step, cfg, rng, samplingParams{
			temperature: s.Temperature,
			topK:        s.TopK,
			topP:        s.TopP,
		})
	case backends.BeamSearch:
		if cfg.OutputScores {
			return nil, ErrScoresUnsupported
		}
		return searchBeams(ctx, rows, step, cfg, s)
	default:
		return nil, fmt.Errorf("%w: unsupported strategy %T", backends.ErrInvalidStrategy, strategy)
	}
}

// searchPerToken implements greedy decoding (rng == nil) and sampling.
// Every row is stepped each iteration; finished rows emit padding.
func searchPerToken(ctx context.Context, rows int, step StepFunc, cfg SearchConfig, rng *rand.Rand, sp samplingParams) (*backends.GenerateOutput, error) {
	out := &backends.GenerateOutput{Sequences: make([][]int32, rows)}
	sources := make([]int, rows)
	for i := range sources {
		sources[i] = i
	}
	done := make([]bool, rows)

	for n := 0; n < cfg.MaxNewTokens; n++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		logits, err := step(ctx, sources, out.Sequences)
		if err != nil {
			return out, fmt.Errorf("decoding step %d: %w", n, err)
		}
		if len(logits) != rows {
			return out, fmt.Errorf("decoding step %d: got logits for %d rows, want %d", n, len(logits), rows)
		}

		var stepScores [][]float32
		if cfg.OutputScores {
			stepScores = make([][]float32, rows)
		}
		allDone := true
		for r := range rows {
			processed := append([]float32(nil), logits[r]...)
			var tok int32
			if rng == nil {
				tok = int32(Argmax(ToFloat64(processed)))
			} else {
				warp(processed, sp)
				tok = sample(processed, rng)
			}
			if stepScores != nil {
				stepScores[r] = processed
			}

			if done[r] {
				tok = cfg.PadTokenID
			} else if tok == cfg.EOSTokenID {
				done[r] = true
			}
			out.Sequences[r] = append(out.Sequences[r], tok)
			allDone = allDone && done[r]
		}
		if stepScores != nil {
			out.Scores = append(out.Scores, stepScores)
		}
		if allDone {
			break
		}
	}
	return out, nil
}

type beam struct {
	tokens []int32
	score  float64
}

type hypothesis struct {
	tokens []int32
	score  float64 // length-normalized
}

// searchBeams runs beam search independently per row with length penalty 1.
func searchBeams(ctx context.Context, rows int, step StepFunc, cfg SearchConfig, s backends.BeamSearch) (*backends.GenerateOutput, error) {
	alive := make([][]beam, rows)
	finished := make([][]hypothesis, rows)
	done := make([]bool, rows)
	for r := range alive {
		alive[r] = []beam{{}}
	}

	for n := 0; n < cfg.MaxNewTokens; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var sources []int
		var generated [][]int32
		for r := range rows {
			if done[r] {
				continue
			}
			for _, b := range alive[r] {
				sources = append(sources, r)
				generated = append(generated, b.tokens)
			}
		}
		if len(sources) == 0 {
			break
		}

		logits, err := step(ctx, sources, generated)
		if err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", n, err)
		}
		if len(logits) != len(sources) {
			return nil, fmt.Errorf("decoding step %d: got logits for %d hypotheses, want %d", n, len(logits), len(sources))
		}

		k := 0
		for r := range rows {
			if done[r] {
				continue
			}
			beams := alive[r]
			rowLogits := logits[k : k+len(beams)]
			k += len(beams)
			alive[r], finished[r] = advanceBeams(beams, rowLogits, finished[r], cfg.EOSTokenID, s)
			done[r] = beamsDone(alive[r], finished[r], s.NumBeams, n+1)
		}
	}

	out := &backends.GenerateOutput{Sequences: make([][]int32, rows)}
	longest := 0
	for r := range rows {
		best := bestHypothesis(alive[r], finished[r])
		out.Sequences[r] = best
		longest = max(longest, len(best))
	}
	for r, seq := range out.Sequences {
		for len(seq) < longest {
			seq = append(seq, cfg.PadTokenID)
		}
		out.Sequences[r] = seq
	}
	return out, nil
}

func advanceBeams(beams []beam, logits [][]float32, finished []hypothesis, eos int32, s backends.BeamSearch) ([]beam, []hypothesis) {
	type candidate struct {
		parent int
		token  int32
		score  float64
	}
	var candidates []candidate
	for i, b := range beams {
		processed := append([]float32(nil), logits[i]...)
		applyRepetitionPenalty(processed, b.tokens, s.RepetitionPenalty)
		lp := LogSoftmax(ToFloat64(processed))
		for _, tok := range topN(lp, 2*s.NumBeams) {
			candidates = append(candidates, candidate{parent: i, token: int32(tok), score: b.score + lp[tok]})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	next := make([]beam, 0, s.NumBeams)
	for rank, c := range candidates {
		if len(next) == s.NumBeams {
			break
		}
		tokens := make([]int32, len(beams[c.parent].tokens), len(beams[c.parent].tokens)+1)
		copy(tokens, beams[c.parent].tokens)
		tokens = append(tokens, c.token)
		if c.token == eos {
			// EOS candidates only count while ranked within the beam width.
			if rank < s.NumBeams {
				finished = addHypothesis(finished, hypothesis{tokens: tokens, score: c.score / float64(len(tokens))}, s.NumBeams)
			}
			continue
		}
		next = append(next, beam{tokens: tokens, score: c.score})
	}
	return next, finished
}

func addHypothesis(finished []hypothesis, h hypothesis, limit int) []hypothesis {
	finished = append(finished, h)
	sort.SliceStable(finished, func(i, j int) bool { return finished[i].score > finished[j].score })
	if len(finished) > limit {
		finished = finished[:limit]
	}
	return finished
}

func beamsDone(alive []beam, finished []hypothesis, numBeams, length int) bool {
	if len(alive) == 0 {
		return true
	}
	if len(finished) < numBeams {
		return false
	}
	bestAlive := math.Inf(-1)
	for _, b := range alive {
		bestAlive = max(bestAlive, b.score)
	}
	return bestAlive/float64(length) <= finished[len(finished)-1].score
}

func bestHypothesis(alive []beam, finished []hypothesis) []int32 {
	best := hypothesis{score: math.Inf(-1)}
	for _, h := range finished {
		if h.score > best.score {
			best = h
		}
	}
	for _, b := range alive {
		if len(b.tokens) == 0 {
			continue
		}
		if norm := b.score / float64(len(b.tokens)); norm > best.score {
			best = hypothesis{tokens: b.tokens, score: norm}
		}
	}
	return best.tokens
}
