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
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ToFloat64 widens a score vector.
func ToFloat64(scores []float32) []float64 {
	out := make([]float64, len(scores))
	for i, v := range scores {
		out[i] = float64(v)
	}
	return out
}

// LogSoftmax returns log(softmax(scores)) computed as scores - logsumexp(scores).
func LogSoftmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lse := floats.LogSumExp(scores)
	out := make([]float64, len(scores))
	for i, v := range scores {
		out[i] = v - lse
	}
	return out
}

// Softmax returns exp(LogSoftmax(scores)).
func Softmax(scores []float64) []float64 {
	out := LogSoftmax(scores)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	return out
}

// Argmax returns the index of the largest value; the lowest index wins ties.
// It returns -1 for an empty slice.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	return floats.MaxIdx(values)
}

// applyRepetitionPenalty divides positive and multiplies negative logits of
// tokens already generated.
func applyRepetitionPenalty(logits []float32, generated []int32, penalty float32) {
	if penalty == 1 {
		return
	}
	seen := make(map[int32]bool, len(generated))
	for _, tok := range generated {
		if seen[tok] || int(tok) >= len(logits) || tok < 0 {
			continue
		}
		seen[tok] = true
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// warp applies temperature, top-k and top-p to logits in place, setting
// removed entries to -Inf.
func warp(logits []float32, s samplingParams) {
	if s.temperature > 0 && s.temperature != 1 {
		for i := range logits {
			logits[i] /= s.temperature
		}
	}

	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return logits[order[i]] > logits[order[j]] })

	keep := len(order)
	if s.topK > 0 && s.topK < keep {
		keep = s.topK
	}
	if s.topP > 0 && s.topP < 1 {
		// Top-p runs on the distribution renormalized over the top-k survivors.
		kept := make([]float64, keep)
		for rank, idx := range order[:keep] {
			kept[rank] = float64(logits[idx])
		}
		probs := Softmax(kept)
		var cum float64
		for rank := range order[:keep] {
			cum += probs[rank]
			if cum >= float64(s.topP) {
				keep = rank + 1
				break
			}
		}
	}
	negInf := float32(math.Inf(-1))
	for _, idx := range order[keep:] {
		logits[idx] = negInf
	}
}

type samplingParams struct {
	temperature float32
	topK        int
	topP        float32
}

// sample draws an index from softmax(logits).
func sample(logits []float32, rng *rand.Rand) int32 {
	probs := Softmax(ToFloat64(logits))
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return int32(i)
		}
	}
	// Rounding left r above the total; take the most likely token.
	return int32(Argmax(probs))
}

// topN returns the indices of the n largest values, largest first, lower
// index first among equal values.
func topN(values []float64, n int) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })
	if n < len(order) {
		order = order[:n]
	}
	return order
}
