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

package guided

import (
	"fmt"
	"math"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/generation"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/prompts"
	"gonum.org/v1/gonum/floats"
)

// plausibleTolerance absorbs float32 rounding so tokens exactly at the
// threshold stay eligible.
const plausibleTolerance = 1e-6

// Plausible returns the log-probabilities of scores with every token whose
// probability falls below fraction times the maximum set to -Inf. The
// comparison is done on log ratios to the maximum.
func Plausible(scores []float32, fraction float64) []float64 {
	lp := logProbs(scores)
	if len(lp) == 0 || fraction <= 0 {
		return lp
	}
	cutoff := math.Log(fraction) - plausibleTolerance
	lpMax := floats.Max(lp)
	negInf := math.Inf(-1)
	for i, v := range lp {
		if v-lpMax < cutoff {
			lp[i] = negInf
		}
	}
	return lp
}

func logProbs(scores []float32) []float64 {
	return generation.LogSoftmax(generation.ToFloat64(scores))
}

// Combine returns exp - weight*txt. Entries that are -Inf in exp stay -Inf,
// and a zero weight returns a copy of exp unchanged.
func Combine(exp, txt []float64, weight float64) ([]float64, error) {
	if len(exp) != len(txt) {
		return nil, fmt.Errorf("%w: explanation vocabulary %d, translation vocabulary %d",
			prompts.ErrArgumentMismatch, len(exp), len(txt))
	}
	out := make([]float64, len(exp))
	copy(out, exp)
	if weight == 0 {
		return out, nil
	}
	for i, v := range out {
		if math.IsInf(v, -1) {
			continue
		}
		out[i] = v - weight*txt[i]
	}
	return out, nil
}

// Choose returns the index of the largest value, the lowest on ties.
func Choose(values []float64) int32 {
	return int32(generation.Argmax(values))
}
