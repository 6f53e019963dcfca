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

package crosscap

import (
	"testing"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reason string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, decodeStops.WithLabelValues(reason).Write(m))
	return m.GetCounter().GetValue()
}

func TestDecodeObserver(t *testing.T) {
	var o guided.Observer = DecodeObserver{}
	before := counterValue(t, guided.StateStoppedStepLimit.String())

	o.ObserveStep(time.Millisecond, 0)
	o.ObserveDecode(guided.StateStoppedStepLimit, 1000, time.Second)

	assert.InDelta(t, before+1, counterValue(t, guided.StateStoppedStepLimit.String()), 0)
}
