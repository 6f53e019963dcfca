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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuidedConfig_EngineConfig(t *testing.T) {
	assert.Equal(t, guided.DefaultConfig(), DefaultGuidedConfig().EngineConfig())

	c := GuidedConfig{ParallelBranches: true}.EngineConfig()
	assert.Equal(t, guided.DefaultStepLimit, c.StepLimit)
	assert.InDelta(t, guided.DefaultPlausibilityFraction, c.PlausibilityFraction, 0)
	assert.False(t, c.StopOnEmpty)
	assert.True(t, c.ParallelBranches)

	c = GuidedConfig{StepLimit: 64, PlausibilityFraction: 0.2, StopOnEmpty: true}.EngineConfig()
	assert.Equal(t, 64, c.StepLimit)
	assert.InDelta(t, 0.2, c.PlausibilityFraction, 0)
}

func TestConfig_Durations(t *testing.T) {
	timeout, ttl, err := Config{}.Durations()
	require.NoError(t, err)
	assert.Zero(t, timeout)
	assert.Zero(t, ttl)

	timeout, ttl, err = Config{RequestTimeout: "30s", VisionCacheTTL: "0"}.Durations()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
	assert.Zero(t, ttl)

	_, _, err = Config{VisionCacheTTL: "soon"}.Durations()
	require.ErrorContains(t, err, "vision_cache_ttl")
}
