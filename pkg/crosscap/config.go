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
	"fmt"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
)

// DefaultApiUrl is where the API server listens unless configured otherwise.
const DefaultApiUrl = "http://localhost:11440"

// Config configures a crosscap node.
type Config struct {
	// ApiUrl is the listen address of the API server.
	ApiUrl string `json:"api_url,omitempty" yaml:"api_url"`
	// ModelDir holds the exported MiniCPM-V graphs, config.json and the tokenizer.
	ModelDir string `json:"model_dir,omitempty" yaml:"model_dir"`
	// BackendPriority orders inference backends, e.g. ["onnx"].
	BackendPriority []string `json:"backend_priority,omitempty" yaml:"backend_priority"`
	// Gpu is one of auto, cuda, off.
	Gpu string `json:"gpu,omitempty" yaml:"gpu"`

	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests"`
	MaxQueueSize          int `json:"max_queue_size,omitempty" yaml:"max_queue_size"`
	// RequestTimeout bounds the time a request waits in the queue, e.g. "30s".
	RequestTimeout string `json:"request_timeout,omitempty" yaml:"request_timeout"`
	// VisionCacheTTL is how long vision features of an image are kept, e.g. "5m".
	VisionCacheTTL string `json:"vision_cache_ttl,omitempty" yaml:"vision_cache_ttl"`

	Guided GuidedConfig `json:"guided" yaml:"guided"`
}

// GuidedConfig holds the guided decoding engine settings.
type GuidedConfig struct {
	StepLimit            int     `json:"step_limit,omitempty" yaml:"step_limit"`
	PlausibilityFraction float64 `json:"plausibility_fraction,omitempty" yaml:"plausibility_fraction"`
	StopOnEmpty          bool    `json:"stop_on_empty" yaml:"stop_on_empty"`
	ParallelBranches     bool    `json:"parallel_branches" yaml:"parallel_branches"`
}

// DefaultGuidedConfig mirrors guided.DefaultConfig.
func DefaultGuidedConfig() GuidedConfig {
	c := guided.DefaultConfig()
	return GuidedConfig{
		StepLimit:            c.StepLimit,
		PlausibilityFraction: c.PlausibilityFraction,
		StopOnEmpty:          c.StopOnEmpty,
		ParallelBranches:     c.ParallelBranches,
	}
}

// EngineConfig converts to the engine configuration. Zero values fall back
// to the engine defaults.
func (g GuidedConfig) EngineConfig() guided.Config {
	c := guided.DefaultConfig()
	if g.StepLimit > 0 {
		c.StepLimit = g.StepLimit
	}
	if g.PlausibilityFraction > 0 {
		c.PlausibilityFraction = g.PlausibilityFraction
	}
	c.StopOnEmpty = g.StopOnEmpty
	c.ParallelBranches = g.ParallelBranches
	return c
}

// Durations parses the duration settings. Empty or "0" means zero.
func (c Config) Durations() (requestTimeout, visionCacheTTL time.Duration, err error) {
	if requestTimeout, err = parseDuration("request_timeout", c.RequestTimeout); err != nil {
		return 0, 0, err
	}
	if visionCacheTTL, err = parseDuration("vision_cache_ttl", c.VisionCacheTTL); err != nil {
		return 0, 0, err
	}
	return requestTimeout, visionCacheTTL, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", key, s, err)
	}
	return d, nil
}
