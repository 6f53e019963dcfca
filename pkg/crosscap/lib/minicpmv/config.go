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

package minicpmv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// ConfigFile is the model configuration file name.
const ConfigFile = "config.json"

// Config is the subset of the MiniCPM-V configuration the pipeline needs.
type Config struct {
	QueryNum        int     `json:"query_num"`
	ScaleEmb        float32 `json:"scale_emb"`
	HiddenSize      int     `json:"hidden_size"`
	VocabSize       int     `json:"vocab_size"`
	BOSTokenID      int32   `json:"bos_token_id"`
	EOSTokenID      int32   `json:"eos_token_id"`
	ImageSize       int     `json:"image_size"`
	NumPrefixTokens int     `json:"num_prefix_tokens"`
}

// DefaultConfig returns the MiniCPM-V defaults for keys a config may omit.
func DefaultConfig() Config {
	return Config{
		QueryNum:        64,
		ScaleEmb:        12,
		BOSTokenID:      1,
		EOSTokenID:      2,
		ImageSize:       448,
		NumPrefixTokens: 1,
	}
}

// LoadConfig reads config.json from dir over DefaultConfig.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", ConfigFile, err)
	}
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", ConfigFile, err)
	}
	if cfg.QueryNum <= 0 || cfg.ImageSize <= 0 || cfg.NumPrefixTokens < 0 {
		return cfg, fmt.Errorf("invalid %s: query_num=%d image_size=%d num_prefix_tokens=%d",
			ConfigFile, cfg.QueryNum, cfg.ImageSize, cfg.NumPrefixTokens)
	}
	return cfg, nil
}
