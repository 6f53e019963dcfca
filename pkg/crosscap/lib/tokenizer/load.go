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

package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bytedance/sonic"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// tokenizerConfig is the subset of tokenizer_config.json read at load time.
type tokenizerConfig struct {
	AddBOSToken        *bool                      `json:"add_bos_token"`
	AddedTokensDecoder map[string]addedTokenEntry `json:"added_tokens_decoder"`
}

type addedTokenEntry struct {
	Content string `json:"content"`
}

// Load reads a tokenizer from a model directory. tokenizer.json is preferred,
// then tokenizer.model (SentencePiece). Marker IDs come from the
// added_tokens_decoder table of tokenizer_config.json, falling back to the
// codec's own special tokens.
func Load(modelPath string) (*Tokenizer, error) {
	cfg, rawConfig, err := readConfig(modelPath)
	if err != nil {
		return nil, err
	}

	codec, err := loadCodec(modelPath, rawConfig)
	if err != nil {
		return nil, err
	}

	added := make(map[string]int32, len(cfg.AddedTokensDecoder))
	for idStr, entry := range cfg.AddedTokensDecoder {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid added token id %q: %w", idStr, err)
		}
		added[entry.Content] = int32(id)
	}

	special, err := resolveSpecial(codec, added)
	if err != nil {
		return nil, fmt.Errorf("resolving special tokens in %s: %w", modelPath, err)
	}

	// Llama-family tokenizers default to add_bos_token=true.
	addsBOS := true
	if cfg.AddBOSToken != nil {
		addsBOS = *cfg.AddBOSToken
	}

	opts := []Option{WithAddsBOS(addsBOS)}
	for text, id := range added {
		opts = append(opts, WithAddedToken(text, id))
	}
	return New(codec, special, opts...), nil
}

func readConfig(modelPath string) (*tokenizerConfig, *api.Config, error) {
	cfg := &tokenizerConfig{}
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading tokenizer config: %w", err)
	}
	if err := sonic.Unmarshal(content, cfg); err != nil {
		return nil, nil, fmt.Errorf("parsing tokenizer config: %w", err)
	}

	normalized, err := normalizeTokenizerConfig(content)
	if err != nil {
		return nil, nil, fmt.Errorf("normalizing tokenizer config: %w", err)
	}
	rawConfig, err := api.ParseConfigContent(normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing tokenizer config: %w", err)
	}
	rawConfig.ConfigFile = configPath
	return cfg, rawConfig, nil
}

func loadCodec(modelPath string, config *api.Config) (specialCodec, error) {
	tokenizerJSONPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(tokenizerJSONPath); err == nil {
		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return tok, nil
	}

	spModelPath := filepath.Join(modelPath, "tokenizer.model")
	if _, err := os.Stat(spModelPath); err == nil {
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		return &sentencepieceCodec{Processor: proc, Info: proc.ModelInfo()}, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json or tokenizer.model)", modelPath)
}

// specialCodec is a Codec that can also report its special token IDs.
type specialCodec interface {
	Codec
	SpecialTokenID(token api.SpecialToken) (int, error)
}

var _ specialCodec = (tokenizers.Tokenizer)(nil)

func resolveSpecial(codec specialCodec, added map[string]int32) (SpecialTokens, error) {
	lookup := func(text string, tok api.SpecialToken) (int32, error) {
		if id, ok := added[text]; ok {
			return id, nil
		}
		id, err := codec.SpecialTokenID(tok)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", text, err)
		}
		return int32(id), nil
	}

	var s SpecialTokens
	var err error
	if s.BOS, err = lookup(BOSText, api.TokBeginningOfSentence); err != nil {
		return s, err
	}
	if s.EOS, err = lookup(EOSText, api.TokEndOfSentence); err != nil {
		return s, err
	}
	if s.Unk, err = lookup(UnkText, api.TokUnknown); err != nil {
		return s, err
	}
	// Padding is always ID 0 in the batcher and decoder.
	s.Pad = 0

	var ok bool
	if s.ImageStart, ok = markerID(codec, added, ImageStartText); !ok {
		return s, fmt.Errorf("image start marker %q not in vocabulary", ImageStartText)
	}
	if s.ImageEnd, ok = markerID(codec, added, ImageEndText); !ok {
		return s, fmt.Errorf("image end marker %q not in vocabulary", ImageEndText)
	}
	return s, nil
}

// markerID resolves a marker from the added-token table, or by encoding it
// when the codec maps it to exactly one piece.
func markerID(codec Codec, added map[string]int32, text string) (int32, bool) {
	if id, ok := added[text]; ok {
		return id, true
	}
	ids := codec.Encode(text)
	if len(ids) == 1 {
		return int32(ids[0]), true
	}
	return 0, false
}

// sentencepieceCodec adapts esentencepiece.Processor to specialCodec.
type sentencepieceCodec struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

func (t *sentencepieceCodec) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceCodec) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceCodec) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// normalizeTokenizerConfig rewrites HuggingFace AddedToken objects
// ({"__type": "AddedToken", "content": "<s>"}) in the special token fields
// to plain strings.
func normalizeTokenizerConfig(content []byte) ([]byte, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	for _, field := range []string{"bos_token", "eos_token", "pad_token", "unk_token"} {
		if val, ok := raw[field]; ok {
			raw[field] = tokenContent(val)
		}
	}
	return sonic.Marshal(raw)
}

func tokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
