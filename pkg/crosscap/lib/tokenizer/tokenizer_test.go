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
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteCodec maps every byte b to ID 100+b.
type byteCodec struct {
	prependBOS int // 0 disables
}

func (c byteCodec) Encode(text string) []int {
	ids := make([]int, 0, len(text)+1)
	if c.prependBOS != 0 {
		ids = append(ids, c.prependBOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, 100+int(text[i]))
	}
	return ids
}

func (c byteCodec) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 100 {
			buf = append(buf, byte(id-100))
		}
	}
	return string(buf)
}

var testSpecial = SpecialTokens{BOS: 1, EOS: 2, Pad: 0, Unk: 0, ImageStart: 5, ImageEnd: 6}

func TestEncode_SplitsMarkers(t *testing.T) {
	tok := New(byteCodec{}, testSpecial)

	ids := tok.Encode("<image><unk><unk></image>ab")
	assert.Equal(t, []int32{5, 0, 0, 6, 100 + 'a', 100 + 'b'}, ids)
	assert.False(t, tok.AddsBOS())
}

func TestEncode_AddsBOSOnce(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		tok := New(byteCodec{}, testSpecial, WithAddsBOS(true))
		assert.Equal(t, []int32{1, 100 + 'x'}, tok.Encode("x"))
	})

	t.Run("codec prepends BOS per fragment", func(t *testing.T) {
		tok := New(byteCodec{prependBOS: 1}, testSpecial, WithAddsBOS(true))
		ids := tok.Encode("a<image>b")
		assert.Equal(t, []int32{1, 100 + 'a', 5, 100 + 'b'}, ids)
	})
}

func TestEncode_LongestMarkerWins(t *testing.T) {
	tok := New(byteCodec{}, testSpecial, WithAddedToken("<image_id>", 9))

	assert.Equal(t, []int32{9}, tok.Encode("<image_id>"))
	assert.Equal(t, []int32{5}, tok.Encode("<image>"))
}

func TestDecode_RendersMarkers(t *testing.T) {
	tok := New(byteCodec{}, testSpecial)

	text := tok.Decode([]int32{5, 0, 6, 100 + 'h', 100 + 'i', 2})
	assert.Equal(t, "<image><unk></image>hi</s>", text)
}

func TestRoundTrip(t *testing.T) {
	tok := New(byteCodec{}, testSpecial)
	prompt := "<image><unk></image>\n<用户>caption<AI>"

	assert.Equal(t, prompt, tok.Decode(tok.Encode(prompt)))
}

func TestMarkerID(t *testing.T) {
	added := map[string]int32{"<image>": 42}

	id, ok := markerID(byteCodec{}, added, "<image>")
	require.True(t, ok)
	assert.Equal(t, int32(42), id)

	// byteCodec splits the marker into several pieces.
	_, ok = markerID(byteCodec{}, added, "</image>")
	assert.False(t, ok)
}

func TestNormalizeTokenizerConfig(t *testing.T) {
	in := []byte(`{"bos_token": {"__type": "AddedToken", "content": "<s>"}, "eos_token": "</s>", "add_bos_token": true}`)

	out, err := normalizeTokenizerConfig(in)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, sonic.Unmarshal(out, &got))
	assert.Equal(t, "<s>", got["bos_token"])
	assert.Equal(t, "</s>", got["eos_token"])
	assert.Equal(t, true, got["add_bos_token"])
}

const testTokenizerJSON = `{
  "version": "1.0",
  "added_tokens": [
    {"id": 0, "content": "<unk>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "<s>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "</s>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "<image>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 4, "content": "</image>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "Whitespace"},
  "decoder": {"type": "BPEDecoder"},
  "model": {
    "type": "BPE",
    "unk_token": "<unk>",
    "vocab": {
      "<unk>": 0, "<s>": 1, "</s>": 2, "<image>": 3, "</image>": 4,
      "h": 5, "e": 6, "l": 7, "o": 8, "he": 9, "ll": 10, "hell": 11, "hello": 12
    },
    "merges": ["h e", "l l", "he ll", "hell o"]
  }
}`

const testTokenizerConfig = `{
  "add_bos_token": false,
  "bos_token": {"__type": "AddedToken", "content": "<s>"},
  "eos_token": "</s>",
  "unk_token": "<unk>",
  "added_tokens_decoder": {
    "0": {"content": "<unk>"},
    "1": {"content": "<s>"},
    "2": {"content": "</s>"},
    "3": {"content": "<image>"},
    "4": {"content": "</image>"}
  }
}`

func TestLoad_TokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(testTokenizerConfig), 0o600))

	tok, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, SpecialTokens{BOS: 1, EOS: 2, Pad: 0, Unk: 0, ImageStart: 3, ImageEnd: 4}, tok.Special())
	assert.False(t, tok.AddsBOS())
	assert.Equal(t, []int32{3, 4}, tok.Encode("<image></image>"))
	assert.NotEmpty(t, tok.Encode("hello"))
}

func TestLoad_NoTokenizer(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "no tokenizer found")
}

