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

package chat

import (
	"context"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vocab        = 400
	hidden       = 2
	queryNum     = 2
	featureValue = 1000
	eos          = 2
)

type letterCodec struct{}

func (letterCodec) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = 100 + int(text[i])
	}
	return ids
}

func (letterCodec) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte(byte(id - 100))
	}
	return sb.String()
}

func letter(c byte) int32 { return 100 + int32(c) }

func newTestTokenizer() *tokenizer.Tokenizer {
	return tokenizer.New(letterCodec{}, tokenizer.SpecialTokens{BOS: 1, EOS: eos, Unk: 3, ImageStart: 5, ImageEnd: 6})
}

func onehot(tok int32) []float32 {
	s := make([]float32, vocab)
	s[tok] = 10
	return s
}

// fakeModel is a language model, vision encoder and resampler in one.
// Resampled features are featureValue so Generate can tell whether an
// image was spliced in.
type fakeModel struct {
	mu       sync.Mutex
	encodes  int
	embedded [][]int32
	requests []*backends.GenerateRequest
	generate func(req *backends.GenerateRequest, withImage bool) *backends.GenerateOutput
}

func (m *fakeModel) EmbedTokens(_ context.Context, ids [][]int32) (*backends.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := backends.NewTensor(len(ids), len(ids[0]), hidden)
	for b, row := range ids {
		m.embedded = append(m.embedded, row)
		for s, id := range row {
			r := t.Row(b, s)
			r[0], r[1] = float32(id), float32(id)
		}
	}
	return t, nil
}

func (m *fakeModel) Forward(context.Context, *backends.Tensor, [][]int32, [][]int64) (*backends.Tensor, error) {
	panic("not used")
}

func (m *fakeModel) Generate(_ context.Context, req *backends.GenerateRequest) (*backends.GenerateOutput, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	withImage := false
	for _, v := range req.Embeds.Data {
		if v == featureValue {
			withImage = true
			break
		}
	}
	return m.generate(req, withImage), nil
}

func (m *fakeModel) Encode(_ context.Context, _ []float32, _, _, _ int) (*backends.Tensor, error) {
	m.mu.Lock()
	m.encodes++
	m.mu.Unlock()
	return backends.NewTensor(1, 3, hidden), nil
}

func (m *fakeModel) NumPrefixTokens() int { return 1 }

func (m *fakeModel) Resample(_ context.Context, _ *backends.Tensor) (*backends.Tensor, error) {
	t := backends.NewTensor(1, queryNum, hidden)
	for i := range t.Data {
		t.Data[i] = featureValue
	}
	return t, nil
}

func newTestSession(t *testing.T, m *fakeModel, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(Components{
		LM:        m,
		Vision:    m,
		Resampler: m,
		Tokenizer: newTestTokenizer(),
		QueryNum:  queryNum,
		ScaleEmb:  1,
		ImageSize: 4,
	}, opts...)
	require.NoError(t, err)
	return s
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestTemplatesFor(t *testing.T) {
	en, err := TemplatesFor(English, "一只狗")
	require.NoError(t, err)
	assert.Equal(t, "Here is the Chinese caption of the image: 一只狗\nDescribe the image in 1 sentence in English.", en.Explain)
	assert.Equal(t, "Translate this to English: 一只狗", en.Translate)
	assert.Equal(t, "Describe the image in 1 sentence.", en.Image)

	zh, err := TemplatesFor(Chinese, "a dog")
	require.NoError(t, err)
	assert.Equal(t, "这是图像的英文说明：a dog\n用1句话中文描述这幅图像。", zh.Explain)
	assert.Equal(t, "翻译成中文：a dog", zh.Translate)
	assert.Equal(t, "用1句话描述这幅图像。", zh.Image)

	_, err = TemplatesFor("fr", "x")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	_, err = TemplatesFor("", "x")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestParseLanguage(t *testing.T) {
	l, err := ParseLanguage(" ZH ")
	require.NoError(t, err)
	assert.Equal(t, Chinese, l)

	_, err = ParseLanguage("de")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestSession_Prompts(t *testing.T) {
	s := newTestSession(t, &fakeModel{})

	p, err := s.Prompts(English, "狗")
	require.NoError(t, err)

	pre := "<image><unk><unk></image>\n<用户>"
	assert.Equal(t, pre+"Here is the Chinese caption of the image: 狗\nDescribe the image in 1 sentence in English.\n<AI>", p.Explain)
	assert.Equal(t, pre+"Translate this to English: 狗\n<AI>", p.Translate)
}

func TestSession_ChatGuidedDecode(t *testing.T) {
	explainSteps := 0
	m := &fakeModel{}
	m.generate = func(req *backends.GenerateRequest, withImage bool) *backends.GenerateOutput {
		if !withImage {
			return &backends.GenerateOutput{
				Sequences: [][]int32{{letter('z')}},
				Scores:    [][][]float32{{onehot(letter('z'))}},
			}
		}
		tok := []int32{letter('a'), letter('b'), eos}[explainSteps]
		explainSteps++
		return &backends.GenerateOutput{
			Sequences: [][]int32{{tok}},
			Scores:    [][][]float32{{onehot(tok)}},
		}
	}
	s := newTestSession(t, m)

	res, err := s.Chat(context.Background(), testImage(), "一只狗", English, guided.Params{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "ab", res.Text)
	assert.Equal(t, guided.StateStoppedEmpty, res.Stop)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 1, m.encodes, "vision features are computed once per decode")
	require.Len(t, res.Cache, 1)
	assert.NotNil(t, res.Cache[0])

	for _, req := range m.requests {
		assert.Equal(t, 1, req.MaxNewTokens)
		assert.True(t, req.OutputScores)
	}

	// The first embedded prompt is BOS followed by the explanation prompt.
	p, err := s.Prompts(English, "一只狗")
	require.NoError(t, err)
	first := m.embedded[0]
	assert.Equal(t, int32(1), first[0])
	assert.Equal(t, p.Explain, s.Tokenizer().Decode(first[1:]))

	// The returned cache decodes the same text without encoding again.
	explainSteps = 0
	again, err := s.Chat(context.Background(), nil, "一只狗", English, guided.Params{}, res.Cache)
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.Text)
	assert.Equal(t, 1, m.encodes)
}

func TestSession_ChatTranslationWeight(t *testing.T) {
	m := &fakeModel{}
	m.generate = func(_ *backends.GenerateRequest, withImage bool) *backends.GenerateOutput {
		scores := make([]float32, vocab)
		for i := range scores {
			scores[i] = -20
		}
		if withImage {
			scores[letter('a')] = 1.0
			scores[letter('b')] = 0.8
			return &backends.GenerateOutput{Sequences: [][]int32{{letter('a')}}, Scores: [][][]float32{{scores}}}
		}
		scores[letter('a')] = 8
		return &backends.GenerateOutput{Sequences: [][]int32{{letter('a')}}, Scores: [][][]float32{{scores}}}
	}
	s := newTestSession(t, m, WithEngineOptions(guided.WithStepLimit(1)))

	plain, err := s.Chat(context.Background(), testImage(), "x", Chinese, guided.Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", plain.Text)

	weighted, err := s.Chat(context.Background(), testImage(), "x", Chinese, guided.Params{TxtHP: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", weighted.Text)
	assert.Equal(t, guided.StateStoppedStepLimit, weighted.Stop)
}

func TestSession_ChatErrors(t *testing.T) {
	s := newTestSession(t, &fakeModel{})

	_, err := s.Chat(context.Background(), testImage(), "x", "fr", guided.Params{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	_, err = s.Chat(context.Background(), nil, "x", English, guided.Params{}, nil)
	assert.ErrorIs(t, err, ErrNoImage)

	_, err = s.Chat(context.Background(), testImage(), "x", English, guided.Params{TxtHP: -1}, nil)
	assert.ErrorIs(t, err, guided.ErrInvalidParams)
}

func TestNewSession_RequiresComponents(t *testing.T) {
	_, err := NewSession(Components{Tokenizer: newTestTokenizer()})
	assert.Error(t, err)
}
