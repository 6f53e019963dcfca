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

package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/scoring"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaptioner struct {
	mu        sync.Mutex
	encodes   map[float32]int
	chats     int
	cacheMiss int
	err       error
}

func (c *fakeCaptioner) VisionFeatures(_ context.Context, px vision.Pixels) (fusion.VisionCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encodes == nil {
		c.encodes = make(map[float32]int)
	}
	c.encodes[px.Data[0]]++
	t := backends.NewTensor(1, 1, 1)
	t.Data[0] = px.Data[0]
	return fusion.VisionCache{t}, nil
}

func (c *fakeCaptioner) ChatPixels(_ context.Context, px vision.Pixels, src string, target chat.Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats++
	if cache == nil || cache[0].Data[0] != px.Data[0] {
		c.cacheMiss++
	}
	if c.err != nil {
		return nil, c.err
	}
	return &guided.Result{Text: fmt.Sprintf("%s>%s@%.1f", src, target, params.TxtHP)}, nil
}

func testItems() []Item {
	mk := func(id string, v float32) Item {
		return Item{
			ID:    id,
			Image: vision.Pixels{Data: []float32{v}, Channels: 1, Height: 1, Width: 1},
			Captions: map[chat.Language][]string{
				chat.English: {id + "-en", id + "-en2"},
				chat.Chinese: {id + "-zh"},
			},
		}
	}
	return []Item{mk("a", 1), mk("b", 2), mk("c", 3)}
}

func TestGrid_Values(t *testing.T) {
	v := DefaultGrid().Values()
	require.Len(t, v, 11)
	assert.Equal(t, 0.0, v[0])
	assert.InDelta(t, 0.3, v[3], 1e-12)
	assert.InDelta(t, 1.0, v[10], 1e-12)
}

func TestRunner_Run(t *testing.T) {
	c := &fakeCaptioner{}
	r := NewRunner(c, WithGrid(Grid{Steps: 3, Step: 0.5}), WithConcurrency(2))

	res, err := r.Run(context.Background(), testItems())
	require.NoError(t, err)

	assert.Equal(t, map[float32]int{1: 1, 2: 1, 3: 1}, c.encodes, "each image is encoded once")
	assert.Equal(t, 3*2*3, c.chats)
	assert.Zero(t, c.cacheMiss)

	enzh := Direction{Source: chat.English, Target: chat.Chinese}
	zhen := Direction{Source: chat.Chinese, Target: chat.English}
	require.Len(t, res, 2)
	require.Len(t, res[enzh], 3)
	assert.Equal(t, "a-en>zh@0.0", res[enzh][0]["a"])
	assert.Equal(t, "b-zh>en@1.0", res[zhen][2]["b"])
	assert.Len(t, res[zhen][1], 3)
}

func TestRunner_Errors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewRunner(&fakeCaptioner{err: boom}).Run(context.Background(), testItems())
	assert.ErrorIs(t, err, boom)

	items := testItems()
	delete(items[1].Captions, chat.Chinese)
	_, err = NewRunner(&fakeCaptioner{}, WithGrid(Grid{Steps: 1})).Run(context.Background(), items)
	assert.ErrorIs(t, err, ErrMissingCaption)
}

func TestEvaluate(t *testing.T) {
	items := testItems()
	c := &fakeCaptioner{}
	res, err := NewRunner(c, WithGrid(Grid{Steps: 2, Step: 0.1})).Run(context.Background(), items)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string][]string{}
	scorer := scoring.ScorerFunc(func(_ context.Context, refs map[string][]string, hyps map[string]string) (scoring.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		for id, r := range refs {
			seen[id] = r
		}
		return scoring.Result{Corpus: float64(len(hyps))}, nil
	})

	scores, err := Evaluate(context.Background(), scorer, res, items)
	require.NoError(t, err)

	zhen := Direction{Source: chat.Chinese, Target: chat.English}
	assert.Equal(t, 3.0, scores[zhen][1].Corpus)
	assert.Len(t, scores, 2)
	assert.Contains(t, [][]string{{"a-en", "a-en2"}, {"a-zh"}}, seen["a"])

	// A missing reference list fails validation before scoring.
	delete(items[0].Captions, chat.English)
	_, err = Evaluate(context.Background(), scorer, res, items)
	assert.ErrorIs(t, err, scoring.ErrEmptyReference)
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "en->zh", DefaultDirections()[0].String())
}
