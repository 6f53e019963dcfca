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
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCaptioner implements Captioner without a model
type fakeCaptioner struct {
	processor *vision.Processor
	features  atomic.Int32

	mu         sync.Mutex
	lastTarget chat.Language
	lastSource string
	lastParams guided.Params
	lastOpts   chat.ConverseOptions
}

func newFakeCaptioner() *fakeCaptioner {
	return &fakeCaptioner{processor: vision.NewProcessor(vision.Config{Size: 4})}
}

func (f *fakeCaptioner) Processor() *vision.Processor { return f.processor }

func (f *fakeCaptioner) VisionFeatures(_ context.Context, px vision.Pixels) (fusion.VisionCache, error) {
	f.features.Add(1)
	t := backends.NewTensor(1, 2, px.Height)
	return fusion.VisionCache{t}, nil
}

func (f *fakeCaptioner) ChatPixels(_ context.Context, _ vision.Pixels, source string, target chat.Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error) {
	if cache == nil {
		return nil, chat.ErrNoImage
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTarget, f.lastSource, f.lastParams = target, source, params
	return &guided.Result{
		Text:  "一只狗在草地上奔跑",
		Cache: cache,
		Stop:  guided.StateStoppedEmpty,
		State: guided.StateDone,
		Steps: 9,
	}, nil
}

func (f *fakeCaptioner) ConversePixels(_ context.Context, _ vision.Pixels, msgs []chat.Message, opts chat.ConverseOptions) (*chat.ConverseResult, error) {
	if _, err := chat.ConversationPrompt(2, msgs); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	var strategy backends.Strategy = backends.DefaultBeamSearch()
	if opts.Sampling {
		strategy = backends.DefaultSampling()
	}
	history := append(append([]chat.Message(nil), msgs...), chat.Message{Role: chat.RoleAssistant, Content: "a dog"})
	return &chat.ConverseResult{Answer: "a dog", Messages: history, Strategy: strategy, Cache: opts.Cache}, nil
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestNode(t *testing.T, captioner Captioner) *CrosscapNode {
	t.Helper()
	node := NewCrosscapNode(zaptest.NewLogger(t), captioner, NodeOptions{ModelName: "minicpm-v"})
	t.Cleanup(node.Close)
	return node
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCrosscapNode_Healthz(t *testing.T) {
	h := newTestNode(t, nil).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCrosscapNode_Readyz(t *testing.T) {
	w := httptest.NewRecorder()
	newTestNode(t, nil).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not_ready")

	w = httptest.NewRecorder()
	newTestNode(t, newFakeCaptioner()).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "minicpm-v", resp.Model)
	require.NotNil(t, resp.Queue)
}

func TestCrosscapNode_CORSPreflight(t *testing.T) {
	w := httptest.NewRecorder()
	newTestNode(t, nil).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/caption", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCrosscapNode_Version(t *testing.T) {
	w := httptest.NewRecorder()
	newTestNode(t, nil).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestCrosscapNode_Metrics(t *testing.T) {
	w := httptest.NewRecorder()
	newTestNode(t, nil).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "antfly_crosscap_queue_depth")
}

func TestCrosscapNode_Caption(t *testing.T) {
	captioner := newFakeCaptioner()
	node := newTestNode(t, captioner)
	h := node.Handler()
	img := pngBytes(t, color.White)

	req := CaptionRequest{
		Image:          img,
		SourceCaption:  "a dog running on the grass",
		TargetLanguage: "zh",
		TxtHP:          0.3,
	}
	w := post(t, h, "/api/caption", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp CaptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "一只狗在草地上奔跑", resp.Text)
	assert.Equal(t, "stopped_empty", resp.StopReason)
	assert.Equal(t, 9, resp.Steps)

	captioner.mu.Lock()
	assert.Equal(t, chat.Chinese, captioner.lastTarget)
	assert.Equal(t, "a dog running on the grass", captioner.lastSource)
	assert.Equal(t, guided.Params{TxtHP: 0.3}, captioner.lastParams)
	captioner.mu.Unlock()

	// Same image again reuses the cached features
	w = post(t, h, "/api/caption", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), captioner.features.Load())
	assert.Equal(t, uint64(1), node.visionCache.Stats().Hits)
}

func TestCrosscapNode_CaptionErrors(t *testing.T) {
	img := pngBytes(t, color.Black)

	tests := []struct {
		name string
		body any
		want int
	}{
		{
			name: "unsupported language",
			body: CaptionRequest{Image: img, SourceCaption: "a cat", TargetLanguage: "fr"},
			want: http.StatusBadRequest,
		},
		{
			name: "missing image",
			body: CaptionRequest{SourceCaption: "a cat", TargetLanguage: "en"},
			want: http.StatusBadRequest,
		},
		{
			name: "undecodable image",
			body: CaptionRequest{Image: []byte("not an image"), SourceCaption: "a cat", TargetLanguage: "en"},
			want: http.StatusBadRequest,
		},
		{
			name: "negative weight",
			body: CaptionRequest{Image: img, SourceCaption: "a cat", TargetLanguage: "en", TxtHP: -1},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid json",
			body: "just a string",
			want: http.StatusBadRequest,
		},
	}

	h := newTestNode(t, newFakeCaptioner()).Handler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/api/caption", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCrosscapNode_NoModel(t *testing.T) {
	h := newTestNode(t, nil).Handler()

	w := post(t, h, "/api/caption", CaptionRequest{TargetLanguage: "en"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = post(t, h, "/api/chat", ChatRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCrosscapNode_Chat(t *testing.T) {
	captioner := newFakeCaptioner()
	h := newTestNode(t, captioner).Handler()

	w := post(t, h, "/api/chat", ChatRequest{
		Image:    pngBytes(t, color.White),
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "What is in the picture?"}},
		Sampling: true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a dog", resp.Answer)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, chat.Message{Role: chat.RoleAssistant, Content: "a dog"}, resp.Messages[1])

	captioner.mu.Lock()
	assert.True(t, captioner.lastOpts.Sampling)
	assert.NotNil(t, captioner.lastOpts.Cache)
	captioner.mu.Unlock()
}

func TestCrosscapNode_ChatErrors(t *testing.T) {
	h := newTestNode(t, newFakeCaptioner()).Handler()
	img := pngBytes(t, color.White)

	w := post(t, h, "/api/chat", ChatRequest{Image: img})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, h, "/api/chat", ChatRequest{
		Image:    img,
		Messages: []chat.Message{{Role: "system", Content: "be brief"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(chat.ErrInvalidRole))
	assert.Equal(t, http.StatusBadRequest, statusFor(backends.ErrInvalidStrategy))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
