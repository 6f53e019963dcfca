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
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

// ErrEmptyImage is returned for a request without image bytes.
var ErrEmptyImage = errors.New("image is required")

// CaptionRequest asks for a caption of Image in TargetLanguage guided by
// SourceCaption. Image is base64 in JSON.
type CaptionRequest struct {
	Image          []byte  `json:"image"`
	SourceCaption  string  `json:"source_caption"`
	TargetLanguage string  `json:"target_language"`
	TxtHP          float64 `json:"txt_hp"`
	ImgHP          float64 `json:"img_hp,omitempty"`
}

// CaptionResponse is the guided decode result.
type CaptionResponse struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	Steps      int    `json:"steps"`
}

// ChatRequest is one conversation turn about Image.
type ChatRequest struct {
	Image        []byte         `json:"image"`
	Messages     []chat.Message `json:"messages"`
	Sampling     bool           `json:"sampling,omitempty"`
	MaxNewTokens int            `json:"max_new_tokens,omitempty"`
}

// ChatResponse carries the answer and the extended conversation.
type ChatResponse struct {
	Answer   string         `json:"answer"`
	Messages []chat.Message `json:"messages"`
}

// VersionResponse is the response for /api/version
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// acquire applies backpressure and writes the rejection itself.
func (n *CrosscapNode) acquire(w http.ResponseWriter, r *http.Request) (*Slot, bool) {
	slot, err := n.requestQueue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			RecordQueueRejection()
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrRequestTimeout):
			RecordQueueTimeout()
			WriteTimeoutResponse(w)
		default:
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
		return nil, false
	}
	UpdateQueueMetrics(n.requestQueue.Stats())
	return slot, true
}

// handleApiCaption handles guided cross-lingual caption requests
func (n *CrosscapNode) handleApiCaption(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	if n.captioner == nil {
		http.Error(w, "captioning not available: no model loaded", http.StatusServiceUnavailable)
		return
	}

	slot, ok := n.acquire(w, r)
	if !ok {
		return
	}
	defer slot.Release()

	var req CaptionRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target, err := chat.ParseLanguage(req.TargetLanguage)
	if err != nil {
		n.writeError(w, "caption", start, err)
		return
	}

	cache, err := n.visionFeatures(r.Context(), req.Image)
	if err != nil {
		n.writeError(w, "caption", start, err)
		return
	}

	res, err := n.captioner.ChatPixels(r.Context(), vision.Pixels{}, req.SourceCaption, target,
		guided.Params{TxtHP: req.TxtHP, ImgHP: req.ImgHP}, cache)
	if err != nil {
		n.writeError(w, "caption", start, err)
		return
	}

	RecordCaptionRequest(string(target))
	RecordRequestDuration("caption", "200", time.Since(start).Seconds())
	n.logger.Info("Caption request completed",
		zap.String("target", string(target)),
		zap.Float64("txt_hp", req.TxtHP),
		zap.Int("steps", res.Steps),
		zap.Stringer("stop", res.Stop),
		zap.Duration("duration", time.Since(start)))

	writeJSON(w, n.logger, CaptionResponse{
		Text:       res.Text,
		StopReason: res.Stop.String(),
		Steps:      res.Steps,
	})
}

// handleApiChat handles conversation turns about an image
func (n *CrosscapNode) handleApiChat(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	if n.captioner == nil {
		http.Error(w, "chat not available: no model loaded", http.StatusServiceUnavailable)
		return
	}

	slot, ok := n.acquire(w, r)
	if !ok {
		return
	}
	defer slot.Release()

	var req ChatRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages are required", http.StatusBadRequest)
		return
	}

	cache, err := n.visionFeatures(r.Context(), req.Image)
	if err != nil {
		n.writeError(w, "chat", start, err)
		return
	}

	res, err := n.captioner.ConversePixels(r.Context(), vision.Pixels{}, req.Messages, chat.ConverseOptions{
		Sampling:     req.Sampling,
		MaxNewTokens: req.MaxNewTokens,
		Cache:        cache,
	})
	if err != nil {
		n.writeError(w, "chat", start, err)
		return
	}

	RecordChatRequest(string(res.Strategy.Kind()))
	RecordRequestDuration("chat", "200", time.Since(start).Seconds())
	n.logger.Info("Chat request completed",
		zap.String("strategy", string(res.Strategy.Kind())),
		zap.Int("turns", len(req.Messages)),
		zap.Duration("duration", time.Since(start)))

	writeJSON(w, n.logger, ChatResponse{Answer: res.Answer, Messages: res.Messages})
}

func (n *CrosscapNode) handleApiVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, n.logger, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})
}

func (n *CrosscapNode) visionFeatures(ctx context.Context, img []byte) (fusion.VisionCache, error) {
	if len(img) == 0 {
		return nil, ErrEmptyImage
	}
	return n.visionCache.Get(ctx, img)
}

func (n *CrosscapNode) writeError(w http.ResponseWriter, endpoint string, start time.Time, err error) {
	status := statusFor(err)
	RecordRequestDuration(endpoint, strconv.Itoa(status), time.Since(start).Seconds())
	if status >= http.StatusInternalServerError {
		n.logger.Error("Request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", endpoint, err), status)
}

// statusFor maps request errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEmptyImage),
		errors.Is(err, image.ErrFormat),
		errors.Is(err, chat.ErrUnsupportedLanguage),
		errors.Is(err, chat.ErrInvalidRole),
		errors.Is(err, chat.ErrNoImage),
		errors.Is(err, guided.ErrInvalidParams),
		errors.Is(err, backends.ErrInvalidStrategy):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
