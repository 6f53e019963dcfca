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

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Caption(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/caption", r.URL.Path)
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req crosscap.CaptionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, req.Image)
		assert.Equal(t, "a dog on the grass", req.SourceCaption)
		assert.Equal(t, "zh", req.TargetLanguage)
		assert.InDelta(t, 0.3, req.TxtHP, 0)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(crosscap.CaptionResponse{
			Text:       "草地上的一只狗",
			StopReason: "stopped_empty",
			Steps:      7,
		})
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	resp, err := crosscapClient.Caption(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "a dog on the grass", chat.Chinese, 0.3)
	require.NoError(t, err)
	assert.Equal(t, "草地上的一只狗", resp.Text)
	assert.Equal(t, "stopped_empty", resp.StopReason)
	assert.Equal(t, 7, resp.Steps)
}

func TestClient_Caption_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "caption failed: unsupported language", http.StatusBadRequest)
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	_, err = crosscapClient.Caption(context.Background(), []byte("img"), "a cat", chat.Language("fr"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req crosscap.ChatRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Sampling)
		assert.Len(t, req.Messages, 1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(crosscap.ChatResponse{
			Answer:   "It is running.",
			Messages: append(req.Messages, NewAssistantMessage("It is running.")),
		})
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	resp, err := crosscapClient.Chat(context.Background(), []byte("img"),
		[]chat.Message{NewUserMessage("What is the dog doing?")}, true)
	require.NoError(t, err)
	assert.Equal(t, "It is running.", resp.Answer)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, chat.RoleAssistant, resp.Messages[1].Role)
}

func TestClient_GetVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		assert.Equal(t, "GET", r.Method)

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]string{
			"version":    "v1.2.3",
			"git_commit": "abc123def",
			"build_time": "2025-01-15T10:00:00Z",
			"go_version": "go1.25.0",
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	version, err := crosscapClient.GetVersion(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", version.Version)
	assert.Equal(t, "abc123def", version.GitCommit)
	assert.Equal(t, "2025-01-15T10:00:00Z", version.BuildTime)
	assert.Equal(t, "go1.25.0", version.GoVersion)
}

func TestClient_QueueFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crosscap.WriteQueueFullResponse(w, 5*time.Second)
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	_, err = crosscapClient.Caption(context.Background(), []byte("img"), "a cat", chat.English, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service overloaded")
}

func TestClient_ServerErr(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, nil)
	require.NoError(t, err)

	_, err = crosscapClient.Chat(context.Background(), []byte("img"), []chat.Message{NewUserMessage("hi")}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error")
}

func TestClient_ContextCancellation(t *testing.T) {
	// Server that delays response
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL, &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = crosscapClient.Caption(ctx, []byte("img"), "a cat", chat.English, 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context") ||
		strings.Contains(err.Error(), "deadline") ||
		strings.Contains(err.Error(), "cancel"))
}

func TestClient_URLNormalization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.URL.Path, "//")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(crosscap.VersionResponse{Version: "dev"})
	}))
	defer server.Close()

	crosscapClient, err := NewCrosscapClient(server.URL+"/", nil)
	require.NoError(t, err)

	_, err = crosscapClient.GetVersion(context.Background())
	require.NoError(t, err)

	_, err = NewCrosscapClient("", nil)
	require.Error(t, err)
}
