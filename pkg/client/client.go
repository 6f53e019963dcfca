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

// Package client provides a Go client for the crosscap API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/bytedance/sonic"
)

// NewUserMessage creates a user turn.
func NewUserMessage(content string) chat.Message {
	return chat.Message{Role: chat.RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant turn.
func NewAssistantMessage(content string) chat.Message {
	return chat.Message{Role: chat.RoleAssistant, Content: content}
}

// CrosscapClient is a client for interacting with the crosscap API.
type CrosscapClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewCrosscapClient creates a new client.
// The baseURL should be the server address (e.g., "http://localhost:11440").
// The /api prefix is automatically appended.
func NewCrosscapClient(baseURL string, httpClient *http.Client) (*CrosscapClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CrosscapClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api",
	}, nil
}

// Caption captions image in target, guided by sourceCaption. txtHP weights
// the translation penalty.
func (c *CrosscapClient) Caption(ctx context.Context, image []byte, sourceCaption string, target chat.Language, txtHP float64) (*crosscap.CaptionResponse, error) {
	req := crosscap.CaptionRequest{
		Image:          image,
		SourceCaption:  sourceCaption,
		TargetLanguage: string(target),
		TxtHP:          txtHP,
	}
	var resp crosscap.CaptionResponse
	if err := c.do(ctx, http.MethodPost, "/caption", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chat sends one conversation turn about image. The returned messages
// include the assistant's answer.
func (c *CrosscapClient) Chat(ctx context.Context, image []byte, messages []chat.Message, sampling bool) (*crosscap.ChatResponse, error) {
	req := crosscap.ChatRequest{
		Image:    image,
		Messages: messages,
		Sampling: sampling,
	}
	var resp crosscap.ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetVersion returns crosscap version information.
func (c *CrosscapClient) GetVersion(ctx context.Context) (*crosscap.VersionResponse, error) {
	var resp crosscap.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *CrosscapClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("bad request: %s", errorMessage(data))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("service unavailable: %s", errorMessage(data))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("request timed out: %s", errorMessage(data))
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("server error: %s", errorMessage(data))
	default:
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, errorMessage(data))
	}

	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage extracts the message of a JSON {"error": ...} body, falling
// back to the raw text written by http.Error.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
