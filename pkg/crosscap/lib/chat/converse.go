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
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/generation"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ErrInvalidRole is returned for a message role other than user or
// assistant, or a conversation that does not open with a user turn.
var ErrInvalidRole = errors.New("invalid message role")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ParseMessages decodes a JSON array of messages.
func ParseMessages(s string) ([]Message, error) {
	var msgs []Message
	if err := sonic.UnmarshalString(s, &msgs); err != nil {
		return nil, fmt.Errorf("parsing messages: %w", err)
	}
	return msgs, nil
}

// ConverseOptions control a conversation turn.
type ConverseOptions struct {
	// Sampling switches the default strategy from beam search to sampling.
	Sampling bool
	// Strategy overrides the default strategy when set.
	Strategy backends.Strategy
	// MaxNewTokens defaults to generation.DefaultMaxNewTokens.
	MaxNewTokens int
	// Cache holds the image's vision features from an earlier turn.
	Cache fusion.VisionCache
}

func (o ConverseOptions) strategy() backends.Strategy {
	switch {
	case o.Strategy != nil:
		return o.Strategy
	case o.Sampling:
		return backends.DefaultSampling()
	default:
		return backends.DefaultBeamSearch()
	}
}

// ConverseResult is the answer with the conversation extended by it.
type ConverseResult struct {
	Answer   string
	Messages []Message
	Strategy backends.Strategy
	Cache    fusion.VisionCache
}

// ConversationPrompt renders msgs in the MiniCPM-V chat format with the
// image placeholder ahead of the first user turn.
func ConversationPrompt(queryNum int, msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: empty conversation", ErrInvalidRole)
	}
	var sb strings.Builder
	for i, msg := range msgs {
		content := msg.Content
		switch msg.Role {
		case RoleUser:
			sb.WriteString(UserMarker)
		case RoleAssistant:
			if i == 0 {
				return "", fmt.Errorf("%w: the first message must be from the user", ErrInvalidRole)
			}
			sb.WriteString(AssistantMarker)
		default:
			return "", fmt.Errorf("%w: %q at message %d", ErrInvalidRole, msg.Role, i)
		}
		if i == 0 {
			content = ImagePlaceholder(queryNum) + "\n" + content
		}
		sb.WriteString(content)
	}
	sb.WriteString(AssistantMarker)
	return sb.String(), nil
}

// Converse answers the last user turn of msgs about img.
func (s *Session) Converse(ctx context.Context, img image.Image, msgs []Message, opts ConverseOptions) (*ConverseResult, error) {
	var px vision.Pixels
	if img != nil {
		px = s.Preprocess(img)
	}
	return s.ConversePixels(ctx, px, msgs, opts)
}

// ConversePixels is Converse for an already preprocessed image.
func (s *Session) ConversePixels(ctx context.Context, px vision.Pixels, msgs []Message, opts ConverseOptions) (*ConverseResult, error) {
	prompt, err := ConversationPrompt(s.queryNum, msgs)
	if err != nil {
		return nil, err
	}
	var images [][]vision.Pixels
	if opts.Cache == nil {
		if len(px.Data) == 0 {
			return nil, ErrNoImage
		}
		images = [][]vision.Pixels{{px}}
	}

	strategy := opts.strategy()
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = generation.DefaultMaxNewTokens
	}

	texts, cache, err := s.Generate(ctx, []string{prompt}, images, opts.Cache,
		generation.Options{MaxNewTokens: maxNew, Strategy: strategy})
	if err != nil {
		return nil, err
	}
	answer := texts[0]
	s.logger.Debug("Conversation turn",
		zap.String("strategy", string(strategy.Kind())),
		zap.Int("turns", len(msgs)),
		zap.Int("answer_bytes", len(answer)))

	history := make([]Message, len(msgs), len(msgs)+1)
	copy(history, msgs)
	history = append(history, Message{Role: RoleAssistant, Content: answer})
	return &ConverseResult{
		Answer:   answer,
		Messages: history,
		Strategy: strategy,
		Cache:    cache,
	}, nil
}
