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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/spf13/cobra"
)

var (
	chatImage        string
	chatMessage      string
	chatMessagesJSON string
	chatSampling     bool
	chatMaxNewTokens int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask a question about an image",
	Long: `Run one conversation turn locally. Pass a single question with --message
or a whole conversation as a JSON array with --messages.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&chatImage, "image", "", "image file the conversation is about")
	chatCmd.Flags().StringVar(&chatMessage, "message", "", "user message")
	chatCmd.Flags().StringVar(&chatMessagesJSON, "messages", "", `conversation as JSON, e.g. [{"role":"user","content":"..."}]`)
	chatCmd.Flags().BoolVar(&chatSampling, "sampling", false, "sample instead of beam search")
	chatCmd.Flags().IntVar(&chatMaxNewTokens, "max-new-tokens", 0, "generation bound (default 2048)")
	_ = chatCmd.MarkFlagRequired("image")
	chatCmd.MarkFlagsOneRequired("message", "messages")
	chatCmd.MarkFlagsMutuallyExclusive("message", "messages")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	msgs := []chat.Message{{Role: chat.RoleUser, Content: chatMessage}}
	if chatMessagesJSON != "" {
		var err error
		if msgs, err = chat.ParseMessages(chatMessagesJSON); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(chatImage)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	session, closeModel, err := openSession(logger)
	if err != nil {
		return err
	}
	defer closeModel()

	px, err := session.Processor().ProcessBytes(data)
	if err != nil {
		return err
	}
	res, err := session.ConversePixels(ctx, px, msgs, chat.ConverseOptions{
		Sampling:     chatSampling,
		MaxNewTokens: chatMaxNewTokens,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
	return err
}
