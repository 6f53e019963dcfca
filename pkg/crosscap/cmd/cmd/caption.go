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

	"github.com/antflydb/crosscap/pkg/crosscap"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	captionImage  string
	captionSource string
	captionLang   string
	captionTxtHP  float64
	captionImgHP  float64
	captionJSON   bool
)

var captionCmd = &cobra.Command{
	Use:   "caption",
	Short: "Caption one image in a target language",
	Long: `Run one guided decode locally. The caption in the source language steers
the explanation branch, and --txt-hp penalizes tokens the text-only
translation branch would produce.`,
	Args: cobra.NoArgs,
	RunE: runCaption,
}

func init() {
	rootCmd.AddCommand(captionCmd)

	captionCmd.Flags().StringVar(&captionImage, "image", "", "image file to caption")
	captionCmd.Flags().StringVar(&captionSource, "caption", "", "caption of the image in the source language")
	captionCmd.Flags().StringVar(&captionLang, "lang", "zh", "target language (en, zh)")
	captionCmd.Flags().Float64Var(&captionTxtHP, "txt-hp", 0, "weight of the translation branch penalty")
	captionCmd.Flags().Float64Var(&captionImgHP, "img-hp", 0, "weight of the image-only branch (accepted, not applied)")
	captionCmd.Flags().BoolVar(&captionJSON, "json", false, "print the result as JSON")
	_ = captionCmd.MarkFlagRequired("image")
	_ = captionCmd.MarkFlagRequired("caption")
}

// openSession loads the configured model for a one-shot command.
func openSession(logger *zap.Logger) (*chat.Session, func(), error) {
	session, model, err := crosscap.LoadSession(configFromViper(), logger)
	if err != nil {
		return nil, nil, err
	}
	return session, func() { _ = model.Close() }, nil
}

func runCaption(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	target, err := chat.ParseLanguage(captionLang)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(captionImage)
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
	res, err := session.ChatPixels(ctx, px, captionSource, target,
		guided.Params{TxtHP: captionTxtHP, ImgHP: captionImgHP}, nil)
	if err != nil {
		return err
	}

	if captionJSON {
		return encoder.NewStreamEncoder(cmd.OutOrStdout()).Encode(crosscap.CaptionResponse{
			Text:       res.Text,
			StopReason: res.Stop.String(),
			Steps:      res.Steps,
		})
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	return err
}
