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
	"errors"
	"fmt"
	"strings"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
)

// ErrUnsupportedLanguage is returned for a target language without templates.
var ErrUnsupportedLanguage = errors.New("unsupported target language")

// Language is a caption language.
type Language string

const (
	English Language = "en"
	Chinese Language = "zh"
)

// ParseLanguage parses a language code.
func ParseLanguage(s string) (Language, error) {
	switch l := Language(strings.ToLower(strings.TrimSpace(s))); l {
	case English, Chinese:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: en, zh)", ErrUnsupportedLanguage, s)
	}
}

// Templates are the user turns of the three branches for one source caption.
type Templates struct {
	// Explain asks for a caption in the target language given the image
	// and the source caption.
	Explain string
	// Translate asks for a plain translation of the source caption.
	Translate string
	// Image asks for a caption from the image alone. No branch uses it yet.
	Image string
}

// TemplatesFor renders the templates producing captions in target.
func TemplatesFor(target Language, source string) (Templates, error) {
	switch target {
	case English:
		return Templates{
			Explain:   "Here is the Chinese caption of the image: " + source + "\nDescribe the image in 1 sentence in English.",
			Translate: "Translate this to English: " + source,
			Image:     "Describe the image in 1 sentence.",
		}, nil
	case Chinese:
		return Templates{
			Explain:   "这是图像的英文说明：" + source + "\n用1句话中文描述这幅图像。",
			Translate: "翻译成中文：" + source,
			Image:     "用1句话描述这幅图像。",
		}, nil
	default:
		return Templates{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, target)
	}
}

// Turn markers of the MiniCPM-V chat format.
const (
	UserMarker      = "<用户>"
	AssistantMarker = "<AI>"
)

// ImagePlaceholder is the image span the vision features are spliced over.
func ImagePlaceholder(queryNum int) string {
	return tokenizer.ImageStartText + strings.Repeat(tokenizer.UnkText, queryNum) + tokenizer.ImageEndText
}

// wrap renders a single user turn after the image placeholder, ending at
// the assistant marker.
func wrap(queryNum int, user string) string {
	return ImagePlaceholder(queryNum) + "\n" + UserMarker + user + "\n" + AssistantMarker
}
