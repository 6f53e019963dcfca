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

// Package tokenizer wraps a HuggingFace or SentencePiece tokenizer with the
// sentinel tokens MiniCPM-V prompts are built from.
package tokenizer

import (
	"sort"
	"strings"
)

// Marker texts used in prompts.
const (
	BOSText        = "<s>"
	EOSText        = "</s>"
	UnkText        = "<unk>"
	ImageStartText = "<image>"
	ImageEndText   = "</image>"
)

// Codec is the encode/decode pair of an underlying tokenizer.
// go-huggingface tokenizers satisfy it.
type Codec interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// SpecialTokens holds the sentinel IDs the pipeline depends on.
type SpecialTokens struct {
	BOS        int32
	EOS        int32
	Pad        int32
	Unk        int32
	ImageStart int32
	ImageEnd   int32
}

type addedToken struct {
	text string
	id   int32
}

// Tokenizer encodes prompts, splitting registered marker texts out before the
// remaining text reaches the codec so that markers always map to single IDs.
type Tokenizer struct {
	codec   Codec
	special SpecialTokens

	// addsBOS reports whether Encode output starts with BOS.
	addsBOS bool
	// codecAddsBOS reports whether the codec itself prepends BOS.
	codecAddsBOS bool

	added []addedToken // longest text first
	byID  map[int32]string
}

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithAddsBOS makes Encode prepend BOS, as tokenizers configured with
// add_bos_token do.
func WithAddsBOS(v bool) Option {
	return func(t *Tokenizer) { t.addsBOS = v }
}

// WithAddedToken registers an extra marker text.
func WithAddedToken(text string, id int32) Option {
	return func(t *Tokenizer) { t.register(text, id) }
}

// New wraps codec. BOS, EOS, unk and the image markers are registered as
// added tokens.
func New(codec Codec, special SpecialTokens, opts ...Option) *Tokenizer {
	t := &Tokenizer{
		codec:   codec,
		special: special,
		byID:    make(map[int32]string),
	}
	t.register(BOSText, special.BOS)
	t.register(EOSText, special.EOS)
	t.register(UnkText, special.Unk)
	t.register(ImageStartText, special.ImageStart)
	t.register(ImageEndText, special.ImageEnd)
	for _, opt := range opts {
		opt(t)
	}

	if probe := codec.Encode("a"); len(probe) > 0 && int32(probe[0]) == special.BOS {
		t.codecAddsBOS = true
	}
	return t
}

func (t *Tokenizer) register(text string, id int32) {
	for i, a := range t.added {
		if a.text == text {
			delete(t.byID, a.id)
			t.added[i].id = id
			t.byID[id] = text
			return
		}
	}
	t.added = append(t.added, addedToken{text: text, id: id})
	t.byID[id] = text
	sort.SliceStable(t.added, func(i, j int) bool {
		return len(t.added[i].text) > len(t.added[j].text)
	})
}

// Special returns the sentinel token IDs.
func (t *Tokenizer) Special() SpecialTokens { return t.special }

// AddsBOS reports whether Encode already starts its output with BOS.
func (t *Tokenizer) AddsBOS() bool { return t.addsBOS }

// Encode tokenizes text. Registered marker texts become their single IDs.
func (t *Tokenizer) Encode(text string) []int32 {
	ids := make([]int32, 0, len(text)/2+1)
	if t.addsBOS {
		ids = append(ids, t.special.BOS)
	}
	for len(text) > 0 {
		pos, tok := t.nextAdded(text)
		if pos < 0 {
			ids = t.appendFragment(ids, text)
			break
		}
		ids = t.appendFragment(ids, text[:pos])
		ids = append(ids, tok.id)
		text = text[pos+len(tok.text):]
	}
	return ids
}

// nextAdded finds the earliest registered marker; ties go to the longest.
func (t *Tokenizer) nextAdded(text string) (int, addedToken) {
	best := -1
	var found addedToken
	for _, a := range t.added {
		if a.text == "" {
			continue
		}
		if i := strings.Index(text, a.text); i >= 0 && (best < 0 || i < best) {
			best = i
			found = a
		}
	}
	return best, found
}

func (t *Tokenizer) appendFragment(ids []int32, fragment string) []int32 {
	if fragment == "" {
		return ids
	}
	enc := t.codec.Encode(fragment)
	if t.codecAddsBOS && len(enc) > 0 && int32(enc[0]) == t.special.BOS {
		enc = enc[1:]
	}
	for _, id := range enc {
		ids = append(ids, int32(id))
	}
	return ids
}

// Decode renders ids, marker IDs as their marker text.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	run := make([]int, 0, len(ids))
	flush := func() {
		if len(run) > 0 {
			sb.WriteString(t.codec.Decode(run))
			run = run[:0]
		}
	}
	for _, id := range ids {
		if text, ok := t.byID[id]; ok {
			flush()
			sb.WriteString(text)
			continue
		}
		run = append(run, int(id))
	}
	flush()
	return sb.String()
}
