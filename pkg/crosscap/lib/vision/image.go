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

// Package vision preprocesses images into normalized CHW pixel tensors.
package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Pixels is one preprocessed image in CHW layout.
type Pixels struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Zeros returns an all-zero image, as used for the training-time dummy input.
func Zeros(channels, height, width int) Pixels {
	return Pixels{
		Data:     make([]float32, channels*height*width),
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// Config controls preprocessing.
type Config struct {
	// Size is the square side images are resized to.
	Size int
	Mean [3]float32
	Std  [3]float32
}

// InceptionMean and InceptionStd are the normalization constants of the
// MiniCPM-V vision tower.
var (
	InceptionMean = [3]float32{0.5, 0.5, 0.5}
	InceptionStd  = [3]float32{0.5, 0.5, 0.5}
)

// DefaultConfig resizes to 448x448 and normalizes with inception constants.
func DefaultConfig() Config {
	return Config{Size: 448, Mean: InceptionMean, Std: InceptionStd}
}

// Processor resizes with bicubic (Catmull-Rom) interpolation, rescales to
// [0, 1] and normalizes per channel.
type Processor struct {
	config Config
}

// NewProcessor creates a Processor.
func NewProcessor(config Config) *Processor {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	for i, s := range config.Std {
		if s == 0 {
			config.Std[i] = 1
		}
	}
	return &Processor{config: config}
}

// Config returns the processor configuration.
func (p *Processor) Config() Config { return p.config }

// ProcessBytes decodes and preprocesses an encoded image.
func (p *Processor) ProcessBytes(data []byte) (Pixels, error) {
	return p.ProcessReader(bytes.NewReader(data))
}

// ProcessReader decodes and preprocesses an encoded image.
func (p *Processor) ProcessReader(r io.Reader) (Pixels, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Pixels{}, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img), nil
}

// Process preprocesses a decoded image.
func (p *Processor) Process(img image.Image) Pixels {
	size := p.config.Size
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)
	return p.toTensor(resized)
}

func (p *Processor) toTensor(img *image.RGBA) Pixels {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	out := Pixels{
		Data:     make([]float32, 3*plane),
		Channels: 3,
		Height:   height,
		Width:    width,
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / 255
				out.Data[c*plane+y*width+x] = (v - p.config.Mean[c]) / p.config.Std[c]
			}
		}
	}
	return out
}
