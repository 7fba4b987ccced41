// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Mode of a Transform.
type Mode int

const (
	// EvalMode uses a deterministic center crop.
	EvalMode Mode = iota

	// TrainMode uses a random resized crop followed by a random horizontal flip.
	TrainMode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case EvalMode:
		return "eval"
	case TrainMode:
		return "train"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Per-channel (RGB) normalization constants of the ImageNet-pretrained backbones.
var (
	NormalizationMean = [3]float32{0.485, 0.456, 0.406}
	NormalizationStd  = [3]float32{0.229, 0.224, 0.225}
)

const (
	// DefaultResizeSize is the side of the square images are first resized to.
	DefaultResizeSize = 364

	// DefaultCropSize is the side of the final square crop.
	DefaultCropSize = 320

	// NumChannels of the transformed images: images are always converted to RGB.
	NumChannels = 3
)

// Transform converts a decoded image into the normalized float32 HWC array fed to the model:
//
//  1. Resize to ResizeSize x ResizeSize.
//  2. TrainMode: random resized crop to CropSize and random horizontal flip.
//     EvalMode: center crop of CropSize.
//  3. Scale to [0, 1] and normalize each channel with NormalizationMean and NormalizationStd.
type Transform struct {
	Mode       Mode
	ResizeSize int
	CropSize   int

	// Random resized crop parameters (TrainMode only): range of the fraction of the area
	// cropped and range of aspect ratios.
	MinScale, MaxScale float64
	MinRatio, MaxRatio float64

	// FlipProbability is the probability of a horizontal flip (TrainMode only).
	FlipProbability float64
}

// NewTrainTransform returns the augmenting transform used for training.
func NewTrainTransform(resizeSize, cropSize int) *Transform {
	return &Transform{
		Mode:            TrainMode,
		ResizeSize:      resizeSize,
		CropSize:        cropSize,
		MinScale:        0.08,
		MaxScale:        1.0,
		MinRatio:        3.0 / 4.0,
		MaxRatio:        4.0 / 3.0,
		FlipProbability: 0.5,
	}
}

// NewEvalTransform returns the deterministic transform used for validation and test.
func NewEvalTransform(resizeSize, cropSize int) *Transform {
	return &Transform{
		Mode:       EvalMode,
		ResizeSize: resizeSize,
		CropSize:   cropSize,
	}
}

// Validate checks the sizes are consistent.
func (t *Transform) Validate() error {
	if t.ResizeSize <= 0 || t.CropSize <= 0 {
		return errors.Errorf("transform sizes must be positive, got resize=%d, crop=%d", t.ResizeSize, t.CropSize)
	}
	if t.CropSize > t.ResizeSize {
		return errors.Errorf("transform crop size %d larger than resize size %d", t.CropSize, t.ResizeSize)
	}
	return nil
}

// OutputShape returns the (height, width, channels) of the transformed images.
func (t *Transform) OutputShape() (height, width, channels int) {
	return t.CropSize, t.CropSize, NumChannels
}

// OutputSize is the number of float32 values of one transformed image.
func (t *Transform) OutputSize() int {
	return t.CropSize * t.CropSize * NumChannels
}

// Apply transforms img and writes the result into output, which must have OutputSize elements.
// rng is only used in TrainMode.
func (t *Transform) Apply(img image.Image, rng *rand.Rand, output []float32) {
	resized := imaging.Resize(img, t.ResizeSize, t.ResizeSize, imaging.Lanczos)
	var cropped *image.NRGBA
	if t.Mode == TrainMode {
		cropped = t.randomResizedCrop(resized, rng)
		if rng.Float64() < t.FlipProbability {
			cropped = imaging.FlipH(cropped)
		}
	} else {
		cropped = imaging.CropCenter(resized, t.CropSize, t.CropSize)
	}
	normalize(cropped, output)
}

// randomResizedCrop picks a random box covering a fraction of the area in [MinScale, MaxScale],
// with an aspect ratio log-uniformly distributed in [MinRatio, MaxRatio], and resizes it to CropSize.
// After 10 failed attempts to fit a box, it falls back to a center crop.
func (t *Transform) randomResizedCrop(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	area := float64(width * height)
	logMinRatio, logMaxRatio := math.Log(t.MinRatio), math.Log(t.MaxRatio)
	for range 10 {
		targetArea := area * (t.MinScale + rng.Float64()*(t.MaxScale-t.MinScale))
		ratio := math.Exp(logMinRatio + rng.Float64()*(logMaxRatio-logMinRatio))
		w := int(math.Round(math.Sqrt(targetArea * ratio)))
		h := int(math.Round(math.Sqrt(targetArea / ratio)))
		if w <= 0 || h <= 0 || w > width || h > height {
			continue
		}
		x0 := rng.Intn(width - w + 1)
		y0 := rng.Intn(height - h + 1)
		box := imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h))
		return imaging.Resize(box, t.CropSize, t.CropSize, imaging.Linear)
	}
	side := min(width, height)
	return imaging.Resize(imaging.CropCenter(img, side, side), t.CropSize, t.CropSize, imaging.Linear)
}

// normalize writes the RGB channels of img, in HWC order, scaled to [0, 1] and normalized.
func normalize(img *image.NRGBA, output []float32) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	idx := 0
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := range width {
			pixel := row[x*4 : x*4+4]
			for c := range NumChannels {
				v := float32(pixel[c]) / 255.0
				output[idx] = (v - NormalizationMean[c]) / NormalizationStd[c]
				idx++
			}
		}
	}
}
