// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads the chest X-ray images referenced by a labeled table, transforms them
// into normalized float32 arrays and groups them into batches of tensors for training and evaluation.
//
// ImageDataset gives indexed access to individual samples, and BatchProvider implements
// gomlx's train.Dataset on top of it.
package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/chestxray/pkg/table"
	"github.com/pkg/errors"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrIndexOutOfRange is returned (wrapped) by ImageDataset.Get for invalid indices.
var ErrIndexOutOfRange = errors.New("index out of range")

// LoadError is returned when an image file is missing or can't be decoded.
// It is a data error: the run aborts on it.
type LoadError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load image %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// ImageDataset pairs a table with the directory holding its images and a transform.
type ImageDataset struct {
	table     *table.Table
	rootDir   string
	transform *Transform
}

// New creates an ImageDataset. Image identifiers in the table are resolved relative to rootDir.
func New(samples *table.Table, rootDir string, transform *Transform) *ImageDataset {
	return &ImageDataset{
		table:     samples,
		rootDir:   rootDir,
		transform: transform,
	}
}

// Len returns the number of samples.
func (ds *ImageDataset) Len() int { return ds.table.Len() }

// Table returns the underlying table.
func (ds *ImageDataset) Table() *table.Table { return ds.table }

// Transform returns the transform applied to the images.
func (ds *ImageDataset) Transform() *Transform { return ds.transform }

// Path returns the file path of the image of sample i. It doesn't check i.
func (ds *ImageDataset) Path(i int) string {
	return filepath.Join(ds.rootDir, filepath.FromSlash(ds.table.Samples[i].ImageID))
}

// Get loads and transforms the image of sample i, returning it as a float32 array shaped
// [height, width, 3] (see Transform.OutputShape) and its label.
//
// rng drives the random augmentations in TrainMode. If nil, a time-seeded one is used.
func (ds *ImageDataset) Get(i int, rng *rand.Rand) (image []float32, label int, err error) {
	image = make([]float32, ds.transform.OutputSize())
	label, err = ds.GetInto(i, rng, image)
	if err != nil {
		return nil, 0, err
	}
	return image, label, nil
}

// GetInto is like Get, but writes the transformed image into output, which must have
// Transform().OutputSize() elements.
func (ds *ImageDataset) GetInto(i int, rng *rand.Rand, output []float32) (label int, err error) {
	if i < 0 || i >= ds.Len() {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "sample %d requested from dataset %q with %d samples",
			i, ds.table.Split, ds.Len())
	}
	if len(output) != ds.transform.OutputSize() {
		return 0, errors.Errorf("output buffer has %d elements, transformed image requires %d",
			len(output), ds.transform.OutputSize())
	}
	path := ds.Path(i)
	img, err := decodeImage(path)
	if err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}
	if rng == nil && ds.transform.Mode == TrainMode {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ds.transform.Apply(img, rng, output)
	return ds.table.Samples[i].Label, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decoding")
	}
	return img, nil
}
