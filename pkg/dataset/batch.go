// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math/rand"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BatchProvider yields the samples of an ImageDataset in batches. It implements train.Dataset:
//
//   - inputs: one tensor with the images, float32 shaped [batch_size, height, width, 3].
//   - labels: one tensor with the labels, int32 shaped [batch_size, 1].
//
// After the last batch (which may be smaller than batchSize) Yield returns io.EOF, and Reset
// must be called before the next pass. If shuffle is enabled, every Reset draws a new order.
type BatchProvider struct {
	name        string
	ds          *ImageDataset
	batchSize   int
	shuffle     bool
	parallelism int

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*BatchProvider)(nil)

// NewBatchProvider creates a BatchProvider over ds. seed drives both the shuffling and the
// random augmentations, so a run is reproducible for a fixed seed.
func NewBatchProvider(name string, ds *ImageDataset, batchSize int, shuffle bool, seed int64) (*BatchProvider, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", batchSize, name)
	}
	if ds.Len() == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	if err := ds.Transform().Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	p := &BatchProvider{
		name:        name,
		ds:          ds,
		batchSize:   batchSize,
		shuffle:     shuffle,
		parallelism: runtime.NumCPU(),
		rng:         rand.New(rand.NewSource(seed)),
		order:       make([]int, ds.Len()),
	}
	for ii := range p.order {
		p.order[ii] = ii
	}
	p.Reset()
	return p, nil
}

// WithParallelism sets the maximum number of images loaded concurrently. Values <= 0 use
// runtime.NumCPU().
//
// It returns itself, to allow cascading configuration calls.
func (p *BatchProvider) WithParallelism(n int) *BatchProvider {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p.parallelism = n
	return p
}

// Name implements train.Dataset.
func (p *BatchProvider) Name() string { return p.name }

// NumSamples in one pass over the dataset.
func (p *BatchProvider) NumSamples() int { return p.ds.Len() }

// NumBatches in one pass over the dataset, including the last partial batch.
func (p *BatchProvider) NumBatches() int { return (p.ds.Len() + p.batchSize - 1) / p.batchSize }

// BatchSize returns the configured batch size.
func (p *BatchProvider) BatchSize() int { return p.batchSize }

// Dataset returns the underlying ImageDataset.
func (p *BatchProvider) Dataset() *ImageDataset { return p.ds }

// Reset implements train.Dataset. It restarts the pass and, if shuffling, draws a new order.
func (p *BatchProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
	if p.shuffle {
		p.rng.Shuffle(len(p.order), func(i, j int) {
			p.order[i], p.order[j] = p.order[j], p.order[i]
		})
	}
}

// Yield implements train.Dataset.
func (p *BatchProvider) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	p.mu.Lock()
	if p.next >= len(p.order) {
		p.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := min(p.next+p.batchSize, len(p.order))
	indices := p.order[p.next:end]
	p.next = end
	// Each sample gets its own generator, so augmentations don't depend on goroutine scheduling.
	seeds := make([]int64, len(indices))
	for ii := range seeds {
		seeds[ii] = p.rng.Int63()
	}
	p.mu.Unlock()

	batchSize := len(indices)
	height, width, channels := p.ds.Transform().OutputShape()
	imageSize := p.ds.Transform().OutputSize()
	flatImages := make([]float32, batchSize*imageSize)
	flatLabels := make([]int32, batchSize)

	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for ii, sampleIdx := range indices {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[ii]))
			label, err := p.ds.GetInto(sampleIdx, rng, flatImages[ii*imageSize:(ii+1)*imageSize])
			if err != nil {
				return err
			}
			flatLabels[ii] = int32(label)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "while yielding batch from dataset %q", p.name)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flatImages, batchSize, height, width, channels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flatLabels, batchSize, 1)}
	return p, inputs, labels, nil
}
