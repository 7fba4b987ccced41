// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamCNNNumBlocks is the number of convolution blocks (convolution, activation,
	// normalization and a 2x2 stride-2 convolution to downsample). Default is 4.
	ParamCNNNumBlocks = "cnn_num_blocks"

	// ParamCNNChannels is the number of channels of the first block. It doubles every block,
	// up to 256. Default is 16.
	ParamCNNChannels = "cnn_channels"

	// ParamCNNNormalization is the normalization after each convolution: "layer", "batch" or "none".
	// Default is "layer". Batch normalization needs a backend that supports it in inference,
	// the pure Go backend doesn't.
	ParamCNNNormalization = "cnn_normalization"
)

// CNN is a small convolutional backbone trained from scratch, used when no pretrained
// model is available. Features are the global average pool of the last block.
type CNN struct{}

// Name implements Backbone.
func (CNN) Name() string { return "cnn" }

// Features implements Backbone.
func (CNN) Features(ctx *context.Context, images *Node) *Node {
	numBlocks := context.GetParamOr(ctx, ParamCNNNumBlocks, 4)
	channels := context.GetParamOr(ctx, ParamCNNChannels, 16)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := images
	for range numBlocks {
		x = layers.Convolution(nextCtx("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = normalizeCNN(nextCtx("norm"), x)
		// Strided convolution instead of max-pooling: the pure Go backend has no max-pooling gradient.
		if x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
			x = layers.Convolution(nextCtx("downsample"), x).Channels(channels).KernelSize(2).Strides(2).Done()
		}
		channels = min(2*channels, 256)
	}
	// Global average pooling over the spatial axes.
	return ReduceMean(x, 1, 2)
}

func normalizeCNN(ctx *context.Context, x *Node) *Node {
	normalizationType := context.GetParamOr(ctx, ParamCNNNormalization, "layer")
	switch normalizationType {
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).Done()
	case "none", "":
		return x
	default:
		exceptions.Panicf("invalid normalization type %q -- set it with parameter %q", normalizationType, ParamCNNNormalization)
		panic(nil)
	}
}
