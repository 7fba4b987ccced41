// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds the X-ray classifier: a backbone that extracts image features (a
// pretrained ONNX network, or a CNN trained from scratch) followed by a freshly created dense
// classification head with one logit per class.
//
// Hyperparameters are read from the context, see the Param* constants.
package model

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

const (
	// ParamNumClasses is the number of output classes of the head. Default is 2.
	ParamNumClasses = "num_classes"

	// ParamBackbone selects the backbone: "onnx", "cnn" or "linear". Default is "cnn".
	ParamBackbone = "backbone"

	// ParamHeadDropout is the dropout rate applied to the features before the head, during training.
	// Default is 0 (no dropout).
	ParamHeadDropout = "head_dropout"

	// BackboneScope is the context scope of the backbone variables.
	BackboneScope = "backbone"

	// HeadScope is the context scope of the classification head variables.
	HeadScope = "classifier"
)

// DType of the images and of the model.
var DType = dtypes.Float32

// Backbone extracts features from a batch of normalized images shaped [batch_size, height, width, 3].
// The features are shaped [batch_size, ...], and are flattened before the head.
type Backbone interface {
	Name() string
	Features(ctx *context.Context, images *Node) *Node
}

// Model is the classifier: a backbone and a dense head.
type Model struct {
	backbone   Backbone
	numClasses int
}

// New creates a Model with the given backbone, and the number of classes set in the context
// (ParamNumClasses).
func New(ctx *context.Context, backbone Backbone) *Model {
	return &Model{
		backbone:   backbone,
		numClasses: context.GetParamOr(ctx, ParamNumClasses, 2),
	}
}

// Backbone returns the model's backbone.
func (m *Model) Backbone() Backbone { return m.backbone }

// NumClasses returns the number of outputs of the head.
func (m *Model) NumClasses() int { return m.numClasses }

// Logits builds the model graph, returning the logits shaped [batch_size, num_classes].
func (m *Model) Logits(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("model expects images shaped [batch_size, height, width, channels], got %s", images.Shape())
	}
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	features := m.backbone.Features(ctx.In(BackboneScope), images)
	if features.Rank() != 2 {
		features = Reshape(features, batchSize, -1)
	}
	if features.DType() != DType {
		features = ConvertDType(features, DType)
	}
	dropoutRate := context.GetParamOr(ctx, ParamHeadDropout, 0.0)
	if dropoutRate > 0 {
		features = layers.DropoutNormalize(ctx.In("head_dropout"), features, Scalar(g, DType, dropoutRate), true)
	}
	logits := layers.Dense(ctx.In(HeadScope), features, true, m.numClasses)
	logits.AssertDims(batchSize, m.numClasses)
	return logits
}

// BackboneFromContext creates the backbone selected by ParamBackbone.
// The "onnx" backbone requires onnxPath to point to the model file.
func BackboneFromContext(ctx *context.Context, onnxPath string) (Backbone, error) {
	name := context.GetParamOr(ctx, ParamBackbone, "cnn")
	switch name {
	case "cnn":
		return CNN{}, nil
	case "linear":
		return Linear{}, nil
	case "onnx":
		if onnxPath == "" {
			return nil, errors.Errorf("backbone %q requires the path to an ONNX model", name)
		}
		return NewONNX(ctx, onnxPath)
	}
	return nil, errors.Errorf("unknown backbone %q, valid values are \"onnx\", \"cnn\" and \"linear\"", name)
}

// Linear is a parameterless backbone: the features are the per-channel mean of the image.
// It makes the head a plain logistic regression, handy for tests and as a baseline.
type Linear struct{}

// Name implements Backbone.
func (Linear) Name() string { return "linear" }

// Features implements Backbone.
func (Linear) Features(_ *context.Context, images *Node) *Node {
	return ReduceMean(images, 1, 2)
}
