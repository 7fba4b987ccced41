// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"io"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamONNXFeatures is the name of the ONNX graph output used as features: usually the
	// output of the global pooling, before the pretrained classification layer. If empty, the
	// first output of the model is used.
	ParamONNXFeatures = "onnx_features"

	// ParamONNXChannelsFirst indicates the ONNX model takes images as [batch, channels, height, width]
	// (the default, as most models exported from PyTorch do).
	ParamONNXChannelsFirst = "onnx_channels_first"

	// ParamFreezeBackbone disables training of the pretrained backbone variables: only the head is trained.
	// Default is false (fine-tune the whole network).
	ParamFreezeBackbone = "freeze_backbone"
)

// ONNX is a pretrained backbone loaded from an ONNX model. Its weights are converted to
// context variables (in BackboneScope), so they are fine-tuned and saved with the checkpoints.
type ONNX struct {
	model         onnx.Model
	path          string
	inputName     string
	featuresName  string
	channelsFirst bool
}

var _ io.Closer = (*ONNX)(nil)

// NewONNX reads the ONNX model in path and loads its weights into ctx, under BackboneScope.
//
// If the context already holds the backbone variables (e.g.: they were loaded from a checkpoint),
// those values are kept.
func NewONNX(ctx *context.Context, path string) (*ONNX, error) {
	model, err := parser.ParseFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model %q", path)
	}
	inputNames, _ := model.Inputs()
	if len(inputNames) != 1 {
		return nil, errors.Errorf("ONNX backbone %q must have exactly one input (the images), it has %q", path, inputNames)
	}
	outputNames, _ := model.Outputs()
	featuresName := context.GetParamOr(ctx, ParamONNXFeatures, "")
	if featuresName == "" {
		if len(outputNames) == 0 {
			return nil, errors.Errorf("ONNX model %q has no outputs", path)
		}
		featuresName = outputNames[0]
	} else if !slices.Contains(outputNames, featuresName) {
		// Intermediary nodes can also be used as outputs: it's only logged.
		klog.V(1).Infof("ONNX features %q is not one of the model outputs %q, assuming it's an internal node", featuresName, outputNames)
	}
	b := &ONNX{
		model:         model,
		path:          path,
		inputName:     inputNames[0],
		featuresName:  featuresName,
		channelsFirst: context.GetParamOr(ctx, ParamONNXChannelsFirst, true),
	}

	backboneCtx := ctx.In(BackboneScope)
	if hasVariablesInScope(backboneCtx) {
		klog.V(1).Infof("backbone variables already in context, not loading weights from %q", path)
	} else if err = model.VariablesToContext(backboneCtx); err != nil {
		return nil, errors.WithMessagef(err, "failed to load ONNX %q weights into context", path)
	}
	if context.GetParamOr(ctx, ParamFreezeBackbone, false) {
		for v := range backboneCtx.IterVariablesInScope() {
			v.SetTrainable(false)
		}
	}
	klog.V(1).Infof("ONNX backbone %q: input %q, features %q, channels first=%v",
		path, b.inputName, b.featuresName, b.channelsFirst)
	return b, nil
}

func hasVariablesInScope(ctx *context.Context) bool {
	for range ctx.IterVariablesInScope() {
		return true
	}
	return false
}

// Name implements Backbone.
func (b *ONNX) Name() string { return "onnx" }

// Close releases the resources of the ONNX model.
func (b *ONNX) Close() error {
	return errors.WithMessagef(b.model.Close(), "failed to close ONNX model %q", b.path)
}

// Features implements Backbone.
func (b *ONNX) Features(ctx *context.Context, images *Node) *Node {
	x := images
	if b.channelsFirst {
		x = TransposeAllAxes(x, 0, 3, 1, 2)
	}
	outputs := b.model.CallGraph(ctx, x.Graph(), map[string]*Node{b.inputName: x}, b.featuresName)
	return outputs[0]
}
