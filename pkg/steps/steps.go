// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package steps runs one pass of training or evaluation of the classifier over a whole split.
//
// The loss is the class-weighted cross-entropy: each example's loss is scaled by the weight of its
// true class, and the batch loss is the weighted mean, sum(w_i * ce_i) / sum(w_i).
package steps

import (
	"io"
	"math"

	"github.com/gomlx/chestxray/pkg/auc"
	"github.com/gomlx/chestxray/pkg/classweights"
	"github.com/gomlx/chestxray/pkg/model"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PositiveClass is the class whose probability is used as score for the AUC.
const PositiveClass = 1

// TrainResult of one training pass.
type TrainResult struct {
	// Loss is the mean of the batch losses, weighted by the batch sizes.
	Loss float64

	// Accuracy is the fraction of the samples classified correctly, while the model was being trained.
	Accuracy float64

	NumSamples int
}

// EvalResult of one evaluation pass.
type EvalResult struct {
	Loss     float64
	Accuracy float64

	// Predictions, Labels and Probabilities are in the order the samples were yielded.
	Predictions   []int
	Labels        []int
	Probabilities [][]float32

	// AUC of the positive class probabilities.
	AUC float64
}

// BatchFn is called after each batch with the number of samples processed in it.
// It is used to drive progress bars, and can be nil.
type BatchFn func(batchSize int)

// Trainer runs training and evaluation passes of a model.
//
// The model parameters are the variables in the context: they are only changed by TrainEpoch.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	model     *model.Model
	optimizer optimizers.Interface

	trainExec, evalExec *context.Exec
}

// NewTrainer creates a Trainer for the model, whose variables are stored in ctx.
// The backend (the device where the computation runs) is fixed for the lifetime of the Trainer.
func NewTrainer(backend backends.Backend, ctx *context.Context, m *model.Model, optimizer optimizers.Interface) (*Trainer, error) {
	t := &Trainer{
		backend:   backend,
		ctx:       ctx,
		model:     m,
		optimizer: optimizer,
	}
	var err error
	t.trainExec, err = context.NewExec(backend, ctx.Checked(false), t.trainGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create training step")
	}
	t.evalExec, err = context.NewExec(backend, ctx.Checked(false), t.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation step")
	}
	return t, nil
}

// Context returns the context holding the model variables.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Backend returns the backend used to run the model.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// weightedLoss returns the class-weighted mean cross-entropy and the logits.
//
// labels are shaped [batch_size, 1] (int32), classWeights [num_classes] (float32).
func (t *Trainer) weightedLoss(ctx *context.Context, images, labels, classWeights *Node) (loss, logits *Node) {
	logits = t.model.Logits(ctx, images)
	// Per-example weights, shaped [batch_size].
	weights := Gather(classWeights, labels)
	perExample := losses.SparseCategoricalCrossEntropyLogits([]*Node{labels, weights}, []*Node{logits})
	loss = Div(ReduceAllSum(perExample), ReduceAllSum(weights))
	return
}

// numCorrect returns the number of examples where the logits argmax matches the label, as an int32 scalar.
func numCorrect(logits, labels *Node) *Node {
	predictions := ArgMax(logits, -1, labels.DType())
	matches := Equal(predictions, Reshape(labels, -1))
	return ReduceAllSum(ConvertDType(matches, dtypes.Int32))
}

// trainGraph runs one optimization step: forward pass in training mode, loss, gradients and update.
func (t *Trainer) trainGraph(ctx *context.Context, images, labels, classWeights *Node) (loss, correct *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	loss, logits := t.weightedLoss(ctx, images, labels, classWeights)
	t.optimizer.UpdateGraph(ctx, g, loss)
	correct = numCorrect(logits, labels)
	return
}

// evalGraph returns the loss and the class probabilities, without changing any variables.
func (t *Trainer) evalGraph(ctx *context.Context, images, labels, classWeights *Node) (loss, probabilities *Node) {
	ctx.SetTraining(images.Graph(), false)
	loss, logits := t.weightedLoss(ctx, images, labels, classWeights)
	probabilities = Softmax(logits, -1)
	return
}

// weightsTensor validates the class weights against the model and converts them to a tensor.
func (t *Trainer) weightsTensor(weights classweights.Weights) (*tensors.Tensor, error) {
	if weights.NumClasses() != t.model.NumClasses() {
		return nil, errors.Errorf("got %d class weights for a model with %d classes", weights.NumClasses(), t.model.NumClasses())
	}
	return tensors.FromFlatDataAndDimensions(weights.Float32(), weights.NumClasses()), nil
}

// TrainEpoch resets ds (reshuffling it, if it shuffles) and runs one optimization step per batch,
// until ds is exhausted. Any error aborts the pass.
func (t *Trainer) TrainEpoch(ds train.Dataset, weights classweights.Weights, onBatch BatchFn) (TrainResult, error) {
	weightsT, err := t.weightsTensor(weights)
	if err != nil {
		return TrainResult{}, err
	}
	defer finalize(weightsT)

	ds.Reset()
	var sumLoss float64
	var correct, count int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return TrainResult{}, errors.WithMessagef(err, "training on dataset %q", ds.Name())
		}
		batchSize := labels[0].Shape().Dimensions[0]
		var lossT, correctT *tensors.Tensor
		var execErr error
		err = exceptions.TryCatch[error](func() {
			lossT, correctT, execErr = t.trainExec.Exec2(inputs[0], labels[0], weightsT)
		})
		if err == nil {
			err = execErr
		}
		finalize(inputs...)
		finalize(labels...)
		if err != nil {
			return TrainResult{}, errors.WithMessagef(err, "training step on dataset %q", ds.Name())
		}
		batchLoss := float64(tensors.ToScalar[float32](lossT))
		correct += int(tensors.ToScalar[int32](correctT))
		finalize(lossT, correctT)
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return TrainResult{}, errors.Errorf("training on dataset %q: loss became %g after %d samples", ds.Name(), batchLoss, count)
		}
		sumLoss += batchLoss * float64(batchSize)
		count += batchSize
		if onBatch != nil {
			onBatch(batchSize)
		}
	}
	if count == 0 {
		return TrainResult{}, errors.Errorf("dataset %q yielded no samples for training", ds.Name())
	}
	klog.V(2).Infof("trained on %d samples of %q, global step %d", count, ds.Name(), optimizers.GetGlobalStep(t.ctx))
	return TrainResult{
		Loss:       sumLoss / float64(count),
		Accuracy:   float64(correct) / float64(count),
		NumSamples: count,
	}, nil
}

// Evaluate resets ds and runs the model in inference mode over all its batches, collecting
// predictions, labels and probabilities. It doesn't change the model parameters.
//
// The AUC is computed on the probabilities of PositiveClass. If the split holds a single class
// the AUC is undefined: the metric error (wrapping auc.ErrSingleClass) is returned along with
// the rest of the result, and AUC is left as 0.
func (t *Trainer) Evaluate(ds train.Dataset, weights classweights.Weights, onBatch BatchFn) (EvalResult, error) {
	weightsT, err := t.weightsTensor(weights)
	if err != nil {
		return EvalResult{}, err
	}
	defer finalize(weightsT)

	ds.Reset()
	var result EvalResult
	var sumLoss float64
	var correct int
	numClasses := t.model.NumClasses()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EvalResult{}, errors.WithMessagef(err, "evaluating on dataset %q", ds.Name())
		}
		batchLabels := tensors.MustCopyFlatData[int32](labels[0])
		var lossT, probsT *tensors.Tensor
		var execErr error
		err = exceptions.TryCatch[error](func() {
			lossT, probsT, execErr = t.evalExec.Exec2(inputs[0], labels[0], weightsT)
		})
		if err == nil {
			err = execErr
		}
		finalize(inputs...)
		finalize(labels...)
		if err != nil {
			return EvalResult{}, errors.WithMessagef(err, "evaluation step on dataset %q", ds.Name())
		}
		batchLoss := float64(tensors.ToScalar[float32](lossT))
		flatProbs := tensors.MustCopyFlatData[float32](probsT)
		finalize(lossT, probsT)

		batchSize := len(batchLabels)
		for ii, label := range batchLabels {
			probs := flatProbs[ii*numClasses : (ii+1)*numClasses]
			prediction := argMax(probs)
			if prediction == int(label) {
				correct++
			}
			result.Predictions = append(result.Predictions, prediction)
			result.Labels = append(result.Labels, int(label))
			result.Probabilities = append(result.Probabilities, probs)
		}
		sumLoss += batchLoss * float64(batchSize)
		if onBatch != nil {
			onBatch(batchSize)
		}
	}
	count := len(result.Labels)
	if count == 0 {
		return EvalResult{}, errors.Errorf("dataset %q yielded no samples for evaluation", ds.Name())
	}
	result.Loss = sumLoss / float64(count)
	result.Accuracy = float64(correct) / float64(count)
	result.AUC, err = auc.FromProbabilities(result.Labels, result.Probabilities, PositiveClass)
	if err != nil {
		return result, errors.WithMessagef(err, "computing AUC on dataset %q", ds.Name())
	}
	return result, nil
}

// argMax returns the index of the largest value, the first one in case of ties.
func argMax(values []float32) int {
	best := 0
	for ii, v := range values[1:] {
		if v > values[best] {
			best = ii + 1
		}
	}
	return best
}

func finalize(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("failed to finalize tensor: %+v", err)
		}
	}
}
