package regression

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/Noofbiz/coalwatch/datasets"
)

// EpochMetrics records the losses of one training epoch.
type EpochMetrics struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValMAE    float64
}

// History records the metrics of a whole fit.
type History struct {
	Epochs       []EpochMetrics
	BestEpoch    int
	StoppedEarly bool
}

// Trainer drives the minibatch optimization of a Model: the train/val loop
// with early stopping, single-step updates and evaluation. All hyperparameters
// come from the model's Config.
type Trainer struct {
	Model *Model

	opt *optimizerState
}

// NewTrainer creates a trainer for the model.
func NewTrainer(m *Model) (*Trainer, error) {
	if m == nil {
		return nil, errors.New("model is nil")
	}
	return &Trainer{Model: m, opt: &optimizerState{}}, nil
}

// Fit runs the full training loop against the data module: per epoch one pass
// over the train loader followed by a validation evaluation. When the
// validation loss fails to improve for Patience epochs in a row, training
// stops early and the best weights are restored.
func (t *Trainer) Fit(dm *datasets.DataModule) (*History, error) {
	if dm == nil {
		return nil, errors.New("data module is nil")
	}
	if dm.TrainDataset() == nil {
		if err := dm.Setup(datasets.StageFit); err != nil {
			return nil, err
		}
	}

	cfg := t.Model.Config
	hist := &History{}
	bestVal := math.Inf(1)
	var best modelState
	haveBest := false
	bad := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		dm.TrainDataset().Shuffle(cfg.Seed + int64(epoch))

		loader, err := dm.TrainLoader()
		if err != nil {
			return nil, err
		}
		trainLoss := 0.0
		batches := 0
		for {
			batch, err := loader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			loss, err := t.TrainBatch(batch)
			if err != nil {
				return nil, err
			}
			trainLoss += loss
			batches++
		}
		if batches == 0 {
			return nil, errors.New("training epoch produced no batches")
		}
		trainLoss /= float64(batches)

		valLoader, err := dm.ValLoader()
		if err != nil {
			return nil, err
		}
		valLoss, valMAE, err := t.Evaluate(valLoader)
		if err != nil {
			return nil, err
		}

		hist.Epochs = append(hist.Epochs, EpochMetrics{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			ValLoss:   valLoss,
			ValMAE:    valMAE,
		})

		if valLoss < bestVal {
			bestVal = valLoss
			best = t.Model.snapshot()
			haveBest = true
			hist.BestEpoch = epoch
			bad = 0
			continue
		}
		bad++
		if cfg.Patience > 0 && bad >= cfg.Patience {
			hist.StoppedEarly = true
			break
		}
	}

	if haveBest {
		t.Model.restore(best)
	}
	return hist, nil
}

// TrainBatch runs one optimization step on the batch and returns its mean
// squared error before the update.
func (t *Trainer) TrainBatch(batch *datasets.Batch) (float64, error) {
	if batch == nil || batch.Len() == 0 {
		return 0, errors.New("batch is empty")
	}
	m := t.Model
	grads := m.newGrads()

	lossSum := 0.0
	for i, img := range batch.Images {
		pred, hCache, bbCache, err := m.forwardExample(img, batch.Channels, batch.ImageSize)
		if err != nil {
			return 0, err
		}
		diff := float64(pred) - float64(batch.Targets[i])
		lossSum += diff * diff

		dFeats := m.backwardHead(hCache, float32(2.0*diff), grads)
		if grads.Backbone != nil {
			m.Backbone.Backward(bbCache, dFeats, grads.Backbone)
		}
	}

	weights, gs := m.params(grads)
	scale := float32(1.0 / float64(batch.Len()))
	for _, g := range gs {
		for i := range g {
			g[i] *= scale
		}
	}
	clipGradients(gs, m.Config.ClipNorm)
	t.opt.step(weights, gs, m.Config)

	return lossSum / float64(batch.Len()), nil
}

// Evaluate runs a pure forward pass over the loader and returns the mean
// squared error and mean absolute error across all examples.
func (t *Trainer) Evaluate(loader *datasets.Loader) (mse, mae float64, err error) {
	n := 0
	for {
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		preds, err := t.Model.PredictBatch(batch)
		if err != nil {
			return 0, 0, err
		}
		for i, pred := range preds {
			diff := float64(pred) - float64(batch.Targets[i])
			mse += diff * diff
			mae += math.Abs(diff)
			n++
		}
	}
	if n == 0 {
		return 0, 0, errors.New("evaluation saw no examples")
	}
	return mse / float64(n), mae / float64(n), nil
}

// OverfitBatch repeatedly trains on a single batch and returns the loss after
// each step. The sanity check passes when the loop can drive the loss toward
// zero, confirming model, gradients and optimizer are wired correctly before
// a long training run.
func (t *Trainer) OverfitBatch(batch *datasets.Batch, steps int) ([]float64, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("steps must be positive, got %d", steps)
	}
	losses := make([]float64, 0, steps)
	for s := 0; s < steps; s++ {
		loss, err := t.TrainBatch(batch)
		if err != nil {
			return nil, err
		}
		losses = append(losses, loss)
	}
	return losses, nil
}

// clipGradients scales all gradients so their global L2 norm does not exceed
// clipNorm. Non-positive clipNorm disables clipping.
func clipGradients(grads [][]float32, clipNorm float64) {
	if clipNorm <= 0 {
		return
	}
	sum := 0.0
	for _, g := range grads {
		for _, v := range g {
			sum += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sum)
	if norm <= clipNorm {
		return
	}
	scale := float32(clipNorm / norm)
	for _, g := range grads {
		for i := range g {
			g[i] *= scale
		}
	}
}

// optimizerState keeps the Adam moment buffers between steps. The buffers are
// allocated lazily on the first step so they match the parameter layout.
type optimizerState struct {
	m [][]float32
	v [][]float32
	t int
}

// step applies one SGD or Adam update to the parameters in place.
func (o *optimizerState) step(weights, grads [][]float32, cfg Config) {
	lr := float32(cfg.LearningRate)
	if cfg.Optimizer == "sgd" {
		for pi, w := range weights {
			g := grads[pi]
			for i := range w {
				w[i] -= lr * g[i]
			}
		}
		return
	}

	if o.m == nil {
		o.m = make([][]float32, len(weights))
		o.v = make([][]float32, len(weights))
		for i, w := range weights {
			o.m[i] = make([]float32, len(w))
			o.v[i] = make([]float32, len(w))
		}
	}
	o.t++

	beta1 := cfg.Beta1
	beta2 := cfg.Beta2
	correction1 := 1.0 - math.Pow(beta1, float64(o.t))
	correction2 := 1.0 - math.Pow(beta2, float64(o.t))

	for pi, w := range weights {
		g := grads[pi]
		mBuf, vBuf := o.m[pi], o.v[pi]
		for i := range w {
			gv := float64(g[i])
			mv := beta1*float64(mBuf[i]) + (1-beta1)*gv
			vv := beta2*float64(vBuf[i]) + (1-beta2)*gv*gv
			mBuf[i] = float32(mv)
			vBuf[i] = float32(vv)

			mHat := mv / correction1
			vHat := vv / correction2
			w[i] -= lr * float32(mHat/(math.Sqrt(vHat)+cfg.Epsilon))
		}
	}
}
