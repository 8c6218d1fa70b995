package regression

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/coalwatch/datasets"
)

func TestTrainBatchValidation(t *testing.T) {
	m := testModel(t, Config{Seed: 1, HiddenSizes: []int{8}})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	if _, err := trainer.TrainBatch(nil); err == nil {
		t.Fatalf("expected error for nil batch")
	}
	if _, err := trainer.TrainBatch(&datasets.Batch{}); err == nil {
		t.Fatalf("expected error for empty batch")
	}
	if _, err := trainer.OverfitBatch(&datasets.Batch{}, 0); err == nil {
		t.Fatalf("expected error for non-positive step count")
	}

	if _, err := NewTrainer(nil); err == nil {
		t.Fatalf("expected error for nil model")
	}
}

// batchLoss computes the mean squared error of the model on the batch without
// touching any weights.
func batchLoss(t *testing.T, m *Model, batch *datasets.Batch) float64 {
	t.Helper()
	preds, err := m.PredictBatch(batch)
	if err != nil {
		t.Fatalf("failed to predict: %v", err)
	}
	loss := 0.0
	for i, p := range preds {
		diff := float64(p) - float64(batch.Targets[i])
		loss += diff * diff
	}
	return loss / float64(batch.Len())
}

// accumulateGrads replicates one backward pass of TrainBatch: batch-averaged
// gradients, no optimizer step.
func accumulateGrads(t *testing.T, m *Model, batch *datasets.Batch) *Grads {
	t.Helper()
	grads := m.newGrads()
	for i, img := range batch.Images {
		pred, hCache, bbCache, err := m.forwardExample(img, batch.Channels, batch.ImageSize)
		if err != nil {
			t.Fatalf("forward pass failed: %v", err)
		}
		diff := float64(pred) - float64(batch.Targets[i])
		dFeats := m.backwardHead(hCache, float32(2.0*diff), grads)
		if grads.Backbone != nil {
			m.Backbone.Backward(bbCache, dFeats, grads.Backbone)
		}
	}
	_, gs := m.params(grads)
	scale := float32(1.0 / float64(batch.Len()))
	for _, g := range gs {
		for i := range g {
			g[i] *= scale
		}
	}
	return grads
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	backbone, err := NewBackbone(datasets.ImageChannels, []int{2}, 9)
	if err != nil {
		t.Fatalf("failed to build backbone: %v", err)
	}
	m, err := NewModel(backbone, Config{Seed: 9, HiddenSizes: []int{3}})
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}

	rng := rand.New(rand.NewSource(10))
	batch := synthBatch(rng, 2, 4)

	grads := accumulateGrads(t, m, batch)

	// Spot-check a handful of parameters against a central difference.
	checks := []struct {
		name  string
		param []float32
		grad  []float32
		idx   int
	}{
		{"head weight", m.weights[0], grads.HeadW[0], 0},
		{"head bias", m.biases[0], grads.HeadB[0], 1},
		{"output weight", m.weights[1], grads.HeadW[1], 2},
		{"conv weight", m.Backbone.Convs[0].W, grads.Backbone.W[0], 5},
		{"conv bias", m.Backbone.Convs[0].B, grads.Backbone.B[0], 0},
	}
	const eps = 1e-2
	for _, c := range checks {
		orig := c.param[c.idx]
		c.param[c.idx] = orig + eps
		plus := batchLoss(t, m, batch)
		c.param[c.idx] = orig - eps
		minus := batchLoss(t, m, batch)
		c.param[c.idx] = orig

		numeric := (plus - minus) / (2 * eps)
		analytic := float64(c.grad[c.idx])
		diff := math.Abs(numeric - analytic)
		if diff > 5e-3 && diff > 0.3*math.Abs(numeric) {
			t.Fatalf("%s[%d]: analytic gradient %v, finite difference %v",
				c.name, c.idx, analytic, numeric)
		}
	}
}

func TestOverfitBatchDrivesLossDown(t *testing.T) {
	m := testModel(t, Config{Seed: 12, HiddenSizes: []int{8}, LearningRate: 0.01})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	rng := rand.New(rand.NewSource(13))
	batch := synthBatch(rng, 8, 16)

	losses, err := trainer.OverfitBatch(batch, 150)
	if err != nil {
		t.Fatalf("failed to overfit batch: %v", err)
	}
	if len(losses) != 150 {
		t.Fatalf("expected 150 loss values, got %d", len(losses))
	}
	for s, loss := range losses {
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("loss at step %d is not finite: %v", s, loss)
		}
	}
	first, last := losses[0], losses[len(losses)-1]
	if last >= first {
		t.Fatalf("loss did not decrease: first %v, last %v", first, last)
	}
	if last > 0.5*first {
		t.Fatalf("loss barely moved over 150 steps: first %v, last %v", first, last)
	}
}

func TestTrainBatchSGD(t *testing.T) {
	m := testModel(t, Config{Seed: 14, HiddenSizes: []int{8}, Optimizer: "sgd", LearningRate: 0.01})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	rng := rand.New(rand.NewSource(15))
	batch := synthBatch(rng, 8, 16)

	losses, err := trainer.OverfitBatch(batch, 200)
	if err != nil {
		t.Fatalf("failed to overfit batch with sgd: %v", err)
	}
	if losses[len(losses)-1] >= losses[0] {
		t.Fatalf("sgd loss did not decrease: first %v, last %v", losses[0], losses[len(losses)-1])
	}
}

func TestFrozenBackboneDoesNotChange(t *testing.T) {
	m := testModel(t, Config{Seed: 16, HiddenSizes: []int{8}, FreezeBackbone: true, LearningRate: 0.01})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	before := append([]float32(nil), m.Backbone.Convs[0].W...)

	rng := rand.New(rand.NewSource(17))
	batch := synthBatch(rng, 4, 16)
	if _, err := trainer.OverfitBatch(batch, 20); err != nil {
		t.Fatalf("failed to train with frozen backbone: %v", err)
	}

	for i, w := range m.Backbone.Convs[0].W {
		if w != before[i] {
			t.Fatalf("frozen backbone weight %d changed: %v vs %v", i, before[i], w)
		}
	}
}

// writeTrainingFixture builds the three-CSV dataset plus chips used by the
// Fit tests: chip brightness tracks emissions so the imagery is learnable.
func writeTrainingFixture(t *testing.T, dir string, numFacilities int) datasets.ModuleConfig {
	t.Helper()

	writeCSVFile := func(path, header string, rows []string) {
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("failed to create csv %s: %v", path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(header + "\n"); err != nil {
			t.Fatalf("failed to write header: %v", err)
		}
		for _, r := range rows {
			if _, err := f.WriteString(r + "\n"); err != nil {
				t.Fatalf("failed to write row: %v", err)
			}
		}
	}

	writeChip := func(path string, value uint8) {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.Set(x, y, color.RGBA{R: value, G: value, B: value, A: 255})
			}
		}
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("failed to create png %s: %v", path, err)
		}
		defer f.Close()
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("failed to encode png %s: %v", path, err)
		}
	}

	var facilityRows, emissionRows, imageRows []string
	for id := 1; id <= numFacilities; id++ {
		facilityRows = append(facilityRows, fmt.Sprintf("%d,Plant %d,39.1,-84.5", id, id))

		value := uint8(40 + (id*5)%200)
		chip := filepath.Join(dir, fmt.Sprintf("chip_%d.png", id))
		writeChip(chip, value)

		for _, day := range []string{"2021-06-01", "2021-06-02", "2023-06-01"} {
			emissionRows = append(emissionRows, fmt.Sprintf("%d,%s,%.3f", id, day, float64(value)/255.0))
			imageRows = append(imageRows, fmt.Sprintf("%d,%s,%s,0.1", id, day, chip))
		}
	}

	cfg := datasets.ModuleConfig{
		ImageMetadataPath:   filepath.Join(dir, "image_metadata.csv"),
		CampdFacilitiesPath: filepath.Join(dir, "campd_facilities.csv"),
		CampdEmissionsPath:  filepath.Join(dir, "campd_emissions.csv"),
		ImageSize:           16,
		BatchSize:           16,
		Seed:                21,
	}
	writeCSVFile(cfg.ImageMetadataPath, "facility_id,ts,cog_url,cloud_cover", imageRows)
	writeCSVFile(cfg.CampdFacilitiesPath, "facility_id,facility_name,latitude,longitude", facilityRows)
	writeCSVFile(cfg.CampdEmissionsPath, "facility_id,ts,co2_mass_short_tons", emissionRows)
	return cfg
}

func TestFitRunsAllEpochs(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTrainingFixture(t, dir, 50)

	dm, err := datasets.NewDataModule(cfg)
	if err != nil {
		t.Fatalf("failed to build data module: %v", err)
	}

	m := testModel(t, Config{Seed: 22, HiddenSizes: []int{8}, Epochs: 2})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	// Fit sets up the fit stage itself when needed.
	hist, err := trainer.Fit(dm)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(hist.Epochs) != 2 {
		t.Fatalf("expected 2 epochs, got %d", len(hist.Epochs))
	}
	if hist.StoppedEarly {
		t.Fatalf("fit should not stop early without patience")
	}
	for _, e := range hist.Epochs {
		if math.IsNaN(e.TrainLoss) || math.IsNaN(e.ValLoss) || math.IsNaN(e.ValMAE) {
			t.Fatalf("epoch %d produced non-finite metrics: %+v", e.Epoch, e)
		}
	}
	if hist.BestEpoch < 0 || hist.BestEpoch >= len(hist.Epochs) {
		t.Fatalf("best epoch %d out of range", hist.BestEpoch)
	}
}

func TestFitStopsEarly(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTrainingFixture(t, dir, 50)

	dm, err := datasets.NewDataModule(cfg)
	if err != nil {
		t.Fatalf("failed to build data module: %v", err)
	}
	if err := dm.Setup(datasets.StageFit); err != nil {
		t.Fatalf("failed to set up data module: %v", err)
	}

	// A vanishing learning rate leaves the weights numerically untouched,
	// so the validation loss never improves after the first epoch.
	m := testModel(t, Config{
		Seed:         23,
		HiddenSizes:  []int{8},
		Epochs:       10,
		Patience:     2,
		Optimizer:    "sgd",
		LearningRate: 1e-30,
	})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	hist, err := trainer.Fit(dm)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if !hist.StoppedEarly {
		t.Fatalf("expected early stop with a stalled validation loss")
	}
	if len(hist.Epochs) != 3 {
		t.Fatalf("expected 3 epochs before stopping, got %d", len(hist.Epochs))
	}
	if hist.BestEpoch != 0 {
		t.Fatalf("expected best epoch 0, got %d", hist.BestEpoch)
	}
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTrainingFixture(t, dir, 50)

	dm, err := datasets.NewDataModule(cfg)
	if err != nil {
		t.Fatalf("failed to build data module: %v", err)
	}
	if err := dm.Setup(datasets.StageTest); err != nil {
		t.Fatalf("failed to set up test stage: %v", err)
	}

	m := testModel(t, Config{Seed: 24, HiddenSizes: []int{8}})
	trainer, err := NewTrainer(m)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	loader, err := dm.TestLoader()
	if err != nil {
		t.Fatalf("failed to build test loader: %v", err)
	}
	mse, mae, err := trainer.Evaluate(loader)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if math.IsNaN(mse) || math.IsNaN(mae) || mse < 0 || mae < 0 {
		t.Fatalf("unexpected evaluation metrics: mse=%v mae=%v", mse, mae)
	}
	if mae*mae > mse+1e-9 {
		t.Fatalf("mae %v inconsistent with mse %v", mae, mse)
	}
}
