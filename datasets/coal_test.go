package datasets

import (
	"errors"
	"io"
	"testing"
)

// loadFixtureSamples joins the fixture CSVs into samples.
func loadFixtureSamples(t *testing.T, fx fixture) []Sample {
	t.Helper()
	samples, err := LoadFinalSamples(fx.imageMetadata, fx.facilities, fx.emissions, CleaningOptions{})
	if err != nil {
		t.Fatalf("failed to load fixture samples: %v", err)
	}
	return samples
}

func TestDatasetExample(t *testing.T) {
	dir := t.TempDir()
	fx := buildFixture(t, dir, 3, 16)
	samples := loadFixtureSamples(t, fx)

	ds, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{ImageSize: 16, BatchSize: 4})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	if ds.Name() != "train" {
		t.Fatalf("unexpected dataset name %q", ds.Name())
	}
	if ds.Len() != len(samples) {
		t.Fatalf("expected len %d, got %d", len(samples), ds.Len())
	}

	img, target, meta, err := ds.Example(0)
	if err != nil {
		t.Fatalf("failed to load example 0: %v", err)
	}
	if img.Height != 16 || img.Width != 16 || img.Channels != ImageChannels {
		t.Fatalf("unexpected example dims: %dx%dx%d", img.Channels, img.Height, img.Width)
	}
	if float64(target) != samples[0].CO2MassShortTons {
		t.Fatalf("target %v != emissions %v", target, samples[0].CO2MassShortTons)
	}
	if meta.FacilityID != samples[0].FacilityID {
		t.Fatalf("metadata facility %d != sample facility %d", meta.FacilityID, samples[0].FacilityID)
	}

	if _, _, _, err := ds.Example(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
	if _, _, _, err := ds.Example(ds.Len()); err == nil {
		t.Fatalf("expected error for out of range index")
	}
}

func TestDatasetExampleTooDark(t *testing.T) {
	dir := t.TempDir()
	fx := buildFixture(t, dir, 2, 16)
	samples := loadFixtureSamples(t, fx)

	ds, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{ImageSize: 16})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	darkIdx := -1
	for i, s := range samples {
		if s.Timestamp.Day() == 4 {
			darkIdx = i
		}
	}
	if darkIdx < 0 {
		t.Fatalf("fixture is missing the dark chip sample")
	}

	if _, _, _, err := ds.Example(darkIdx); !errors.Is(err, ErrImageTooDark) {
		t.Fatalf("expected ErrImageTooDark, got %v", err)
	}
}

func TestDatasetNextBatchSkipsDark(t *testing.T) {
	dir := t.TempDir()
	fx := buildFixture(t, dir, 2, 16)
	samples := loadFixtureSamples(t, fx)

	ds, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{ImageSize: 16, BatchSize: 100})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	batch, err := ds.NextBatch()
	if err != nil {
		t.Fatalf("failed to build batch: %v", err)
	}
	// One of the fixture samples is the all-black chip.
	if batch.Len() != len(samples)-1 {
		t.Fatalf("expected %d examples after the dark skip, got %d", len(samples)-1, batch.Len())
	}
	if len(batch.Targets) != batch.Len() || len(batch.Metadata) != batch.Len() {
		t.Fatalf("batch slices disagree: %d images, %d targets, %d metadata",
			batch.Len(), len(batch.Targets), len(batch.Metadata))
	}

	if _, err := ds.NextBatch(); err != io.EOF {
		t.Fatalf("expected io.EOF after exhausting the epoch, got %v", err)
	}

	if err := ds.Restart(); err != nil {
		t.Fatalf("failed to restart dataset: %v", err)
	}
	if _, err := ds.NextBatch(); err != nil {
		t.Fatalf("failed to iterate after restart: %v", err)
	}
}

func TestDatasetShuffle(t *testing.T) {
	dir := t.TempDir()
	fx := buildFixture(t, dir, 3, 16)
	samples := loadFixtureSamples(t, fx)

	ds, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{ImageSize: 16, BatchSize: 100, MaxDarkFrac: 1})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	// Example indexing is stable under shuffling.
	_, before, _, err := ds.Example(2)
	if err != nil {
		t.Fatalf("failed to load example before shuffle: %v", err)
	}
	ds.Shuffle(1)
	_, after, _, err := ds.Example(2)
	if err != nil {
		t.Fatalf("failed to load example after shuffle: %v", err)
	}
	if before != after {
		t.Fatalf("Example(2) changed after shuffle: %v vs %v", before, after)
	}

	// Same seed, same iteration order.
	batchA, err := ds.NextBatch()
	if err != nil {
		t.Fatalf("failed to build first batch: %v", err)
	}
	ds.Shuffle(1)
	batchB, err := ds.NextBatch()
	if err != nil {
		t.Fatalf("failed to build second batch: %v", err)
	}
	if batchA.Len() != batchB.Len() {
		t.Fatalf("batch sizes differ after reshuffle with same seed")
	}
	for i := range batchA.Metadata {
		if batchA.Metadata[i] != batchB.Metadata[i] {
			t.Fatalf("iteration order differs after reshuffle with same seed at %d", i)
		}
	}
}

func TestDatasetYield(t *testing.T) {
	dir := t.TempDir()
	fx := buildFixture(t, dir, 2, 16)
	samples := loadFixtureSamples(t, fx)

	ds, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{ImageSize: 16, BatchSize: 3})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	_, inputs, labels, err := ds.Yield()
	if err != nil {
		t.Fatalf("failed to yield batch: %v", err)
	}
	if len(inputs) != 1 || len(labels) != 1 {
		t.Fatalf("expected one input and one label tensor, got %d and %d", len(inputs), len(labels))
	}

	imgShape := inputs[0].Shape()
	if imgShape.Rank() != 4 {
		t.Fatalf("expected rank-4 image tensor, got rank %d", imgShape.Rank())
	}
	if imgShape.Dimensions[0] != 3 || imgShape.Dimensions[1] != ImageChannels ||
		imgShape.Dimensions[2] != 16 || imgShape.Dimensions[3] != 16 {
		t.Fatalf("unexpected image tensor shape %v", imgShape.Dimensions)
	}

	labShape := labels[0].Shape()
	if labShape.Rank() != 2 || labShape.Dimensions[0] != 3 || labShape.Dimensions[1] != 1 {
		t.Fatalf("unexpected label tensor shape %v", labShape.Dimensions)
	}

	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to drain dataset: %v", err)
		}
	}
}

func TestDatasetRejectsEmptyOrBadTarget(t *testing.T) {
	if _, err := NewCoalEmissionsDataset("train", nil, DatasetConfig{}); err == nil {
		t.Fatalf("expected error for empty sample slice")
	}

	samples := []Sample{{FacilityID: 1}}
	if _, err := NewCoalEmissionsDataset("train", samples, DatasetConfig{Target: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown target column")
	}
}
