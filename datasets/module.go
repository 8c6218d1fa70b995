package datasets

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"
)

// ModuleConfig configures a DataModule. The three paths are required; the
// remaining knobs fall back to package defaults when zero.
type ModuleConfig struct {
	// Paths to the three CSV inputs.
	ImageMetadataPath   string
	CampdFacilitiesPath string
	CampdEmissionsPath  string

	// Target column to predict.
	Target string

	// ImageSize chips are scaled to, in pixels.
	ImageSize int

	// TrainValRatio of facilities assigned to train versus val.
	TrainValRatio float64

	// TestYear routes all samples of that year to the test set.
	TestYear int

	// BatchSize of produced batches.
	BatchSize int

	// NumWorkers for parallel chip decoding. Zero loads batches serially.
	NumWorkers int

	// MaxDarkFrac above which a chip is skipped.
	MaxDarkFrac float64

	// MaxCloudCover above which an image metadata row is dropped during
	// joining. Negative disables the filter.
	MaxCloudCover float64

	// Seed for shuffling and train-time augmentation. Zero uses the clock.
	Seed int64
}

// DataModule bundles dataset construction and batch iteration for the train,
// validation and test stages. Construct it with the three CSV paths, call
// Setup for a stage, then iterate the stage loader.
type DataModule struct {
	cfg ModuleConfig

	train *CoalEmissionsDataset
	val   *CoalEmissionsDataset
	test  *CoalEmissionsDataset
}

// NewDataModule validates the configuration and returns an unset-up module.
func NewDataModule(cfg ModuleConfig) (*DataModule, error) {
	if cfg.ImageMetadataPath == "" || cfg.CampdFacilitiesPath == "" || cfg.CampdEmissionsPath == "" {
		return nil, errors.New("all three CSV paths are required")
	}
	if cfg.Target == "" {
		cfg.Target = EmissionsTarget
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.TrainValRatio == 0 {
		cfg.TrainValRatio = DefaultTrainValRatio
	}
	if cfg.TestYear == 0 {
		cfg.TestYear = DefaultTestYear
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxDarkFrac == 0 {
		cfg.MaxDarkFrac = DefaultMaxDarkFrac
	}
	if cfg.MaxCloudCover == 0 {
		cfg.MaxCloudCover = DefaultMaxCloudCover
	}
	if cfg.NumWorkers < 0 {
		return nil, fmt.Errorf("num workers must not be negative, got %d", cfg.NumWorkers)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &DataModule{cfg: cfg}, nil
}

// Config returns the effective configuration after defaults were applied.
func (m *DataModule) Config() ModuleConfig { return m.cfg }

// Setup joins the CSV inputs, splits them and builds the datasets for the
// given stage: StageFit builds train and val, StageTest builds test.
func (m *DataModule) Setup(stage string) error {
	samples, err := LoadFinalSamples(
		m.cfg.ImageMetadataPath, m.cfg.CampdFacilitiesPath, m.cfg.CampdEmissionsPath,
		CleaningOptions{MaxCloudCover: m.cfg.MaxCloudCover, Target: m.cfg.Target},
	)
	if err != nil {
		return err
	}
	mapper, err := NewSetMapper(m.cfg.CampdFacilitiesPath, m.cfg.TrainValRatio)
	if err != nil {
		return err
	}
	train, val, test, err := mapper.SplitSamples(samples, m.cfg.TestYear)
	if err != nil {
		return err
	}

	base := DatasetConfig{
		Target:      m.cfg.Target,
		ImageSize:   m.cfg.ImageSize,
		MaxDarkFrac: m.cfg.MaxDarkFrac,
		BatchSize:   m.cfg.BatchSize,
	}

	switch stage {
	case StageFit:
		trainCfg := base
		trainCfg.Transform = TrainTransforms(rand.New(rand.NewSource(m.cfg.Seed)))
		m.train, err = NewCoalEmissionsDataset("train", train, trainCfg)
		if err != nil {
			return fmt.Errorf("building train dataset: %w", err)
		}
		m.train.Shuffle(m.cfg.Seed)

		valCfg := base
		valCfg.Transform = ValTransforms()
		m.val, err = NewCoalEmissionsDataset("val", val, valCfg)
		if err != nil {
			return fmt.Errorf("building val dataset: %w", err)
		}
	case StageTest:
		testCfg := base
		testCfg.Transform = TestTransforms()
		m.test, err = NewCoalEmissionsDataset("test", test, testCfg)
		if err != nil {
			return fmt.Errorf("building test dataset: %w", err)
		}
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}

// TrainDataset returns the train dataset, or nil before Setup(StageFit).
func (m *DataModule) TrainDataset() *CoalEmissionsDataset { return m.train }

// ValDataset returns the validation dataset, or nil before Setup(StageFit).
func (m *DataModule) ValDataset() *CoalEmissionsDataset { return m.val }

// TestDataset returns the test dataset, or nil before Setup(StageTest).
func (m *DataModule) TestDataset() *CoalEmissionsDataset { return m.test }

// TrainLoader returns a batch loader over the train dataset.
func (m *DataModule) TrainLoader() (*Loader, error) {
	return m.loader(m.train, StageFit)
}

// ValLoader returns a batch loader over the validation dataset.
func (m *DataModule) ValLoader() (*Loader, error) {
	return m.loader(m.val, StageFit)
}

// TestLoader returns a batch loader over the test dataset.
func (m *DataModule) TestLoader() (*Loader, error) {
	return m.loader(m.test, StageTest)
}

func (m *DataModule) loader(ds *CoalEmissionsDataset, stage string) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset not built; call Setup(%q) first", stage)
	}
	if err := ds.Restart(); err != nil {
		return nil, err
	}
	return &Loader{ds: ds, workers: m.cfg.NumWorkers}, nil
}

// Loader iterates a dataset in batches. With workers configured, image chips
// of a batch are decoded concurrently while the batch order stays identical
// to the serial path.
type Loader struct {
	ds      *CoalEmissionsDataset
	workers int
}

// Next returns the next batch, or io.EOF once the epoch is exhausted.
func (l *Loader) Next() (*Batch, error) {
	if l.workers <= 1 {
		return l.ds.NextBatch()
	}
	return l.ds.nextBatchParallel(l.workers)
}

// take advances the cursor and returns up to n sample indices in iteration
// order.
func (d *CoalEmissionsDataset) take(n int) []int {
	remaining := len(d.order) - d.cursor
	if n > remaining {
		n = remaining
	}
	if n <= 0 {
		return nil
	}
	out := d.order[d.cursor : d.cursor+n]
	d.cursor += n
	return out
}

// nextBatchParallel is the worker-pool variant of NextBatch. Chips are
// decoded by at most workers goroutines; skipped chips are backfilled from
// the cursor until the batch is full or the epoch ends.
func (d *CoalEmissionsDataset) nextBatchParallel(workers int) (*Batch, error) {
	batch := &Batch{
		ImageSize: d.imageSize,
		Channels:  ImageChannels,
	}

	type loaded struct {
		img    *ImageCHW
		target float32
		meta   Metadata
		err    error
	}

	for len(batch.Images) < d.batchSize {
		idxs := d.take(d.batchSize - len(batch.Images))
		if len(idxs) == 0 {
			break
		}

		results := make([]loaded, len(idxs))
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for i, idx := range idxs {
			wg.Add(1)
			sem <- struct{}{}
			go func(i, idx int) {
				defer wg.Done()
				defer func() { <-sem }()
				img, target, meta, err := d.Example(idx)
				results[i] = loaded{img: img, target: target, meta: meta, err: err}
			}(i, idx)
		}
		wg.Wait()

		for _, r := range results {
			if errors.Is(r.err, ErrImageTooDark) {
				continue
			}
			if r.err != nil {
				return nil, r.err
			}
			batch.Images = append(batch.Images, r.img.Pix)
			batch.Targets = append(batch.Targets, r.target)
			batch.Metadata = append(batch.Metadata, r.meta)
		}
	}

	if len(batch.Images) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
