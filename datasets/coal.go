package datasets

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ErrImageTooDark marks samples skipped because too many pixels are dark.
var ErrImageTooDark = errors.New("image too dark")

// DatasetConfig holds the per-stage dataset knobs. Zero values fall back to
// the package defaults.
type DatasetConfig struct {
	// Target column to predict.
	Target string

	// ImageSize chips are scaled to, in pixels.
	ImageSize int

	// MaxDarkFrac is the maximum fraction of dark pixels allowed for a chip;
	// darker chips are skipped during iteration. Set to 1 or above to keep
	// everything.
	MaxDarkFrac float64

	// BatchSize used by Yield.
	BatchSize int

	// Transform applied to every chip after decoding. Nil means none.
	Transform Transform
}

// CoalEmissionsDataset lazily serves image/emissions examples for one stage.
// It stores joined samples and decodes image chips only when a batch is
// built. Shuffle permutes the iteration order without disturbing the sample
// indexing, so Example(i) is stable across epochs.
type CoalEmissionsDataset struct {
	name        string
	samples     []Sample
	target      string
	imageSize   int
	maxDarkFrac float64
	batchSize   int
	transform   Transform

	// order is the iteration permutation; cursor walks it.
	order  []int
	cursor int
	rng    *rand.Rand

	// transformMu serializes transform application: train transforms draw
	// from a shared RNG and Example may be called from loader workers.
	transformMu sync.Mutex
}

// NewCoalEmissionsDataset builds a dataset over the given samples.
func NewCoalEmissionsDataset(name string, samples []Sample, cfg DatasetConfig) (*CoalEmissionsDataset, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset %s has no samples", name)
	}
	if cfg.Target == "" {
		cfg.Target = EmissionsTarget
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.MaxDarkFrac == 0 {
		cfg.MaxDarkFrac = DefaultMaxDarkFrac
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if _, ok := samples[0].Target(cfg.Target); !ok {
		return nil, fmt.Errorf("unknown target column %q", cfg.Target)
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	return &CoalEmissionsDataset{
		name:        name,
		samples:     samples,
		target:      cfg.Target,
		imageSize:   cfg.ImageSize,
		maxDarkFrac: cfg.MaxDarkFrac,
		batchSize:   cfg.BatchSize,
		transform:   cfg.Transform,
		order:       order,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Name returns the dataset name.
func (d *CoalEmissionsDataset) Name() string { return d.name }

// Len returns the number of samples, including ones that may later be skipped
// for darkness. Skipping only happens during iteration.
func (d *CoalEmissionsDataset) Len() int { return len(d.samples) }

// Example loads the sample at index i: decoded and transformed chip, target
// value and metadata. Too-dark chips return an error wrapping ErrImageTooDark.
func (d *CoalEmissionsDataset) Example(i int) (*ImageCHW, float32, Metadata, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, 0, Metadata{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.samples))
	}
	s := d.samples[i]

	img, err := LoadImageCHW(s.ImagePath, d.imageSize)
	if err != nil {
		return nil, 0, Metadata{}, err
	}
	if img.TooDark(d.maxDarkFrac) {
		return nil, 0, Metadata{}, fmt.Errorf("%w: %s", ErrImageTooDark, s.ImagePath)
	}
	if d.transform != nil {
		d.transformMu.Lock()
		d.transform(img)
		d.transformMu.Unlock()
	}
	target, _ := s.Target(d.target)
	return img, float32(target), s.Meta(), nil
}

// Shuffle permutes the iteration order with the given seed and resets the
// cursor. Sample indices are untouched.
func (d *CoalEmissionsDataset) Shuffle(seed int64) {
	d.rng.Seed(seed)
	d.rng.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
	d.cursor = 0
}

// Restart resets the iteration cursor for a new epoch.
func (d *CoalEmissionsDataset) Restart() error {
	d.cursor = 0
	return nil
}

// NextBatch assembles the next batch along the iteration order, skipping
// too-dark chips. It returns io.EOF once the epoch is exhausted.
func (d *CoalEmissionsDataset) NextBatch() (*Batch, error) {
	batch := &Batch{
		ImageSize: d.imageSize,
		Channels:  ImageChannels,
	}
	for d.cursor < len(d.order) && len(batch.Images) < d.batchSize {
		idx := d.order[d.cursor]
		d.cursor++

		img, target, meta, err := d.Example(idx)
		if errors.Is(err, ErrImageTooDark) {
			continue
		}
		if err != nil {
			return nil, err
		}
		batch.Images = append(batch.Images, img.Pix)
		batch.Targets = append(batch.Targets, target)
		batch.Metadata = append(batch.Metadata, meta)
	}
	if len(batch.Images) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Yield returns the next batch as gomlx tensors, implementing the
// train.Dataset-style iteration surface.
func (d *CoalEmissionsDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := d.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	images, targets, err := batch.Tensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{targets}, nil
}

// Batch is a collection of decoded examples. Images holds one CHW pixel
// buffer per sample; Targets holds the matching regression targets, one
// value each.
type Batch struct {
	Images    [][]float32
	Targets   []float32
	Metadata  []Metadata
	ImageSize int
	Channels  int
}

// Len returns the number of examples in the batch.
func (b *Batch) Len() int { return len(b.Images) }

// Tensors converts the batch into gomlx tensors: images shaped
// [batch, channels, height, width] and targets shaped [batch, 1].
func (b *Batch) Tensors() (images *tensors.Tensor, targets *tensors.Tensor, err error) {
	if b.Len() == 0 {
		return nil, nil, fmt.Errorf("cannot convert empty batch to tensors")
	}
	plane := b.ImageSize * b.ImageSize
	want := b.Channels * plane

	imgData := make([][][][]float32, b.Len())
	labData := make([][]float32, b.Len())
	for i, pix := range b.Images {
		if len(pix) != want {
			return nil, nil, fmt.Errorf("image %d has %d values, expected %d", i, len(pix), want)
		}
		chw := make([][][]float32, b.Channels)
		for c := 0; c < b.Channels; c++ {
			rows := make([][]float32, b.ImageSize)
			for y := 0; y < b.ImageSize; y++ {
				start := c*plane + y*b.ImageSize
				rows[y] = pix[start : start+b.ImageSize]
			}
			chw[c] = rows
		}
		imgData[i] = chw
		labData[i] = []float32{b.Targets[i]}
	}
	return tensors.FromAnyValue(imgData), tensors.FromAnyValue(labData), nil
}
