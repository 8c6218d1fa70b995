package regression

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/Noofbiz/coalwatch/datasets"
)

// Config holds the hyperparameters for the regression model and its trainer.
type Config struct {
	// HiddenSizes is the list of dense layer sizes between the backbone
	// features and the single output unit. Empty means one layer of 64.
	HiddenSizes []int

	// LearningRate used by the optimizer.
	LearningRate float64

	// Epochs to train for.
	Epochs int

	// Patience is the number of epochs without validation improvement before
	// training stops early. Zero disables early stopping.
	Patience int

	// Optimizer selects "adam" or "sgd". Default: "adam".
	Optimizer string

	// Adam hyperparameters; defaults apply when zero.
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm is the global gradient clipping threshold. Zero uses a
	// sensible default; negative disables clipping.
	ClipNorm float64

	// FreezeBackbone stops gradients at the feature vector so only the head
	// trains.
	FreezeBackbone bool

	// Seed controls weight initialization. Zero uses a time-based seed.
	Seed int64
}

// withDefaults fills in unset config fields.
func (c Config) withDefaults() Config {
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{64}
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-3
	}
	if c.Epochs == 0 {
		c.Epochs = 10
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.ClipNorm == 0 {
		c.ClipNorm = 5.0
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Model wraps a backbone with a dense regression head ending in a single
// output unit, predicting one emissions value per image chip.
type Model struct {
	Config   Config
	Backbone *Backbone

	// layerSizes includes the feature dimension, hidden sizes, then 1.
	layerSizes []int

	// weights[l] is a flat [out*in] matrix for head layer l; biases[l] has
	// length out.
	weights [][]float32
	biases  [][]float32

	rng *rand.Rand
}

// NewModel builds a regression model around the given backbone.
func NewModel(backbone *Backbone, cfg Config) (*Model, error) {
	if backbone == nil {
		return nil, errors.New("backbone is nil")
	}
	cfg = cfg.withDefaults()
	if cfg.Optimizer != "adam" && cfg.Optimizer != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}

	m := &Model{
		Config:   cfg,
		Backbone: backbone,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, backbone.FeatureDim())
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, 1)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		w := make([]float32, out*in)
		for i := range w {
			w[i] = (m.rng.Float32()*2.0 - 1.0) * limit
		}
		m.weights[l] = w
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

// headCache stores the forward state of the dense head for one example.
type headCache struct {
	// acts[0] is the feature vector; acts[l+1] the output of head layer l.
	acts [][]float32
}

// forwardHead runs the dense layers over a feature vector. Hidden layers use
// ReLU; the output layer is linear.
func (m *Model) forwardHead(feats []float32) (float32, *headCache) {
	L := len(m.weights)
	cache := &headCache{acts: make([][]float32, L+1)}
	cache.acts[0] = feats

	cur := feats
	for l := 0; l < L; l++ {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		next := make([]float32, out)
		w, b := m.weights[l], m.biases[l]
		for j := 0; j < out; j++ {
			sum := b[j]
			row := w[j*in : (j+1)*in]
			for i := 0; i < in; i++ {
				sum += row[i] * cur[i]
			}
			next[j] = sum
		}
		if l < L-1 {
			relu(next)
		}
		cache.acts[l+1] = next
		cur = next
	}
	return cur[0], cache
}

// backwardHead propagates the output gradient through the dense layers,
// accumulating gradients into grads, and returns the gradient with respect to
// the feature vector.
func (m *Model) backwardHead(cache *headCache, dOut float32, grads *Grads) []float32 {
	L := len(m.weights)
	delta := []float32{dOut}
	for l := L - 1; l >= 0; l-- {
		in := m.layerSizes[l]
		out := m.layerSizes[l+1]
		inAct := cache.acts[l]

		gW, gB := grads.HeadW[l], grads.HeadB[l]
		for j := 0; j < out; j++ {
			gB[j] += delta[j]
			base := j * in
			for i := 0; i < in; i++ {
				gW[base+i] += delta[j] * inAct[i]
			}
		}

		prev := make([]float32, in)
		w := m.weights[l]
		for i := 0; i < in; i++ {
			sum := float32(0)
			for j := 0; j < out; j++ {
				sum += w[j*in+i] * delta[j]
			}
			prev[i] = sum
		}
		if l > 0 {
			// Hidden activations are ReLU outputs; mask clipped units.
			for i := 0; i < in; i++ {
				if inAct[i] <= 0 {
					prev[i] = 0
				}
			}
		}
		delta = prev
	}
	return delta
}

// forwardExample runs backbone and head over one CHW image.
func (m *Model) forwardExample(img []float32, channels, size int) (float32, *headCache, *FeatureCache, error) {
	feats, bbCache, err := m.Backbone.Forward(img, channels, size, size)
	if err != nil {
		return 0, nil, nil, err
	}
	pred, hCache := m.forwardHead(feats)
	return pred, hCache, bbCache, nil
}

// PredictBatch returns one prediction per example in the batch. It is a pure
// forward pass.
func (m *Model) PredictBatch(batch *datasets.Batch) ([]float32, error) {
	if batch == nil || batch.Len() == 0 {
		return nil, errors.New("batch is empty")
	}
	preds := make([]float32, batch.Len())
	for i, img := range batch.Images {
		pred, _, _, err := m.forwardExample(img, batch.Channels, batch.ImageSize)
		if err != nil {
			return nil, err
		}
		preds[i] = pred
	}
	return preds, nil
}

// Grads accumulates gradients for the head and, when the backbone is not
// frozen, the backbone.
type Grads struct {
	HeadW    [][]float32
	HeadB    [][]float32
	Backbone *BackboneGrads
}

// newGrads allocates zeroed gradient buffers shaped like the model.
func (m *Model) newGrads() *Grads {
	g := &Grads{
		HeadW: make([][]float32, len(m.weights)),
		HeadB: make([][]float32, len(m.biases)),
	}
	for l := range m.weights {
		g.HeadW[l] = make([]float32, len(m.weights[l]))
		g.HeadB[l] = make([]float32, len(m.biases[l]))
	}
	if !m.Config.FreezeBackbone {
		g.Backbone = m.Backbone.NewGrads()
	}
	return g
}

// params returns the trainable parameter slices paired with their gradient
// slices, in a stable order.
func (m *Model) params(g *Grads) (weights, grads [][]float32) {
	for l := range m.weights {
		weights = append(weights, m.weights[l], m.biases[l])
		grads = append(grads, g.HeadW[l], g.HeadB[l])
	}
	if g.Backbone != nil {
		for i := range m.Backbone.Convs {
			weights = append(weights, m.Backbone.Convs[i].W, m.Backbone.Convs[i].B)
			grads = append(grads, g.Backbone.W[i], g.Backbone.B[i])
		}
	}
	return weights, grads
}

// modelState is the gob layout for full-model checkpoints and for the
// in-memory snapshots early stopping restores from.
type modelState struct {
	LayerSizes []int
	Weights    [][]float32
	Biases     [][]float32
	Backbone   backboneState
}

// snapshot deep-copies the trainable state.
func (m *Model) snapshot() modelState {
	state := modelState{
		LayerSizes: append([]int(nil), m.layerSizes...),
		Weights:    copyMatrix(m.weights),
		Biases:     copyMatrix(m.biases),
		Backbone: backboneState{
			InChannels: m.Backbone.InChannels,
			Filters:    append([]int(nil), m.Backbone.Filters...),
		},
	}
	for _, layer := range m.Backbone.Convs {
		state.Backbone.Convs = append(state.Backbone.Convs, ConvLayer{
			In:  layer.In,
			Out: layer.Out,
			W:   append([]float32(nil), layer.W...),
			B:   append([]float32(nil), layer.B...),
		})
	}
	return state
}

// restore loads a snapshot back into the model.
func (m *Model) restore(state modelState) {
	m.layerSizes = state.LayerSizes
	m.weights = state.Weights
	m.biases = state.Biases
	m.Backbone.InChannels = state.Backbone.InChannels
	m.Backbone.Filters = state.Backbone.Filters
	m.Backbone.Convs = state.Backbone.Convs
}

func copyMatrix(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i, row := range src {
		out[i] = append([]float32(nil), row...)
	}
	return out
}

// Save writes the full model (head and backbone) to a gob checkpoint.
func (m *Model) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file %s: %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(m.snapshot()); err != nil {
		return fmt.Errorf("failed to encode model %s: %w", path, err)
	}
	return nil
}

// LoadModel reads a full model checkpoint written by Save. The config applies
// to further training; architecture comes from the checkpoint.
func LoadModel(path string, cfg Config) (*Model, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file %s: %w", path, err)
	}
	defer file.Close()

	var state modelState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	if len(state.LayerSizes) < 2 || len(state.Weights) != len(state.LayerSizes)-1 {
		return nil, fmt.Errorf("model file %s has inconsistent head layout", path)
	}
	cfg = cfg.withDefaults()

	m := &Model{
		Config: cfg,
		Backbone: &Backbone{
			InChannels: state.Backbone.InChannels,
			Filters:    state.Backbone.Filters,
			Convs:      state.Backbone.Convs,
		},
		layerSizes: state.LayerSizes,
		weights:    state.Weights,
		biases:     state.Biases,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
	return m, nil
}
