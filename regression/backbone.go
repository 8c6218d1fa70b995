// Package regression wraps a convolutional image backbone with a small dense
// head and provides a minibatch trainer for predicting facility emissions
// from satellite image chips. The trainer is implemented in pure Go so tests
// run quickly and deterministically, with no accelerator or cgo dependency.
package regression

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
)

const kernelSize = 3

// ConvLayer is a 3x3 same-padding convolution. Weights are stored flat in
// [Out][In][ky][kx] order.
type ConvLayer struct {
	In  int
	Out int
	W   []float32
	B   []float32
}

// Backbone is a conv/relu/maxpool feature extractor. Each filter stage halves
// the spatial resolution; a global average pool reduces the final feature map
// to a fixed-length vector, whatever the input image size.
//
// Pretrained weights load from a gob checkpoint via LoadBackbone, standing in
// for a model-zoo download.
type Backbone struct {
	InChannels int
	Filters    []int
	Convs      []ConvLayer
}

// DefaultFilters is the stage layout used when none is configured.
var DefaultFilters = []int{16, 32, 64}

// NewBackbone creates a randomly initialized backbone. Weights use
// Xavier/Glorot uniform initialization.
func NewBackbone(inChannels int, filters []int, seed int64) (*Backbone, error) {
	if inChannels <= 0 {
		return nil, fmt.Errorf("input channels must be positive, got %d", inChannels)
	}
	if len(filters) == 0 {
		filters = DefaultFilters
	}
	rng := rand.New(rand.NewSource(seed))

	b := &Backbone{InChannels: inChannels, Filters: filters}
	in := inChannels
	for _, out := range filters {
		if out <= 0 {
			return nil, fmt.Errorf("filter counts must be positive, got %d", out)
		}
		layer := ConvLayer{
			In:  in,
			Out: out,
			W:   make([]float32, out*in*kernelSize*kernelSize),
			B:   make([]float32, out),
		}
		fanIn := in * kernelSize * kernelSize
		fanOut := out * kernelSize * kernelSize
		limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
		for i := range layer.W {
			layer.W[i] = (rng.Float32()*2.0 - 1.0) * limit
		}
		b.Convs = append(b.Convs, layer)
		in = out
	}
	return b, nil
}

// FeatureDim returns the length of the feature vector the backbone produces.
func (b *Backbone) FeatureDim() int {
	return b.Filters[len(b.Filters)-1]
}

// MinImageSize returns the smallest input edge the backbone accepts: each
// pooling stage halves the spatial resolution and at least one pixel must
// survive.
func (b *Backbone) MinImageSize() int {
	return 1 << len(b.Filters)
}

// stageCache holds per-stage forward state needed for backpropagation.
type stageCache struct {
	in       []float32 // conv input
	inH, inW int
	act      []float32 // conv output after ReLU
	arg      []int     // source index of each pooled maximum
	outH     int
	outW     int
}

// FeatureCache holds the forward state of a whole backbone pass.
type FeatureCache struct {
	stages []stageCache
}

// Forward runs the backbone over one CHW image and returns the pooled feature
// vector plus the cache required by Backward.
func (b *Backbone) Forward(img []float32, channels, height, width int) ([]float32, *FeatureCache, error) {
	if channels != b.InChannels {
		return nil, nil, fmt.Errorf("backbone expects %d channels, got %d", b.InChannels, channels)
	}
	if len(img) != channels*height*width {
		return nil, nil, fmt.Errorf("image buffer has %d values, expected %d", len(img), channels*height*width)
	}
	if height < b.MinImageSize() || width < b.MinImageSize() {
		return nil, nil, fmt.Errorf("image %dx%d smaller than backbone minimum %d", height, width, b.MinImageSize())
	}

	cache := &FeatureCache{stages: make([]stageCache, len(b.Convs))}
	cur, h, w := img, height, width
	for si := range b.Convs {
		layer := &b.Convs[si]

		act := layer.forward(cur, h, w)
		relu(act)
		pooled, arg, oh, ow := maxPool(act, layer.Out, h, w)

		cache.stages[si] = stageCache{
			in: cur, inH: h, inW: w,
			act: act, arg: arg, outH: oh, outW: ow,
		}
		cur, h, w = pooled, oh, ow
	}

	// Global average pool over whatever spatial extent is left.
	last := b.Convs[len(b.Convs)-1].Out
	plane := h * w
	feats := make([]float32, last)
	for f := 0; f < last; f++ {
		sum := float32(0)
		for idx := f * plane; idx < (f+1)*plane; idx++ {
			sum += cur[idx]
		}
		feats[f] = sum / float32(plane)
	}
	return feats, cache, nil
}

// Backward propagates the feature-vector gradient through the backbone,
// accumulating weight and bias gradients into grads.
func (b *Backbone) Backward(cache *FeatureCache, dFeats []float32, grads *BackboneGrads) {
	lastStage := cache.stages[len(cache.stages)-1]
	plane := lastStage.outH * lastStage.outW

	// Undo the global average pool: every surviving position shares the
	// feature gradient equally.
	dPooled := make([]float32, len(dFeats)*plane)
	for f, g := range dFeats {
		share := g / float32(plane)
		for idx := f * plane; idx < (f+1)*plane; idx++ {
			dPooled[idx] = share
		}
	}

	for si := len(b.Convs) - 1; si >= 0; si-- {
		layer := &b.Convs[si]
		st := &cache.stages[si]

		// Max pool routes gradient to the winning position only.
		dAct := make([]float32, layer.Out*st.inH*st.inW)
		for i, src := range st.arg {
			dAct[src] += dPooled[i]
		}

		// ReLU mask: post-activation values are zero exactly where the
		// pre-activation was clipped.
		for i := range dAct {
			if st.act[i] <= 0 {
				dAct[i] = 0
			}
		}

		needInput := si > 0
		dIn := layer.backward(st.in, st.inH, st.inW, dAct, grads.W[si], grads.B[si], needInput)
		dPooled = dIn
	}
}

// forward computes the convolution over a CHW input of the given extent.
func (l *ConvLayer) forward(in []float32, h, w int) []float32 {
	out := make([]float32, l.Out*h*w)
	inPlane := h * w
	for o := 0; o < l.Out; o++ {
		outBase := o * inPlane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum := l.B[o]
				for i := 0; i < l.In; i++ {
					inBase := i * inPlane
					wBase := ((o*l.In + i) * kernelSize) * kernelSize
					for ky := 0; ky < kernelSize; ky++ {
						sy := y + ky - 1
						if sy < 0 || sy >= h {
							continue
						}
						rowBase := inBase + sy*w
						for kx := 0; kx < kernelSize; kx++ {
							sx := x + kx - 1
							if sx < 0 || sx >= w {
								continue
							}
							sum += l.W[wBase+ky*kernelSize+kx] * in[rowBase+sx]
						}
					}
				}
				out[outBase+y*w+x] = sum
			}
		}
	}
	return out
}

// backward accumulates weight/bias gradients for the layer and, when
// needInput is set, returns the gradient with respect to the layer input.
func (l *ConvLayer) backward(in []float32, h, w int, delta []float32, gW, gB []float32, needInput bool) []float32 {
	inPlane := h * w
	var dIn []float32
	if needInput {
		dIn = make([]float32, l.In*inPlane)
	}
	for o := 0; o < l.Out; o++ {
		outBase := o * inPlane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := delta[outBase+y*w+x]
				if d == 0 {
					continue
				}
				gB[o] += d
				for i := 0; i < l.In; i++ {
					inBase := i * inPlane
					wBase := ((o*l.In + i) * kernelSize) * kernelSize
					for ky := 0; ky < kernelSize; ky++ {
						sy := y + ky - 1
						if sy < 0 || sy >= h {
							continue
						}
						rowBase := inBase + sy*w
						for kx := 0; kx < kernelSize; kx++ {
							sx := x + kx - 1
							if sx < 0 || sx >= w {
								continue
							}
							gW[wBase+ky*kernelSize+kx] += d * in[rowBase+sx]
							if needInput {
								dIn[rowBase+sx] += d * l.W[wBase+ky*kernelSize+kx]
							}
						}
					}
				}
			}
		}
	}
	return dIn
}

// relu clips negatives in place.
func relu(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// maxPool applies 2x2 max pooling with stride 2, returning the pooled buffer,
// the flat source index of each maximum and the pooled extent.
func maxPool(in []float32, c, h, w int) (out []float32, arg []int, oh, ow int) {
	oh, ow = h/2, w/2
	out = make([]float32, c*oh*ow)
	arg = make([]int, c*oh*ow)
	for ch := 0; ch < c; ch++ {
		inBase := ch * h * w
		outBase := ch * oh * ow
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := inBase + (2*y+dy)*w + (2*x + dx)
						if in[idx] > best {
							best = in[idx]
							bestIdx = idx
						}
					}
				}
				out[outBase+y*ow+x] = best
				arg[outBase+y*ow+x] = bestIdx
			}
		}
	}
	return out, arg, oh, ow
}

// BackboneGrads accumulates gradients for every conv layer.
type BackboneGrads struct {
	W [][]float32
	B [][]float32
}

// NewGrads allocates zeroed gradient buffers shaped like the backbone.
func (b *Backbone) NewGrads() *BackboneGrads {
	g := &BackboneGrads{
		W: make([][]float32, len(b.Convs)),
		B: make([][]float32, len(b.Convs)),
	}
	for i, layer := range b.Convs {
		g.W[i] = make([]float32, len(layer.W))
		g.B[i] = make([]float32, len(layer.B))
	}
	return g
}

// backboneState is the gob checkpoint layout.
type backboneState struct {
	InChannels int
	Filters    []int
	Convs      []ConvLayer
}

// Save writes the backbone weights to a gob checkpoint.
func (b *Backbone) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}
	defer file.Close()

	state := backboneState{InChannels: b.InChannels, Filters: b.Filters, Convs: b.Convs}
	if err := gob.NewEncoder(file).Encode(state); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadBackbone reads pretrained backbone weights from a gob checkpoint.
func LoadBackbone(path string) (*Backbone, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	defer file.Close()

	var state backboneState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if len(state.Convs) == 0 || len(state.Filters) != len(state.Convs) {
		return nil, fmt.Errorf("checkpoint %s has inconsistent layer layout", path)
	}
	return &Backbone{InChannels: state.InChannels, Filters: state.Filters, Convs: state.Convs}, nil
}
