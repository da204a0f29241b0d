// Package model lays out the parameters and per-sequence buffers of a
// llama-style transformer on top of tensor storage and quantized tensors.
//
// Projection matrices are stacked over layers and stored width × cols so
// that x · W maps a row vector of width elements to cols outputs, matching
// the operand order of the device kernels. The embedding table and the
// classifier are the exception: they stay token-major, vocab × dim, since the
// classifier may be the embedding table itself.
package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/quant"
	"github.com/23skdu/longbow-core/internal/tensor"
)

// Matrix is a projection-matrix representation that can hand out a view of
// itself: a shared borrow for float storage, a clone for quantized tensors.
type Matrix[V any] interface {
	View() V
}

// Weights is the full parameter set of one model. Norm weights and rotary
// tables are always float; the projection matrices and the classifier use the
// representation M. Tokens is the embedding table in that representation,
// which for dense weights is the TokenEmbeddingTable storage itself.
type Weights[M Matrix[V], V any] struct {
	Config config.Config

	TokenEmbeddingTable *tensor.Storage[float32] // vocab × dim
	Tokens              M

	RMSAttWeight *tensor.Storage[float32] // layers × dim
	RMSFFNWeight *tensor.Storage[float32] // layers × dim

	WQ M // layers × dim × dim
	WK M // layers × dim × kvDim
	WV M // layers × dim × kvDim
	WO M // layers × dim × dim
	W1 M // layers × dim × hidden
	W2 M // layers × hidden × dim
	W3 M // layers × dim × hidden

	RMSFinalWeight *tensor.Storage[float32] // dim
	FreqCISReal    *tensor.Storage[float32] // seqLen × headDim/2
	FreqCISImag    *tensor.Storage[float32] // seqLen × headDim/2

	WClsExists bool
	WCls       M // vocab × dim, token-major; unset when WClsExists is false
}

type (
	DenseWeights = Weights[*tensor.Storage[float32], *tensor.View[float32]]
	QuantWeights = Weights[quant.Tensor, quant.Tensor]
)

// NewDenseWeights allocates zeroed float weights sized from cfg. A separate
// classifier is allocated unless cfg.SharedClassifier is set.
func NewDenseWeights(cfg config.Config) (*DenseWeights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dim, hidden, kvDim, layers := cfg.Dim, cfg.HiddenDim, cfg.KVDim(), cfg.Layers
	f := tensor.New[float32]

	emb := f(cfg.VocabSize * dim)
	w := &DenseWeights{
		Config:              cfg,
		TokenEmbeddingTable: emb,
		Tokens:              emb,
		RMSAttWeight:        f(layers * dim),
		RMSFFNWeight:        f(layers * dim),
		WQ:                  f(layers * dim * dim),
		WK:                  f(layers * dim * kvDim),
		WV:                  f(layers * dim * kvDim),
		WO:                  f(layers * dim * dim),
		W1:                  f(layers * dim * hidden),
		W2:                  f(layers * hidden * dim),
		W3:                  f(layers * dim * hidden),
		RMSFinalWeight:      f(dim),
		FreqCISReal:         f(cfg.SeqLen * cfg.HeadDim() / 2),
		FreqCISImag:         f(cfg.SeqLen * cfg.HeadDim() / 2),
		WClsExists:          !cfg.SharedClassifier,
	}
	if w.WClsExists {
		w.WCls = f(cfg.VocabSize * dim)
	}
	return w, nil
}

// QuantizeWeights builds the quantized sibling of dense. Float fields are
// shared with dense rather than copied; each projection is quantized as one
// tensor across all layers.
func QuantizeWeights(dense *DenseWeights) (*QuantWeights, error) {
	q := &QuantWeights{
		Config:              dense.Config,
		TokenEmbeddingTable: dense.TokenEmbeddingTable,
		RMSAttWeight:        dense.RMSAttWeight,
		RMSFFNWeight:        dense.RMSFFNWeight,
		RMSFinalWeight:      dense.RMSFinalWeight,
		FreqCISReal:         dense.FreqCISReal,
		FreqCISImag:         dense.FreqCISImag,
		WClsExists:          dense.WClsExists,
	}
	fields := []struct {
		name string
		src  *tensor.Storage[float32]
		dst  *quant.Tensor
	}{
		{"tokens", dense.Tokens, &q.Tokens},
		{"wq", dense.WQ, &q.WQ},
		{"wk", dense.WK, &q.WK},
		{"wv", dense.WV, &q.WV},
		{"wo", dense.WO, &q.WO},
		{"w1", dense.W1, &q.W1},
		{"w2", dense.W2, &q.W2},
		{"w3", dense.W3, &q.W3},
	}
	if dense.WClsExists {
		fields = append(fields, struct {
			name string
			src  *tensor.Storage[float32]
			dst  *quant.Tensor
		}{"wcls", dense.WCls, &q.WCls})
	}
	for _, f := range fields {
		v := f.src.View()
		t, err := quant.Quantize(v.Data())
		v.Release()
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", f.name, err)
		}
		*f.dst = t
	}
	return q, nil
}

// FillRotary writes the rotary tables for base theta:
// angle(pos, i) = pos * theta^(-2i/headDim). It must run before any view of
// the weights is taken.
func (w *Weights[M, V]) FillRotary(theta float64) {
	half := w.Config.HeadDim() / 2
	re := w.FreqCISReal.MutView()
	defer re.Release()
	im := w.FreqCISImag.MutView()
	defer im.Release()
	for pos := 0; pos < w.Config.SeqLen; pos++ {
		for i := 0; i < half; i++ {
			freq := math.Pow(theta, -2*float64(i)/float64(w.Config.HeadDim()))
			s, c := math.Sincos(float64(pos) * freq)
			re.Set(pos*half+i, float32(c))
			im.Set(pos*half+i, float32(s))
		}
	}
}

// Free releases every float storage the weights own. It fails if any view
// is still live. Quantized weights share their float fields with the dense
// weights they were built from, so only one of the two should be freed.
func (w *Weights[M, V]) Free() error {
	seen := map[*tensor.Storage[float32]]bool{}
	for _, x := range []any{
		w.TokenEmbeddingTable, w.Tokens, w.RMSAttWeight, w.RMSFFNWeight,
		w.WQ, w.WK, w.WV, w.WO, w.W1, w.W2, w.W3,
		w.RMSFinalWeight, w.FreqCISReal, w.FreqCISImag, w.WCls,
	} {
		s, ok := x.(*tensor.Storage[float32])
		if !ok || s == nil || seen[s] {
			continue
		}
		seen[s] = true
		if err := s.Free(); err != nil {
			return err
		}
	}
	return nil
}

// WeightsView borrows a Weights for one or more forward passes.
type WeightsView[V any] struct {
	Config config.Config

	TokenEmbeddingTable *tensor.View[float32]
	Tokens              V

	RMSAttWeight *tensor.View[float32]
	RMSFFNWeight *tensor.View[float32]

	WQ, WK, WV, WO V
	W1, W2, W3     V

	RMSFinalWeight *tensor.View[float32]
	FreqCISReal    *tensor.View[float32]
	FreqCISImag    *tensor.View[float32]

	WClsExists bool
	// WCls is the classifier: the WCls matrix when present, otherwise Tokens.
	WCls V
}

type (
	DenseWeightsView = WeightsView[*tensor.View[float32]]
	QuantWeightsView = WeightsView[quant.Tensor]
)

// View borrows every field. The classifier is resolved here, once.
func (w *Weights[M, V]) View() *WeightsView[V] {
	v := &WeightsView[V]{
		Config:              w.Config,
		TokenEmbeddingTable: w.TokenEmbeddingTable.View(),
		Tokens:              w.Tokens.View(),
		RMSAttWeight:        w.RMSAttWeight.View(),
		RMSFFNWeight:        w.RMSFFNWeight.View(),
		WQ:                  w.WQ.View(),
		WK:                  w.WK.View(),
		WV:                  w.WV.View(),
		WO:                  w.WO.View(),
		W1:                  w.W1.View(),
		W2:                  w.W2.View(),
		W3:                  w.W3.View(),
		RMSFinalWeight:      w.RMSFinalWeight.View(),
		FreqCISReal:         w.FreqCISReal.View(),
		FreqCISImag:         w.FreqCISImag.View(),
		WClsExists:          w.WClsExists,
	}
	if w.WClsExists {
		v.WCls = w.WCls.View()
	} else {
		v.WCls = w.Tokens.View()
	}
	return v
}

type releaser interface{ Release() }

// Release ends every borrow taken by View. It is safe to call twice.
func (v *WeightsView[V]) Release() {
	for _, x := range []any{
		v.TokenEmbeddingTable, v.Tokens, v.RMSAttWeight, v.RMSFFNWeight,
		v.WQ, v.WK, v.WV, v.WO, v.W1, v.W2, v.W3,
		v.RMSFinalWeight, v.FreqCISReal, v.FreqCISImag, v.WCls,
	} {
		if r, ok := x.(releaser); ok {
			r.Release()
		}
	}
}

// Proj names one stacked projection matrix.
type Proj int

const (
	ProjQ Proj = iota
	ProjK
	ProjV
	ProjO
	ProjGate // w1
	ProjDown // w2
	ProjUp   // w3
)

func (p Proj) String() string {
	switch p {
	case ProjQ:
		return "wq"
	case ProjK:
		return "wk"
	case ProjV:
		return "wv"
	case ProjO:
		return "wo"
	case ProjGate:
		return "w1"
	case ProjDown:
		return "w2"
	case ProjUp:
		return "w3"
	}
	return fmt.Sprintf("Proj(%d)", int(p))
}

// Shape is the per-layer width × cols of p under cfg.
func (p Proj) Shape(cfg config.Config) (width, cols int) {
	switch p {
	case ProjQ, ProjO:
		return cfg.Dim, cfg.Dim
	case ProjK, ProjV:
		return cfg.Dim, cfg.KVDim()
	case ProjGate, ProjUp:
		return cfg.Dim, cfg.HiddenDim
	case ProjDown:
		return cfg.HiddenDim, cfg.Dim
	}
	panic(fmt.Sprintf("model: unknown projection %d", int(p)))
}

func (v *WeightsView[V]) proj(p Proj) V {
	switch p {
	case ProjQ:
		return v.WQ
	case ProjK:
		return v.WK
	case ProjV:
		return v.WV
	case ProjO:
		return v.WO
	case ProjGate:
		return v.W1
	case ProjDown:
		return v.W2
	case ProjUp:
		return v.W3
	}
	panic(fmt.Sprintf("model: unknown projection %d", int(p)))
}

// Layer returns layer l of projection p as a device operand: a tensor.Slice
// for float weights or a quant.Tensor sharing the parent's scale.
func (v *WeightsView[V]) Layer(p Proj, l int) any {
	if l < 0 || l >= v.Config.Layers {
		panic(fmt.Sprintf("model: layer %d out of range [0, %d)", l, v.Config.Layers))
	}
	width, cols := p.Shape(v.Config)
	n := width * cols
	lo, hi := l*n, (l+1)*n
	switch m := any(v.proj(p)).(type) {
	case tensor.Floats:
		return tensor.Slice(m.Data()[lo:hi:hi])
	case quant.Tensor:
		m.Data = m.Data[lo:hi:hi]
		return m
	}
	panic(fmt.Sprintf("model: unsupported matrix type %T", v.proj(p)))
}

// Norm returns layer l's attention and feed-forward norm weights.
func (v *WeightsView[V]) Norm(l int) (att, ffn []float32) {
	d := v.Config.Dim
	return v.RMSAttWeight.Row(l, d), v.RMSFFNWeight.Row(l, d)
}
