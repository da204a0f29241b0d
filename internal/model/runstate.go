package model

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/metrics"
	"github.com/23skdu/longbow-core/internal/quant"
	"github.com/23skdu/longbow-core/internal/tensor"
)

var ErrCachePosition = errors.New("model: kv cache index out of range")

// Activation is the representation of the quantized activation copies a
// run-state carries alongside its float buffers.
type Activation[A any] interface {
	Clone() A
}

// NoQuant is the activation type of a float-only run-state.
type NoQuant struct{}

func (NoQuant) Clone() NoQuant { return NoQuant{} }

// RunState holds the mutable buffers of one sequence. The key and value
// caches hold layers × seqLen × kvDim entries; the slot for (layer, pos) is
// written only by that position.
type RunState[A Activation[A]] struct {
	Config config.Config

	X      *tensor.Storage[float32] // dim
	XB     *tensor.Storage[float32] // dim
	XB2    *tensor.Storage[float32] // dim
	HB     *tensor.Storage[float32] // hidden
	HB2    *tensor.Storage[float32] // hidden
	Q      *tensor.Storage[float32] // dim
	K      *tensor.Storage[float32] // kvDim
	V      *tensor.Storage[float32] // kvDim
	Att    *tensor.Storage[float32] // heads × seqLen
	Logits *tensor.Storage[float32] // vocab

	KeyCache   *tensor.Storage[float32]
	ValueCache *tensor.Storage[float32]

	// XQ and HQ are quantized copies of X and HB.
	XQ A
	HQ A
}

type (
	DenseRunState = RunState[NoQuant]
	QuantRunState = RunState[quant.Tensor]
)

func NewRunState(cfg config.Config) (*DenseRunState, error) {
	return newRunState(cfg, NoQuant{}, NoQuant{})
}

func NewQuantRunState(cfg config.Config) (*QuantRunState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newRunState(cfg, quant.Zeros(cfg.Dim), quant.Zeros(cfg.HiddenDim))
}

func newRunState[A Activation[A]](cfg config.Config, xq, hq A) (*RunState[A], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := tensor.New[float32]
	cache := cfg.Layers * cfg.SeqLen * cfg.KVDim()
	return &RunState[A]{
		Config:     cfg,
		X:          f(cfg.Dim),
		XB:         f(cfg.Dim),
		XB2:        f(cfg.Dim),
		HB:         f(cfg.HiddenDim),
		HB2:        f(cfg.HiddenDim),
		Q:          f(cfg.Dim),
		K:          f(cfg.KVDim()),
		V:          f(cfg.KVDim()),
		Att:        f(cfg.Heads * cfg.SeqLen),
		Logits:     f(cfg.VocabSize),
		KeyCache:   f(cache),
		ValueCache: f(cache),
		XQ:         xq,
		HQ:         hq,
	}, nil
}

func (rs *RunState[A]) buffers() []*tensor.Storage[float32] {
	return []*tensor.Storage[float32]{
		rs.X, rs.XB, rs.XB2, rs.HB, rs.HB2, rs.Q, rs.K, rs.V,
		rs.Att, rs.Logits, rs.KeyCache, rs.ValueCache,
	}
}

// Reset zeroes every buffer so the run-state can serve a new sequence.
func (rs *RunState[A]) Reset() {
	for _, s := range rs.buffers() {
		v := s.MutView()
		v.Zero()
		v.Release()
	}
	for _, a := range []any{&rs.XQ, &rs.HQ} {
		if q, ok := a.(*quant.Tensor); ok {
			clear(q.Data)
		}
	}
}

// Free drops every buffer. It fails while a view is live.
func (rs *RunState[A]) Free() error {
	for _, s := range rs.buffers() {
		if err := s.Free(); err != nil {
			return err
		}
	}
	return nil
}

// RunStateView borrows every buffer of a RunState exclusively and on its
// own, so distinct fields can be written concurrently. XQ and HQ are copies.
type RunStateView[A any] struct {
	Config config.Config

	X, XB, XB2 *tensor.MutView[float32]
	HB, HB2    *tensor.MutView[float32]
	Q, K, V    *tensor.MutView[float32]
	Att        *tensor.MutView[float32]
	Logits     *tensor.MutView[float32]

	KeyCache   *tensor.MutView[float32]
	ValueCache *tensor.MutView[float32]

	XQ A
	HQ A
}

type (
	DenseRunStateView = RunStateView[NoQuant]
	QuantRunStateView = RunStateView[quant.Tensor]
)

// TryView borrows the run-state, or reports the first conflicting borrow.
// Nothing stays borrowed on failure.
func (rs *RunState[A]) TryView() (*RunStateView[A], error) {
	bufs := rs.buffers()
	views := make([]*tensor.MutView[float32], 0, len(bufs))
	for _, s := range bufs {
		v, err := s.TryMutView()
		if err != nil {
			for _, taken := range views {
				taken.Release()
			}
			logger.Log.Debug("run-state view refused", "err", err)
			return nil, err
		}
		views = append(views, v)
	}
	return &RunStateView[A]{
		Config:     rs.Config,
		X:          views[0],
		XB:         views[1],
		XB2:        views[2],
		HB:         views[3],
		HB2:        views[4],
		Q:          views[5],
		K:          views[6],
		V:          views[7],
		Att:        views[8],
		Logits:     views[9],
		KeyCache:   views[10],
		ValueCache: views[11],
		XQ:         rs.XQ.Clone(),
		HQ:         rs.HQ.Clone(),
	}, nil
}

// View is TryView that panics on a conflicting borrow.
func (rs *RunState[A]) View() *RunStateView[A] {
	v, err := rs.TryView()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *RunStateView[A]) Release() {
	for _, m := range []*tensor.MutView[float32]{
		v.X, v.XB, v.XB2, v.HB, v.HB2, v.Q, v.K, v.V,
		v.Att, v.Logits, v.KeyCache, v.ValueCache,
	} {
		m.Release()
	}
}

func (v *RunStateView[A]) cacheOffset(layer, pos int) (int, error) {
	if layer < 0 || layer >= v.Config.Layers || pos < 0 || pos >= v.Config.SeqLen {
		metrics.RecordKVCacheOutOfBounds()
		return 0, fmt.Errorf("%w: layer %d pos %d (layers %d, seq_len %d)",
			ErrCachePosition, layer, pos, v.Config.Layers, v.Config.SeqLen)
	}
	return (layer*v.Config.SeqLen + pos) * v.Config.KVDim(), nil
}

// StoreKV writes the key and value projections of one position.
func (v *RunStateView[A]) StoreKV(layer, pos int, k, val []float32) error {
	off, err := v.cacheOffset(layer, pos)
	if err != nil {
		return err
	}
	kvDim := v.Config.KVDim()
	if len(k) != kvDim || len(val) != kvDim {
		return fmt.Errorf("%w: key %d and value %d elements, want %d", ErrCachePosition, len(k), len(val), kvDim)
	}
	copy(v.KeyCache.Data()[off:off+kvDim], k)
	copy(v.ValueCache.Data()[off:off+kvDim], val)
	metrics.RecordKVCacheWrite()
	return nil
}

// KeyAt returns the cached key of one position. The slice aliases the cache.
func (v *RunStateView[A]) KeyAt(layer, pos int) ([]float32, error) {
	off, err := v.cacheOffset(layer, pos)
	if err != nil {
		return nil, err
	}
	end := off + v.Config.KVDim()
	return v.KeyCache.Data()[off:end:end], nil
}

// ValueAt returns the cached value of one position. The slice aliases the
// cache.
func (v *RunStateView[A]) ValueAt(layer, pos int) ([]float32, error) {
	off, err := v.cacheOffset(layer, pos)
	if err != nil {
		return nil, err
	}
	end := off + v.Config.KVDim()
	return v.ValueCache.Data()[off:end:end], nil
}
