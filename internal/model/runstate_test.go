package model

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/metrics"
	"github.com/23skdu/longbow-core/internal/tensor"
)

func TestNewRunStateSizes(t *testing.T) {
	rs, err := NewRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		s    *tensor.Storage[float32]
		want int
	}{
		{"x", rs.X, 8},
		{"hb", rs.HB, 16},
		{"k", rs.K, 4},
		{"att", rs.Att, 2 * 4},
		{"logits", rs.Logits, 10},
		{"key_cache", rs.KeyCache, 2 * 4 * 4},
		{"value_cache", rs.ValueCache, 2 * 4 * 4},
	}
	for _, tt := range tests {
		if got := tt.s.Len(); got != tt.want {
			t.Errorf("%s: len = %d, want %d", tt.name, got, tt.want)
		}
	}

	qrs, err := NewQuantRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	if qrs.XQ.Len() != 8 || qrs.HQ.Len() != 16 {
		t.Errorf("xq/hq len = %d/%d, want 8/16", qrs.XQ.Len(), qrs.HQ.Len())
	}
	if err := qrs.XQ.Validate(); err != nil {
		t.Errorf("fresh xq invalid: %v", err)
	}
}

func TestRunStateFieldViewsDoNotAlias(t *testing.T) {
	rs, err := NewRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	v := rs.View()
	defer v.Release()

	fields := []*tensor.MutView[float32]{v.X, v.XB, v.XB2, v.HB, v.HB2, v.Q, v.K, v.V, v.Att, v.Logits, v.KeyCache, v.ValueCache}

	// each field written from its own goroutine with a distinct value
	var wg sync.WaitGroup
	for i, f := range fields {
		wg.Go(func() {
			for j := range f.Data() {
				f.Set(j, float32(i+1))
			}
		})
	}
	wg.Wait()

	for i, f := range fields {
		for j, x := range f.Data() {
			if x != float32(i+1) {
				t.Fatalf("field %d element %d = %v, want %v", i, j, x, float32(i+1))
			}
		}
	}
}

func TestRunStateViewIsExclusive(t *testing.T) {
	rs, err := NewRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	att := rs.Att.MutView()

	if _, err := rs.TryView(); !errors.Is(err, tensor.ErrBorrowConflict) {
		t.Fatalf("TryView with att borrowed = %v, want ErrBorrowConflict", err)
	}
	// fields taken before the conflict were given back
	if r, w := rs.X.Borrows(); r != 0 || w {
		t.Errorf("x borrows after failed view = %d, %t", r, w)
	}

	att.Release()
	v := rs.View()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("second View did not panic")
			}
		}()
		rs.View()
	}()
	v.Release()

	if err := rs.Free(); err != nil {
		t.Errorf("Free after release: %v", err)
	}
}

func TestQuantRunStateViewCopiesActivations(t *testing.T) {
	rs, err := NewQuantRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	v := rs.View()
	defer v.Release()

	v.XQ.Data[0] = 42
	v.HQ.Data[3] = -7
	if rs.XQ.Data[0] != 0 || rs.HQ.Data[3] != 0 {
		t.Error("view activations alias the run-state's copies")
	}
}

func TestKVCachePositionsAreStable(t *testing.T) {
	cfg := testConfig(true)
	rs, err := NewRunState(cfg)
	if err != nil {
		t.Fatal(err)
	}
	v := rs.View()
	defer v.Release()

	kv := func(layer, pos int, sign float32) []float32 {
		out := make([]float32, cfg.KVDim())
		for i := range out {
			out[i] = sign * float32(layer*100+pos*10+i)
		}
		return out
	}

	before := testutil.ToFloat64(metrics.KVCacheWrites)
	for layer := 0; layer < cfg.Layers; layer++ {
		for pos := 0; pos < cfg.SeqLen; pos++ {
			if err := v.StoreKV(layer, pos, kv(layer, pos, 1), kv(layer, pos, -1)); err != nil {
				t.Fatalf("StoreKV(%d, %d): %v", layer, pos, err)
			}
			if pos == 0 {
				continue
			}
			// writing pos must leave pos-1 untouched
			prev, err := v.KeyAt(layer, pos-1)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(kv(layer, pos-1, 1), prev); diff != "" {
				t.Errorf("key (%d, %d) changed after writing %d (-want +got):\n%s", layer, pos-1, pos, diff)
			}
		}
	}
	if got := testutil.ToFloat64(metrics.KVCacheWrites) - before; got != float64(cfg.Layers*cfg.SeqLen) {
		t.Errorf("kv write metric advanced by %v", got)
	}

	for layer := 0; layer < cfg.Layers; layer++ {
		for pos := 0; pos < cfg.SeqLen; pos++ {
			k, _ := v.KeyAt(layer, pos)
			val, _ := v.ValueAt(layer, pos)
			if diff := cmp.Diff(kv(layer, pos, 1), k); diff != "" {
				t.Errorf("key (%d, %d) (-want +got):\n%s", layer, pos, diff)
			}
			if diff := cmp.Diff(kv(layer, pos, -1), val); diff != "" {
				t.Errorf("value (%d, %d) (-want +got):\n%s", layer, pos, diff)
			}
		}
	}
}

func TestKVCacheBounds(t *testing.T) {
	cfg := testConfig(true)
	rs, err := NewRunState(cfg)
	if err != nil {
		t.Fatal(err)
	}
	v := rs.View()
	defer v.Release()

	ok := make([]float32, cfg.KVDim())
	tests := []struct {
		name       string
		layer, pos int
		k          []float32
	}{
		{"pos past seq_len", 0, cfg.SeqLen, ok},
		{"negative pos", 0, -1, ok},
		{"layer past end", cfg.Layers, 0, ok},
		{"short key", 0, 0, ok[:1]},
	}
	before := testutil.ToFloat64(metrics.KVCacheOutOfBounds)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.StoreKV(tt.layer, tt.pos, tt.k, ok); !errors.Is(err, ErrCachePosition) {
				t.Errorf("StoreKV = %v, want ErrCachePosition", err)
			}
		})
	}
	if got := testutil.ToFloat64(metrics.KVCacheOutOfBounds) - before; got != 3 {
		t.Errorf("out-of-bounds metric advanced by %v, want 3", got)
	}
	if _, err := v.KeyAt(0, cfg.SeqLen); !errors.Is(err, ErrCachePosition) {
		t.Errorf("KeyAt past end = %v", err)
	}
	if _, err := v.ValueAt(-1, 0); !errors.Is(err, ErrCachePosition) {
		t.Errorf("ValueAt negative layer = %v", err)
	}
}

func TestRunStateReset(t *testing.T) {
	rs, err := NewQuantRunState(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	v := rs.View()
	v.X.Set(0, 3)
	if err := v.StoreKV(1, 2, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	v.Release()
	rs.XQ.Data[1] = 9

	rs.Reset()
	for name, s := range map[string]*tensor.Storage[float32]{"x": rs.X, "key_cache": rs.KeyCache, "value_cache": rs.ValueCache} {
		for i, x := range s.Data() {
			if x != 0 {
				t.Fatalf("%s[%d] = %v after Reset", name, i, x)
			}
		}
	}
	if rs.XQ.Data[1] != 0 {
		t.Error("Reset left xq populated")
	}
}

func TestNewRunStateRejectsInvalidConfig(t *testing.T) {
	negDim := testConfig(true)
	negDim.Dim = -8
	negHidden := testConfig(true)
	negHidden.HiddenDim = -16

	for name, cfg := range map[string]config.Config{"dim": negDim, "hidden": negHidden} {
		if _, err := NewRunState(cfg); err == nil {
			t.Errorf("NewRunState(negative %s) succeeded", name)
		}
		if _, err := NewQuantRunState(cfg); err == nil {
			t.Errorf("NewQuantRunState(negative %s) succeeded", name)
		}
	}
}
