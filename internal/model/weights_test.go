package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/device"
	"github.com/23skdu/longbow-core/internal/quant"
	"github.com/23skdu/longbow-core/internal/tensor"
)

func testConfig(shared bool) config.Config {
	return config.Config{
		Dim:              8,
		HiddenDim:        16,
		Layers:           2,
		Heads:            2,
		KVHeads:          1,
		VocabSize:        10,
		SeqLen:           4,
		SharedClassifier: shared,
	}
}

func fill(t *testing.T, rng *rand.Rand, s *tensor.Storage[float32]) {
	t.Helper()
	v := s.MutView()
	defer v.Release()
	for i := range v.Data() {
		v.Set(i, rng.Float32()*2-1)
	}
}

func randomWeights(t *testing.T, shared bool) *DenseWeights {
	t.Helper()
	w, err := NewDenseWeights(testConfig(shared))
	if err != nil {
		t.Fatalf("NewDenseWeights: %v", err)
	}
	rng := rand.New(rand.NewPCG(uint64(len(t.Name())), 42))
	for _, s := range []*tensor.Storage[float32]{
		w.TokenEmbeddingTable, w.RMSAttWeight, w.RMSFFNWeight,
		w.WQ, w.WK, w.WV, w.WO, w.W1, w.W2, w.W3,
		w.RMSFinalWeight, w.FreqCISReal, w.FreqCISImag,
	} {
		fill(t, rng, s)
	}
	if w.WClsExists {
		fill(t, rng, w.WCls)
	}
	return w
}

func TestNewDenseWeightsSizes(t *testing.T) {
	w, err := NewDenseWeights(testConfig(false))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		s    *tensor.Storage[float32]
		want int
	}{
		{"embedding", w.TokenEmbeddingTable, 10 * 8},
		{"rms_att", w.RMSAttWeight, 2 * 8},
		{"wq", w.WQ, 2 * 8 * 8},
		{"wk", w.WK, 2 * 8 * 4},
		{"wv", w.WV, 2 * 8 * 4},
		{"wo", w.WO, 2 * 8 * 8},
		{"w1", w.W1, 2 * 8 * 16},
		{"w2", w.W2, 2 * 16 * 8},
		{"w3", w.W3, 2 * 8 * 16},
		{"rms_final", w.RMSFinalWeight, 8},
		{"freq_real", w.FreqCISReal, 4 * 2},
		{"wcls", w.WCls, 10 * 8},
	}
	for _, tt := range tests {
		if got := tt.s.Len(); got != tt.want {
			t.Errorf("%s: len = %d, want %d", tt.name, got, tt.want)
		}
	}
	if w.Tokens != w.TokenEmbeddingTable {
		t.Error("dense Tokens must be the embedding storage")
	}

	bad := testConfig(false)
	bad.Heads = 3
	if _, err := NewDenseWeights(bad); err == nil {
		t.Error("NewDenseWeights accepted an invalid config")
	}
}

func TestDenseWeightTying(t *testing.T) {
	t.Run("shared classifier", func(t *testing.T) {
		w := randomWeights(t, true)
		v := w.View()
		defer v.Release()

		if v.WClsExists {
			t.Fatal("WClsExists = true for shared config")
		}
		if &v.WCls.Data()[0] != &v.TokenEmbeddingTable.Data()[0] {
			t.Error("classifier view must share the embedding table's data")
		}
	})

	t.Run("separate classifier", func(t *testing.T) {
		w := randomWeights(t, false)
		v := w.View()
		defer v.Release()

		if &v.WCls.Data()[0] == &v.TokenEmbeddingTable.Data()[0] {
			t.Fatal("classifier view aliases the embedding table")
		}
		if diff := cmp.Diff(w.WCls.Data(), v.WCls.Data()); diff != "" {
			t.Errorf("classifier view differs from wcls (-want +got):\n%s", diff)
		}
	})
}

func TestQuantWeightTying(t *testing.T) {
	for _, shared := range []bool{true, false} {
		dense := randomWeights(t, shared)
		q, err := QuantizeWeights(dense)
		if err != nil {
			t.Fatalf("QuantizeWeights: %v", err)
		}
		v := q.View()

		want := q.WCls
		if shared {
			want = q.Tokens
		}
		if diff := cmp.Diff(want, v.WCls); diff != "" {
			t.Errorf("shared=%t: classifier view (-want +got):\n%s", shared, diff)
		}
		// quantized fields are cloned, float fields borrowed
		if &v.WQ.Data[0] == &q.WQ.Data[0] {
			t.Errorf("shared=%t: quantized view shares wq data", shared)
		}
		if &v.RMSFinalWeight.Data()[0] != &dense.RMSFinalWeight.Data()[0] {
			t.Errorf("shared=%t: float field was copied", shared)
		}
		v.Release()
	}
}

func TestQuantizeWeightsAccuracy(t *testing.T) {
	dense := randomWeights(t, false)
	q, err := QuantizeWeights(dense)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]float32, q.W2.Len())
	q.W2.Dequantize(got)
	tol := float64(q.W2.Scale) / 2 * 1.001
	if diff := cmp.Diff(dense.W2.Data(), got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Errorf("dequantized w2 off by more than half a step (-want +got):\n%s", diff)
	}
}

func TestWeightsLayerOperands(t *testing.T) {
	w := randomWeights(t, false)
	v := w.View()
	defer v.Release()
	cfg := w.Config

	k1, ok := v.Layer(ProjK, 1).(tensor.Slice)
	if !ok {
		t.Fatalf("Layer returned %T, want tensor.Slice", v.Layer(ProjK, 1))
	}
	width, cols := ProjK.Shape(cfg)
	if len(k1) != width*cols {
		t.Fatalf("layer slice len = %d, want %d", len(k1), width*cols)
	}
	if &k1[0] != &v.WK.Data()[width*cols] {
		t.Error("layer 1 slice does not start at the second block")
	}

	// x · wq[0] through the device matches a direct dot product
	rng := rand.New(rand.NewPCG(1, 1))
	x := make(tensor.Slice, cfg.Dim)
	for i := range x {
		x[i] = rng.Float32()
	}
	out := make([]float32, cfg.Dim)
	cpu := device.NewCPU(device.WithLanes(4))
	if err := device.Dispatch(cpu, out, x, v.Layer(ProjQ, 0), cfg.Dim, 1, cfg.Dim); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	wq := v.WQ.Data()
	for j := range out {
		var want float32
		for i := range x {
			want += x[i] * wq[i*cfg.Dim+j]
		}
		if math.Abs(float64(out[j]-want)) > 1e-5 {
			t.Errorf("out[%d] = %v, want %v", j, out[j], want)
		}
	}

	q, err := QuantizeWeights(w)
	if err != nil {
		t.Fatal(err)
	}
	qv := q.View()
	defer qv.Release()
	ql, ok := qv.Layer(ProjDown, 1).(quant.Tensor)
	if !ok {
		t.Fatalf("quantized Layer returned %T", qv.Layer(ProjDown, 1))
	}
	if ql.Scale != q.W2.Scale || ql.ZeroPoint != q.W2.ZeroPoint || ql.Len() != cfg.HiddenDim*cfg.Dim {
		t.Errorf("quantized layer = scale %v zp %d len %d", ql.Scale, ql.ZeroPoint, ql.Len())
	}
}

func TestWeightsLayerOutOfRangePanics(t *testing.T) {
	w := randomWeights(t, true)
	v := w.View()
	defer v.Release()
	defer func() {
		if recover() == nil {
			t.Error("Layer(ProjQ, 2) did not panic")
		}
	}()
	v.Layer(ProjQ, 2)
}

func TestProjNames(t *testing.T) {
	want := []string{"wq", "wk", "wv", "wo", "w1", "w2", "w3"}
	for p := ProjQ; p <= ProjUp; p++ {
		if p.String() != want[p] {
			t.Errorf("Proj(%d).String() = %q, want %q", p, p.String(), want[p])
		}
	}
	if got := Proj(9).String(); got != "Proj(9)" {
		t.Errorf("unknown Proj String() = %q", got)
	}
}

func TestWeightsNorm(t *testing.T) {
	w := randomWeights(t, true)
	v := w.View()
	defer v.Release()
	att, ffn := v.Norm(1)
	if diff := cmp.Diff(w.RMSAttWeight.Data()[8:16], att); diff != "" {
		t.Errorf("att norm (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(w.RMSFFNWeight.Data()[8:16], ffn); diff != "" {
		t.Errorf("ffn norm (-want +got):\n%s", diff)
	}
}

func TestFillRotary(t *testing.T) {
	w, err := NewDenseWeights(testConfig(true))
	if err != nil {
		t.Fatal(err)
	}
	w.FillRotary(10000)
	re, im := w.FreqCISReal.Data(), w.FreqCISImag.Data()
	half := w.Config.HeadDim() / 2

	for i := 0; i < half; i++ {
		if re[i] != 1 || im[i] != 0 {
			t.Errorf("pos 0 dim %d = (%v, %v), want (1, 0)", i, re[i], im[i])
		}
	}
	// pos 1, i 0 rotates by exactly one radian
	if math.Abs(float64(re[half])-math.Cos(1)) > 1e-6 || math.Abs(float64(im[half])-math.Sin(1)) > 1e-6 {
		t.Errorf("pos 1 dim 0 = (%v, %v)", re[half], im[half])
	}
	// i 1 has frequency 10000^(-2/4) = 0.01
	want := math.Sin(3 * 0.01)
	if got := float64(im[3*half+1]); math.Abs(got-want) > 1e-6 {
		t.Errorf("pos 3 dim 1 imag = %v, want %v", got, want)
	}
}

func TestWeightsFree(t *testing.T) {
	w := randomWeights(t, true)
	v := w.View()
	if err := w.Free(); !errors.Is(err, tensor.ErrBorrowed) {
		t.Fatalf("Free with live view = %v, want ErrBorrowed", err)
	}
	v.Release()
	v.Release()
	if err := w.Free(); err != nil {
		t.Fatalf("Free after release: %v", err)
	}
}
