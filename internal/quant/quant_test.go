package quant

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestNewRejectsInvalidScale(t *testing.T) {
	tests := []struct {
		name  string
		scale float32
	}{
		{"zero", 0},
		{"negative", -0.5},
		{"nan", float32(math.NaN())},
		{"inf", float32(math.Inf(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]int8{1, 2}, tt.scale, 0); !errors.Is(err, ErrInvalidScale) {
				t.Errorf("New(scale=%v) err = %v, want ErrInvalidScale", tt.scale, err)
			}
		})
	}

	q, err := New([]int8{10, -10}, 0.5, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := q.At(0); got != 4 {
		t.Errorf("At(0) = %v, want (10-2)*0.5 = 4", got)
	}
	if got := q.At(1); got != -6 {
		t.Errorf("At(1) = %v, want (-10-2)*0.5 = -6", got)
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	inputs := map[string][]float32{
		"mixed":       {-1.5, -0.25, 0, 0.3, 2.75},
		"positive":    {0.1, 0.2, 0.4, 8},
		"negative":    {-3, -2, -0.001},
		"all zero":    {0, 0, 0},
		"constant":    {5, 5, 5, 5},
		"single":      {-42},
		"tiny range":  {1e-6, -1e-6, 5e-7},
		"large range": {-1e4, 1e4, 3.3},
	}
	random := make([]float32, 4096)
	for i := range random {
		random[i] = float32(rng.NormFloat64() * 3)
	}
	inputs["gaussian"] = random

	for name, src := range inputs {
		t.Run(name, func(t *testing.T) {
			q, err := Quantize(src)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			if err := q.Validate(); err != nil {
				t.Fatalf("quantizer produced invalid tensor: %v", err)
			}
			out := make([]float32, len(src))
			q.Dequantize(out)
			for i := range src {
				if d := math.Abs(float64(src[i] - out[i])); d > float64(q.Scale) {
					t.Fatalf("|%v - %v| = %v exceeds scale %v at %d", src[i], out[i], d, q.Scale, i)
				}
			}
		})
	}
}

func TestQuantizeZeroIsExact(t *testing.T) {
	q, err := Quantize([]float32{-3, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := q.At(1); got != 0 {
		t.Errorf("zero dequantized to %v", got)
	}
}

func TestQuantizeRejectsNonFinite(t *testing.T) {
	if _, err := Quantize([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatal("expected error for NaN input")
	}
}

func TestQuantizeIntoReusesBuffer(t *testing.T) {
	dst := Zeros(8)
	buf := &dst.Data[0]
	if err := QuantizeInto(&dst, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if dst.Len() != 3 {
		t.Fatalf("Len = %d, want 3", dst.Len())
	}
	if &dst.Data[0] != buf {
		t.Error("QuantizeInto reallocated a buffer that was large enough")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a, err := New([]int8{1, 2, 3}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	b := a.Clone()
	b.Data[0] = 100
	if a.Data[0] != 1 {
		t.Error("Clone shares the int8 buffer")
	}
	v := a.View()
	if &v.Data[0] == &a.Data[0] {
		t.Error("View must copy quantized data")
	}
	if v.Scale != a.Scale || v.ZeroPoint != a.ZeroPoint {
		t.Error("View dropped quantization parameters")
	}
}
