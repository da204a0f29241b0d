// Package quant implements affine int8 quantized tensors:
// value(i) = (Data[i] - ZeroPoint) * Scale, with Scale > 0.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-core/internal/metrics"
)

var ErrInvalidScale = errors.New("quant: scale must be positive and finite")

// Tensor is a quantized copy of a float tensor. It is small relative to its
// float source and is copied by value between owning and view structures.
type Tensor struct {
	Data      []int8
	Scale     float32
	ZeroPoint int32
}

// New validates the scale and wraps data without copying it.
func New(data []int8, scale float32, zeroPoint int32) (Tensor, error) {
	t := Tensor{Data: data, Scale: scale, ZeroPoint: zeroPoint}
	if err := t.Validate(); err != nil {
		metrics.RecordQuantizationRejected()
		return Tensor{}, err
	}
	return t, nil
}

// Zeros returns a valid tensor of n zeros.
func Zeros(n int) Tensor {
	return Tensor{Data: make([]int8, n), Scale: 1}
}

func (t Tensor) Validate() error {
	s := float64(t.Scale)
	if !(s > 0) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidScale, t.Scale)
	}
	return nil
}

func (t Tensor) Len() int { return len(t.Data) }

// At dequantizes element i.
func (t Tensor) At(i int) float32 {
	return float32(int32(t.Data[i])-t.ZeroPoint) * t.Scale
}

// Dequantize writes the float values into dst, which must hold Len elements.
func (t Tensor) Dequantize(dst []float32) {
	dst = dst[:len(t.Data)]
	for i, q := range t.Data {
		dst[i] = float32(int32(q)-t.ZeroPoint) * t.Scale
	}
}

// Clone duplicates the int8 buffer.
func (t Tensor) Clone() Tensor {
	c := t
	if t.Data != nil {
		c.Data = make([]int8, len(t.Data))
		copy(c.Data, t.Data)
	}
	return c
}

// View is how layouts hand a quantized field to a borrowing structure: as an
// independent copy.
func (t Tensor) View() Tensor { return t.Clone() }

// Quantize maps src onto int8 using its min/max range, widened to include zero
// so that 0 is exactly representable.
func Quantize(src []float32) (Tensor, error) {
	t := Tensor{Data: make([]int8, len(src))}
	if err := QuantizeInto(&t, src); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// QuantizeInto requantizes src into dst, reusing dst.Data when it is large
// enough.
func QuantizeInto(dst *Tensor, src []float32) error {
	lo, hi := float32(0), float32(0)
	for i, v := range src {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("quant: non-finite value %v at %d", v, i)
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}

	scale := (float64(hi) - float64(lo)) / 255
	zp := int32(0)
	if scale == 0 {
		scale = 1
	} else {
		zp = int32(math.Round(-128 - float64(lo)/scale))
		zp = max(-128, min(127, zp))
	}
	if float32(scale) <= 0 {
		// range too small to survive float32 rounding
		scale = math.SmallestNonzeroFloat32
	}

	if cap(dst.Data) < len(src) {
		dst.Data = make([]int8, len(src))
	}
	dst.Data = dst.Data[:len(src)]
	dst.Scale = float32(scale)
	dst.ZeroPoint = zp

	inv := 1 / float64(dst.Scale)
	for i, v := range src {
		q := math.Round(float64(v)*inv) + float64(zp)
		dst.Data[i] = int8(max(-128, min(127, q)))
	}
	return nil
}
