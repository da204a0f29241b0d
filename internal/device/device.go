// Package device multiplies matrices on the host CPU or a GPU.
//
// Every backend computes out = a · b where a is rows × width and b is
// width × cols, both row-major, and out is rows × cols. Results agree across
// backends only up to floating-point summation order.
package device

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/quant"
	"github.com/23skdu/longbow-core/internal/tensor"
)

var (
	ErrAlignment      = errors.New("device: dimensions not aligned to SIMD lane width")
	ErrShape          = errors.New("device: operand shape mismatch")
	ErrRepresentation = errors.New("device: unsupported operand representation")
	ErrDriver         = errors.New("device: driver error")
	ErrNoDevice       = errors.New("device: no GPU available")
	ErrBlockTooLarge  = errors.New("device: output does not fit one thread block")
)

// Device is a compute backend. Calls block until out is fully written or an
// error is returned.
type Device interface {
	Name() string
	MatMul(out, a, b []float32, width, rows, cols int) error
	MatMulQ(out []float32, a, b quant.Tensor, width, rows, cols int) error
	Close() error
}

// AlignmentError reports dimensions the CPU kernel cannot split into lanes.
type AlignmentError struct {
	Width, Cols, Lanes int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("device: width %d and cols %d must be multiples of lane width %d", e.Width, e.Cols, e.Lanes)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }

// DriverError wraps a failing GPU driver or compiler call. errors.Is matches
// it against ErrDriver as well as any wrapped cause.
type DriverError struct {
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *DriverError) Error() string {
	var b strings.Builder
	b.WriteString("device: ")
	b.WriteString(e.Op)
	if e.Code != 0 {
		fmt.Fprintf(&b, " failed with code %d", e.Code)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DriverError) Unwrap() error { return e.Err }

func (e *DriverError) Is(target error) bool { return target == ErrDriver }

// BlockSizeError reports an output too large for the GPU's single-block launch.
type BlockSizeError struct {
	Rows, Cols, Max int
}

func (e *BlockSizeError) Error() string {
	return fmt.Sprintf("device: %d×%d output needs %d threads, block limit is %d", e.Rows, e.Cols, e.Rows*e.Cols, e.Max)
}

func (e *BlockSizeError) Unwrap() error { return ErrBlockTooLarge }

// checkShape validates dims and buffer lengths before anything is written.
func checkShape(out, a, b, width, rows, cols int) error {
	if width <= 0 || rows <= 0 || cols <= 0 {
		return fmt.Errorf("%w: width=%d rows=%d cols=%d must be positive", ErrShape, width, rows, cols)
	}
	if a < rows*width {
		return fmt.Errorf("%w: a has %d elements, need %d×%d", ErrShape, a, rows, width)
	}
	if b < width*cols {
		return fmt.Errorf("%w: b has %d elements, need %d×%d", ErrShape, b, width, cols)
	}
	if out < rows*cols {
		return fmt.Errorf("%w: out has %d elements, need %d×%d", ErrShape, out, rows, cols)
	}
	return nil
}

func checkQuant(a, b quant.Tensor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return b.Validate()
}

// MaxQuantWidth is the widest int8 product whose int32 accumulator cannot
// overflow. Each zero-point-adjusted term is at most 255·255 in magnitude.
const MaxQuantWidth = math.MaxInt32 / (255 * 255)

func checkQuantWidth(width int) error {
	if width > MaxQuantWidth {
		return fmt.Errorf("%w: width %d exceeds %d for int8 accumulation", ErrShape, width, MaxQuantWidth)
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAlignment):
		return "alignment"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrBlockTooLarge):
		return "block_size"
	case errors.Is(err, quant.ErrInvalidScale):
		return "quant_scale"
	case errors.Is(err, ErrDriver):
		return "driver"
	default:
		return "other"
	}
}

// Dispatch routes a product to the entry point matching the operands'
// element representation: float buffers (owned storage or views) go to
// MatMul, quantized tensors to MatMulQ. Both operands must share one
// representation.
func Dispatch(d Device, out []float32, a, b any, width, rows, cols int) error {
	if fa, ok := a.(tensor.Floats); ok {
		fb, ok := b.(tensor.Floats)
		if !ok {
			return fmt.Errorf("%w: %T with %T", ErrRepresentation, a, b)
		}
		return d.MatMul(out, fa.Data(), fb.Data(), width, rows, cols)
	}
	qa, ok := asQuant(a)
	if !ok {
		return fmt.Errorf("%w: %T", ErrRepresentation, a)
	}
	qb, ok := asQuant(b)
	if !ok {
		return fmt.Errorf("%w: %T with %T", ErrRepresentation, a, b)
	}
	return d.MatMulQ(out, qa, qb, width, rows, cols)
}

func asQuant(x any) (quant.Tensor, bool) {
	switch q := x.(type) {
	case quant.Tensor:
		return q, true
	case *quant.Tensor:
		if q == nil {
			return quant.Tensor{}, false
		}
		return *q, true
	default:
		return quant.Tensor{}, false
	}
}

// Open selects the process-wide backend from cfg. "auto" prefers the GPU and
// falls back to the CPU when no device can be initialised.
func Open(cfg config.Device) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Log.With("component", "device")

	var cpuOpts []CPUOption
	if cfg.Threads > 0 {
		cpuOpts = append(cpuOpts, WithThreads(cfg.Threads))
	}
	if cfg.Lanes > 0 {
		cpuOpts = append(cpuOpts, WithLanes(cfg.Lanes))
	}

	switch strings.ToLower(cfg.Backend) {
	case config.BackendGPU:
		g, err := NewGPU(WithOrdinal(cfg.GPUOrdinal))
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.BackendAuto:
		g, err := NewGPU(WithOrdinal(cfg.GPUOrdinal))
		if err == nil {
			return g, nil
		}
		log.Warn("GPU unavailable, using CPU", "err", err)
	}

	c := NewCPU(cpuOpts...)
	log.Info("selected backend", "backend", c.Name(), "lanes", c.Lanes(), "threads", c.Threads())
	return c, nil
}
