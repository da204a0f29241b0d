package device

import (
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-core/internal/metrics"
	"github.com/23skdu/longbow-core/internal/quant"
)

const maxLanes = 16

// CPU multiplies on the host. Each output row is computed by lane-wide
// multiply-accumulate over column blocks; rows are split into chunks that run
// on separate goroutines. The per-element summation order does not depend on
// the thread count, so results are identical for any Threads setting.
type CPU struct {
	lanes   int
	threads int
}

type CPUOption func(*CPU)

// WithLanes overrides the detected SIMD lane width. n must be a power of two
// no larger than 16.
func WithLanes(n int) CPUOption {
	return func(c *CPU) {
		if n > 0 && n <= maxLanes && n&(n-1) == 0 {
			c.lanes = n
		}
	}
}

// WithThreads bounds the number of goroutines used per call. 1 runs on the
// calling goroutine.
func WithThreads(n int) CPUOption {
	return func(c *CPU) {
		if n > 0 {
			c.threads = n
		}
	}
}

func NewCPU(opts ...CPUOption) *CPU {
	c := &CPU{
		lanes:   DetectLanes(),
		threads: runtime.NumCPU(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *CPU) Name() string { return "cpu" }

func (c *CPU) Lanes() int { return c.lanes }

func (c *CPU) Threads() int { return c.threads }

func (c *CPU) Close() error { return nil }

func (c *CPU) check(out, a, b, width, rows, cols int) error {
	if err := checkShape(out, a, b, width, rows, cols); err != nil {
		return err
	}
	if width%c.lanes != 0 || cols%c.lanes != 0 {
		return &AlignmentError{Width: width, Cols: cols, Lanes: c.lanes}
	}
	return nil
}

func (c *CPU) MatMul(out, a, b []float32, width, rows, cols int) error {
	start := time.Now()
	if err := c.check(len(out), len(a), len(b), width, rows, cols); err != nil {
		metrics.RecordMatMulError(c.Name(), errorKind(err))
		return err
	}
	if err := c.forRows(rows, func(r0, r1 int) {
		matmulRows(out, a, b, width, cols, c.lanes, r0, r1)
	}); err != nil {
		return err
	}
	metrics.RecordMatMul(c.Name(), "f32", time.Since(start))
	return nil
}

func (c *CPU) MatMulQ(out []float32, a, b quant.Tensor, width, rows, cols int) error {
	start := time.Now()
	err := checkQuant(a, b)
	if err == nil {
		err = c.check(len(out), a.Len(), b.Len(), width, rows, cols)
	}
	if err == nil {
		err = checkQuantWidth(width)
	}
	if err != nil {
		metrics.RecordMatMulError(c.Name(), errorKind(err))
		return err
	}
	scale := a.Scale * b.Scale
	if err := c.forRows(rows, func(r0, r1 int) {
		matmulRowsQ8(out, a.Data, b.Data, a.ZeroPoint, b.ZeroPoint, scale, width, cols, c.lanes, r0, r1)
	}); err != nil {
		return err
	}
	metrics.RecordMatMul(c.Name(), "q8", time.Since(start))
	return nil
}

// forRows splits [0, rows) into one contiguous chunk per worker.
func (c *CPU) forRows(rows int, fn func(r0, r1 int)) error {
	workers := min(c.threads, rows)
	if workers <= 1 {
		fn(0, rows)
		return nil
	}
	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for r0 := 0; r0 < rows; r0 += chunk {
		r1 := min(r0+chunk, rows)
		g.Go(func() error {
			fn(r0, r1)
			return nil
		})
	}
	return g.Wait()
}

// matmulRows fills rows [r0, r1) of out. For each block of lanes output
// columns it keeps one accumulator per lane and walks width in lane-sized
// steps, broadcasting a[i,k] against the lane-wide slice of b's row k.
func matmulRows(out, a, b []float32, width, cols, lanes, r0, r1 int) {
	var buf [maxLanes]float32
	acc := buf[:lanes]
	for i := r0; i < r1; i++ {
		arow := a[i*width : (i+1)*width]
		orow := out[i*cols : (i+1)*cols]
		for j := 0; j < cols; j += lanes {
			clear(acc)
			for k := 0; k < width; k += lanes {
				for u := 0; u < lanes; u++ {
					x := arow[k+u]
					off := (k+u)*cols + j
					bv := b[off : off+lanes]
					for l := range acc {
						acc[l] += x * bv[l]
					}
				}
			}
			copy(orow[j:j+lanes], acc)
		}
	}
}

// matmulRowsQ8 is matmulRows over int8 operands with zero points removed,
// accumulating in int32 and scaling once per output element.
func matmulRowsQ8(out []float32, a, b []int8, za, zb int32, scale float32, width, cols, lanes, r0, r1 int) {
	var buf [maxLanes]int32
	acc := buf[:lanes]
	for i := r0; i < r1; i++ {
		arow := a[i*width : (i+1)*width]
		orow := out[i*cols : (i+1)*cols]
		for j := 0; j < cols; j += lanes {
			clear(acc)
			for k := 0; k < width; k += lanes {
				for u := 0; u < lanes; u++ {
					x := int32(arow[k+u]) - za
					off := (k+u)*cols + j
					bv := b[off : off+lanes]
					for l := range acc {
						acc[l] += x * (int32(bv[l]) - zb)
					}
				}
			}
			for l, v := range acc {
				orow[j+l] = float32(v) * scale
			}
		}
	}
}
