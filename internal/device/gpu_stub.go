//go:build !(linux && cuda)

package device

import "github.com/23skdu/longbow-core/internal/quant"

// GPU is unavailable in builds without the cuda tag; NewGPU always fails.
type GPU struct{}

func NewGPU(opts ...GPUOption) (*GPU, error) {
	return nil, &DriverError{Op: "init", Msg: "built without cuda tag", Err: ErrNoDevice}
}

func (g *GPU) Name() string { return "gpu" }

func (g *GPU) MaxThreadsPerBlock() int { return 0 }

func (g *GPU) MatMul(out, a, b []float32, width, rows, cols int) error {
	return &DriverError{Op: "matmul", Err: ErrNoDevice}
}

func (g *GPU) MatMulQ(out []float32, a, b quant.Tensor, width, rows, cols int) error {
	return &DriverError{Op: "matmul_q8", Err: ErrNoDevice}
}

func (g *GPU) Close() error { return nil }
