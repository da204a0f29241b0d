//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda -lnvrtc
#cgo CFLAGS: -I/usr/local/cuda/include
#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>

// Driver entry points are versioned macros in cuda.h; wrap them so cgo sees
// plain functions.
static CUresult lb_alloc(CUdeviceptr* p, size_t n) { return cuMemAlloc(p, n); }
static CUresult lb_free(CUdeviceptr p) { return cuMemFree(p); }
static CUresult lb_htod(CUdeviceptr dst, const void* src, size_t n) { return cuMemcpyHtoD(dst, src, n); }
static CUresult lb_dtoh(void* dst, CUdeviceptr src, size_t n) { return cuMemcpyDtoH(dst, src, n); }
static CUresult lb_zero(CUdeviceptr p, size_t n) { return cuMemsetD8(p, 0, n); }
static CUresult lb_ctx_retain(CUcontext* ctx, CUdevice dev) { return cuDevicePrimaryCtxRetain(ctx, dev); }
static CUresult lb_ctx_release(CUdevice dev) { return cuDevicePrimaryCtxRelease(dev); }

static const char* lb_cu_error(CUresult r) {
	const char* s = NULL;
	cuGetErrorString(r, &s);
	return s ? s : "unknown CUDA error";
}

// One block of cols × rows threads, no grid tiling.
static CUresult lb_launch_f32(CUfunction f, CUdeviceptr a, CUdeviceptr b, CUdeviceptr c,
                              int width, int rows, int cols) {
	void* args[] = {&a, &b, &c, &width, &rows, &cols};
	return cuLaunchKernel(f, 1, 1, 1, (unsigned)cols, (unsigned)rows, 1, 0, NULL, args, NULL);
}

static CUresult lb_launch_q8(CUfunction f, CUdeviceptr a, CUdeviceptr b, CUdeviceptr c,
                             int width, int rows, int cols, int za, int zb, float scale) {
	void* args[] = {&a, &b, &c, &width, &rows, &cols, &za, &zb, &scale};
	return cuLaunchKernel(f, 1, 1, 1, (unsigned)cols, (unsigned)rows, 1, 0, NULL, args, NULL);
}
*/
import "C"
import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/metrics"
	"github.com/23skdu/longbow-core/internal/quant"
)

const kernelSource = `
extern "C" __global__ void matmul(const float* A, const float* B, float* C,
                                  int width, int rows, int cols) {
    int row = blockIdx.y * blockDim.y + threadIdx.y;
    int col = blockIdx.x * blockDim.x + threadIdx.x;
    if (row < rows && col < cols) {
        float sum = 0.0f;
        for (int i = 0; i < width; i++) {
            sum += A[row * width + i] * B[i * cols + col];
        }
        C[row * cols + col] = sum;
    }
}

extern "C" __global__ void matmul_q8(const signed char* A, const signed char* B, float* C,
                                     int width, int rows, int cols, int za, int zb, float scale) {
    int row = blockIdx.y * blockDim.y + threadIdx.y;
    int col = blockIdx.x * blockDim.x + threadIdx.x;
    if (row < rows && col < cols) {
        int acc = 0;
        for (int i = 0; i < width; i++) {
            acc += ((int)A[row * width + i] - za) * ((int)B[i * cols + col] - zb);
        }
        C[row * cols + col] = (float)acc * scale;
    }
}
`

// GPU runs the single-block matmul kernels through the CUDA driver API. The
// kernel source is compiled with NVRTC and loaded once in NewGPU; each call
// only allocates, copies, launches and copies back.
type GPU struct {
	mu         sync.Mutex
	dev        C.CUdevice
	ctx        C.CUcontext
	mod        C.CUmodule
	fnF32      C.CUfunction
	fnQ8       C.CUfunction
	maxThreads int
	ordinal    int
	closed     bool
}

func cuError(op string, r C.CUresult) error {
	return &DriverError{Op: op, Code: int(r), Msg: C.GoString(C.lb_cu_error(r))}
}

func NewGPU(opts ...GPUOption) (*GPU, error) {
	o := gpuOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.Log.With("component", "gpu")

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r := C.cuInit(0); r != C.CUDA_SUCCESS {
		return nil, cuError("cuInit", r)
	}
	var count C.int
	if r := C.cuDeviceGetCount(&count); r != C.CUDA_SUCCESS {
		return nil, cuError("cuDeviceGetCount", r)
	}
	if o.ordinal >= int(count) {
		return nil, &DriverError{Op: "cuDeviceGet", Err: ErrNoDevice}
	}

	g := &GPU{ordinal: o.ordinal}
	if r := C.cuDeviceGet(&g.dev, C.int(o.ordinal)); r != C.CUDA_SUCCESS {
		return nil, cuError("cuDeviceGet", r)
	}
	if r := C.lb_ctx_retain(&g.ctx, g.dev); r != C.CUDA_SUCCESS {
		return nil, cuError("cuDevicePrimaryCtxRetain", r)
	}
	if r := C.cuCtxSetCurrent(g.ctx); r != C.CUDA_SUCCESS {
		C.lb_ctx_release(g.dev)
		return nil, cuError("cuCtxSetCurrent", r)
	}

	var maxThreads C.int
	if r := C.cuDeviceGetAttribute(&maxThreads, C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK, g.dev); r != C.CUDA_SUCCESS {
		C.lb_ctx_release(g.dev)
		return nil, cuError("cuDeviceGetAttribute", r)
	}
	g.maxThreads = int(maxThreads)

	ptx, err := compilePTX(kernelSource)
	if err != nil {
		C.lb_ctx_release(g.dev)
		return nil, err
	}
	metrics.RecordKernelCompile()

	if r := C.cuModuleLoadData(&g.mod, unsafe.Pointer(&ptx[0])); r != C.CUDA_SUCCESS {
		C.lb_ctx_release(g.dev)
		return nil, cuError("cuModuleLoadData", r)
	}
	for name, fn := range map[string]*C.CUfunction{"matmul": &g.fnF32, "matmul_q8": &g.fnQ8} {
		cname := C.CString(name)
		r := C.cuModuleGetFunction(fn, g.mod, cname)
		C.free(unsafe.Pointer(cname))
		if r != C.CUDA_SUCCESS {
			C.cuModuleUnload(g.mod)
			C.lb_ctx_release(g.dev)
			return nil, cuError("cuModuleGetFunction("+name+")", r)
		}
	}

	log.Info("GPU ready", "ordinal", g.ordinal, "max_threads_per_block", g.maxThreads)
	return g, nil
}

func compilePTX(src string) ([]byte, error) {
	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString("longbow_matmul.cu")
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if r := C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil); r != C.NVRTC_SUCCESS {
		return nil, &DriverError{Op: "nvrtcCreateProgram", Code: int(r), Msg: C.GoString(C.nvrtcGetErrorString(r))}
	}
	defer C.nvrtcDestroyProgram(&prog)

	if r := C.nvrtcCompileProgram(prog, 0, nil); r != C.NVRTC_SUCCESS {
		return nil, &DriverError{Op: "nvrtcCompileProgram", Code: int(r), Msg: programLog(prog)}
	}

	var size C.size_t
	if r := C.nvrtcGetPTXSize(prog, &size); r != C.NVRTC_SUCCESS {
		return nil, &DriverError{Op: "nvrtcGetPTXSize", Code: int(r), Msg: C.GoString(C.nvrtcGetErrorString(r))}
	}
	ptx := make([]byte, int(size))
	if r := C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0]))); r != C.NVRTC_SUCCESS {
		return nil, &DriverError{Op: "nvrtcGetPTX", Code: int(r), Msg: C.GoString(C.nvrtcGetErrorString(r))}
	}
	return ptx, nil
}

func programLog(prog C.nvrtcProgram) string {
	var size C.size_t
	if C.nvrtcGetProgramLogSize(prog, &size) != C.NVRTC_SUCCESS || size <= 1 {
		return "compilation failed"
	}
	buf := make([]byte, int(size))
	C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&buf[0])))
	return string(buf[:len(buf)-1])
}

func (g *GPU) Name() string { return "gpu" }

// MaxThreadsPerBlock bounds rows*cols for every call.
func (g *GPU) MaxThreadsPerBlock() int { return g.maxThreads }

func (g *GPU) checkBlock(rows, cols int) error {
	if rows*cols > g.maxThreads {
		return &BlockSizeError{Rows: rows, Cols: cols, Max: g.maxThreads}
	}
	return nil
}

func (g *GPU) MatMul(out, a, b []float32, width, rows, cols int) error {
	start := time.Now()
	err := checkShape(len(out), len(a), len(b), width, rows, cols)
	if err == nil {
		err = g.checkBlock(rows, cols)
	}
	if err == nil {
		err = g.run(
			unsafe.Pointer(&a[0]), rows*width*4,
			unsafe.Pointer(&b[0]), width*cols*4,
			out, rows, cols,
			func(da, db, dc C.CUdeviceptr) C.CUresult {
				return C.lb_launch_f32(g.fnF32, da, db, dc, C.int(width), C.int(rows), C.int(cols))
			})
	}
	if err != nil {
		metrics.RecordMatMulError(g.Name(), errorKind(err))
		return err
	}
	metrics.RecordMatMul(g.Name(), "f32", time.Since(start))
	return nil
}

func (g *GPU) MatMulQ(out []float32, a, b quant.Tensor, width, rows, cols int) error {
	start := time.Now()
	err := checkQuant(a, b)
	if err == nil {
		err = checkShape(len(out), a.Len(), b.Len(), width, rows, cols)
	}
	if err == nil {
		err = checkQuantWidth(width)
	}
	if err == nil {
		err = g.checkBlock(rows, cols)
	}
	if err == nil {
		scale := a.Scale * b.Scale
		err = g.run(
			unsafe.Pointer(&a.Data[0]), rows*width,
			unsafe.Pointer(&b.Data[0]), width*cols,
			out, rows, cols,
			func(da, db, dc C.CUdeviceptr) C.CUresult {
				return C.lb_launch_q8(g.fnQ8, da, db, dc, C.int(width), C.int(rows), C.int(cols),
					C.int(a.ZeroPoint), C.int(b.ZeroPoint), C.float(scale))
			})
	}
	if err != nil {
		metrics.RecordMatMulError(g.Name(), errorKind(err))
		return err
	}
	metrics.RecordMatMul(g.Name(), "q8", time.Since(start))
	return nil
}

// run copies both operands and a zeroed output to the device, launches, waits
// and copies the result into out. out is only written on success.
func (g *GPU) run(a unsafe.Pointer, aBytes int, b unsafe.Pointer, bBytes int,
	out []float32, rows, cols int, launch func(da, db, dc C.CUdeviceptr) C.CUresult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return &DriverError{Op: "matmul", Err: ErrNoDevice, Msg: "device closed"}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r := C.cuCtxSetCurrent(g.ctx); r != C.CUDA_SUCCESS {
		return cuError("cuCtxSetCurrent", r)
	}

	outBytes := rows * cols * 4
	var da, db, dc C.CUdeviceptr
	if r := C.lb_alloc(&da, C.size_t(aBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemAlloc(a)", r)
	}
	defer C.lb_free(da)
	if r := C.lb_alloc(&db, C.size_t(bBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemAlloc(b)", r)
	}
	defer C.lb_free(db)
	if r := C.lb_alloc(&dc, C.size_t(outBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemAlloc(out)", r)
	}
	defer C.lb_free(dc)

	if r := C.lb_htod(da, a, C.size_t(aBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemcpyHtoD(a)", r)
	}
	if r := C.lb_htod(db, b, C.size_t(bBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemcpyHtoD(b)", r)
	}
	if r := C.lb_zero(dc, C.size_t(outBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemsetD8(out)", r)
	}
	metrics.RecordTransfer("htod", aBytes+bBytes)

	if r := launch(da, db, dc); r != C.CUDA_SUCCESS {
		return cuError("cuLaunchKernel", r)
	}
	if r := C.cuCtxSynchronize(); r != C.CUDA_SUCCESS {
		return cuError("cuCtxSynchronize", r)
	}
	if r := C.lb_dtoh(unsafe.Pointer(&out[0]), dc, C.size_t(outBytes)); r != C.CUDA_SUCCESS {
		return cuError("cuMemcpyDtoH(out)", r)
	}
	metrics.RecordTransfer("dtoh", outBytes)
	return nil
}

func (g *GPU) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	C.cuCtxSetCurrent(g.ctx)
	if r := C.cuModuleUnload(g.mod); r != C.CUDA_SUCCESS {
		C.lb_ctx_release(g.dev)
		return cuError("cuModuleUnload", r)
	}
	if r := C.lb_ctx_release(g.dev); r != C.CUDA_SUCCESS {
		return cuError("cuDevicePrimaryCtxRelease", r)
	}
	return nil
}
