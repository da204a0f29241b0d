// Command matbench times repeated matrix products on the selected backend.
//
// Without -checkpoint it multiplies random rows×width and width×cols
// matrices. With -checkpoint it loads llama2.c weights and projects a random
// activation through layer 0's query matrix, optionally quantized.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/device"
	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/model"
	"github.com/23skdu/longbow-core/internal/monitoring"
	"github.com/23skdu/longbow-core/internal/quant"
	"github.com/23skdu/longbow-core/internal/snapshot"
	"github.com/23skdu/longbow-core/internal/tensor"
)

var (
	backend     = flag.String("backend", "", "Backend: auto, cpu or gpu (overrides LONGBOW_BACKEND)")
	threads     = flag.Int("threads", -1, "CPU worker goroutines (overrides LONGBOW_THREADS)")
	lanes       = flag.Int("lanes", -1, "CPU SIMD lane width (overrides LONGBOW_LANES)")
	logLevel    = flag.String("log-level", "", "Log level (overrides LONGBOW_LOG_LEVEL)")
	rows        = flag.Int("rows", 1, "Rows of a")
	width       = flag.Int("width", 256, "Columns of a, rows of b")
	cols        = flag.Int("cols", 256, "Columns of b")
	iters       = flag.Int("n", 100, "Number of products to time")
	quantize    = flag.Bool("quant", false, "Quantize operands to int8 first")
	checkpoint  = flag.String("checkpoint", "", "llama2.c checkpoint to take operands from")
	monitorAddr = flag.String("metrics", "", "Address to serve /metrics, /healthz and /status, e.g. :9090")
	flightAddr  = flag.String("flight", "", "Arrow Flight endpoint to publish the last output to")
	dumpPath    = flag.String("dump", "", "Write the last output as an Arrow IPC stream")
	seed        = flag.Uint64("seed", 1, "Random seed")
)

func main() {
	flag.Parse()

	devCfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&devCfg)
	logger.Setup(devCfg.LogLevel, devCfg.LogFormat)
	log := logger.Log.With("component", "matbench")

	dev, err := device.Open(devCfg)
	if err != nil {
		log.Error("failed to open device", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	mon := monitoring.New(dev.Name())
	if *monitorAddr != "" {
		mon.Start(*monitorAddr)
		defer mon.Stop(context.Background())
	}

	job, err := prepare(*seed, dev)
	if err != nil {
		log.Error("failed to prepare operands", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := make([]float32, job.rows*job.cols)
	var total time.Duration
	done := 0
	for ; done < *iters && ctx.Err() == nil; done++ {
		start := time.Now()
		err := device.Dispatch(dev, out, job.a, job.b, job.width, job.rows, job.cols)
		elapsed := time.Since(start)
		mon.Record(elapsed, err)
		if err != nil {
			log.Error("matmul failed", "err", err, "iteration", done)
			os.Exit(1)
		}
		total += elapsed
	}
	if done == 0 {
		log.Warn("interrupted before the first product")
		return
	}

	avg := total / time.Duration(done)
	flops := 2 * float64(job.rows) * float64(job.width) * float64(job.cols)
	log.Info("done",
		"backend", dev.Name(),
		"operand", job.name,
		"shape", fmt.Sprintf("%dx%d·%dx%d", job.rows, job.width, job.width, job.cols),
		"iterations", done,
		"avg", avg.String(),
		"gflops", flops/avg.Seconds()/1e9,
		"storage_bytes", tensor.AllocatedBytes())

	result := snapshot.Tensor{Name: job.name, Rows: job.rows, Cols: job.cols, Data: out}
	if *dumpPath != "" {
		if err := dump(*dumpPath, result); err != nil {
			log.Error("dump failed", "err", err)
			os.Exit(1)
		}
		log.Info("output written", "path", *dumpPath)
	}
	if *flightAddr != "" {
		if err := publish(ctx, *flightAddr, result); err != nil {
			log.Error("publish failed", "err", err)
			os.Exit(1)
		}
		log.Info("output published", "addr", *flightAddr, "name", result.Name)
	}
}

func applyFlags(cfg *config.Device) {
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *threads >= 0 {
		cfg.Threads = *threads
	}
	if *lanes >= 0 {
		cfg.Lanes = *lanes
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
}

type operands struct {
	name              string
	a, b              any
	width, rows, cols int
}

func prepare(seed uint64, dev device.Device) (operands, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	random := func(n int) []float32 {
		x := make([]float32, n)
		for i := range x {
			x[i] = rng.Float32()*2 - 1
		}
		return x
	}

	if *checkpoint == "" {
		job := operands{name: "random", width: *width, rows: *rows, cols: *cols}
		a, b := random(*rows**width), random(*width**cols)
		if !*quantize {
			job.a, job.b = tensor.FromSlice(a), tensor.FromSlice(b)
			return job, nil
		}
		qa, err := quant.Quantize(a)
		if err != nil {
			return job, err
		}
		qb, err := quant.Quantize(b)
		if err != nil {
			return job, err
		}
		job.a, job.b = qa, qb
		return job, nil
	}

	f, err := os.Open(*checkpoint)
	if err != nil {
		return operands{}, err
	}
	defer f.Close()
	w, err := model.ReadCheckpoint(f)
	if err != nil {
		return operands{}, err
	}
	if c, ok := dev.(*device.CPU); ok && !w.Config.IsAligned(c.Lanes()) {
		return operands{}, fmt.Errorf("checkpoint dims (dim %d, hidden %d, kv %d) are not multiples of %d lanes; use -lanes or -backend gpu",
			w.Config.Dim, w.Config.HiddenDim, w.Config.KVDim(), c.Lanes())
	}

	width, cols := model.ProjQ.Shape(w.Config)
	job := operands{name: "layer0.wq", width: width, rows: 1, cols: cols}
	x := random(width)
	if !*quantize {
		v := w.View()
		job.a, job.b = tensor.Slice(x), v.Layer(model.ProjQ, 0)
		return job, nil
	}
	qw, err := model.QuantizeWeights(w)
	if err != nil {
		return operands{}, err
	}
	qx, err := quant.Quantize(x)
	if err != nil {
		return operands{}, err
	}
	qv := qw.View()
	job.a, job.b = qx, qv.Layer(model.ProjQ, 0)
	return job, nil
}

func dump(path string, t snapshot.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := snapshot.WriteIPC(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func publish(ctx context.Context, addr string, t snapshot.Tensor) error {
	c, err := snapshot.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.Put(ctx, t)
}
