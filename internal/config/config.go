package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the model dimensions every weight and run-state layout is
// allocated against. The model loader fills it in before anything is built.
type Config struct {
	Dim       int // transformer dimension
	HiddenDim int // feed-forward dimension
	Layers    int
	Heads     int // query heads
	KVHeads   int // key/value heads, may be fewer than Heads
	VocabSize int
	SeqLen    int // max sequence length

	// SharedClassifier is set when the checkpoint has no classifier matrix
	// and the token embedding table doubles as one.
	SharedClassifier bool
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("kv_heads %d must evenly divide heads %d", c.KVHeads, c.Heads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("dim %d is not divisible by heads %d", c.Dim, c.Heads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("head_dim %d must be even for rotary embeddings", c.HeadDim())
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	return nil
}

// HeadDim is the per-head width.
func (c *Config) HeadDim() int {
	if c.Heads == 0 {
		return 0
	}
	return c.Dim / c.Heads
}

// KVDim is the width of one key or value projection.
func (c *Config) KVDim() int {
	return c.HeadDim() * c.KVHeads
}

// IsAligned reports whether the dimensions fed to matmul are multiples of lanes.
func (c *Config) IsAligned(lanes int) bool {
	if lanes <= 0 {
		return false
	}
	for _, d := range []int{c.Dim, c.HiddenDim, c.KVDim()} {
		if d%lanes != 0 {
			return false
		}
	}
	return true
}

// Backend names accepted by Device.Backend.
const (
	BackendAuto = "auto"
	BackendCPU  = "cpu"
	BackendGPU  = "gpu"
)

// Device selects and tunes the compute backend. It is resolved once at
// process start.
type Device struct {
	Backend    string
	Threads    int // CPU worker goroutines, 0 means runtime.NumCPU()
	Lanes      int // CPU SIMD lane width override, 0 means detect
	GPUOrdinal int

	LogLevel  string
	LogFormat string
}

func (d *Device) Validate() error {
	switch strings.ToLower(d.Backend) {
	case BackendAuto, BackendCPU, BackendGPU:
	default:
		return fmt.Errorf("invalid backend: %q (want auto, cpu or gpu)", d.Backend)
	}
	if d.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", d.Threads)
	}
	if d.Lanes < 0 {
		return fmt.Errorf("invalid lanes: %d (must be non-negative)", d.Lanes)
	}
	if d.Lanes > 0 && d.Lanes&(d.Lanes-1) != 0 {
		return fmt.Errorf("invalid lanes: %d (must be a power of two)", d.Lanes)
	}
	if d.GPUOrdinal < 0 {
		return fmt.Errorf("invalid gpu ordinal: %d", d.GPUOrdinal)
	}
	return nil
}

func DefaultDevice() Device {
	return Device{
		Backend:   BackendCPU,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// FromEnv overlays LONGBOW_* environment variables on the defaults.
// Malformed numbers are reported rather than ignored.
func FromEnv() (Device, error) {
	d := DefaultDevice()
	if v := os.Getenv("LONGBOW_BACKEND"); v != "" {
		d.Backend = strings.ToLower(v)
	}
	var err error
	if d.Threads, err = envInt("LONGBOW_THREADS", d.Threads); err != nil {
		return d, err
	}
	if d.Lanes, err = envInt("LONGBOW_LANES", d.Lanes); err != nil {
		return d, err
	}
	if d.GPUOrdinal, err = envInt("LONGBOW_GPU", d.GPUOrdinal); err != nil {
		return d, err
	}
	if v := os.Getenv("LONGBOW_LOG_LEVEL"); v != "" {
		d.LogLevel = v
	}
	if v := os.Getenv("LONGBOW_LOG_FORMAT"); v != "" {
		d.LogFormat = v
	}
	return d, d.Validate()
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
