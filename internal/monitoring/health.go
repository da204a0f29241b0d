package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/tensor"
)

const historySize = 1000

// Status is the body of /status.
type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Device    DeviceInfo    `json:"device"`
	MatMul    MatMulInfo    `json:"matmul"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	HeapMB       int    `json:"heap_mb"`
	StorageBytes int64  `json:"storage_bytes"`
}

type DeviceInfo struct {
	Backend string `json:"backend"`
}

type MatMulInfo struct {
	Calls        int       `json:"calls"`
	Errors       int       `json:"errors"`
	AvgLatencyUs float64   `json:"avg_latency_us"`
	P95LatencyUs float64   `json:"p95_latency_us"`
	LastCall     time.Time `json:"last_call"`
}

// Monitor serves health, status and Prometheus metrics for one process.
// It reports "degraded" once any recorded product has failed.
type Monitor struct {
	start   time.Time
	backend string
	server  *http.Server

	mu        sync.RWMutex
	latencies []time.Duration
	calls     int
	errors    int
	last      time.Time
}

func New(backend string) *Monitor {
	return &Monitor{start: time.Now(), backend: backend}
}

// Record notes one completed product and how long it took.
func (m *Monitor) Record(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = time.Now()
	if err != nil {
		m.errors++
		return
	}
	m.latencies = append(m.latencies, d)
	if len(m.latencies) > historySize {
		m.latencies = m.latencies[1:]
	}
}

func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr in the background.
func (m *Monitor) Start(addr string) {
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log := logger.Log.With("component", "monitoring")
	log.Info("monitor listening", "addr", addr)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitor server error", "err", err)
		}
	}()
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := m.Status()
	w.Header().Set("Content-Type", "application/json")
	if s.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    s.Status,
		"timestamp": s.Timestamp.Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Status())
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Status{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(m.start),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			HeapMB:       int(ms.HeapAlloc / 1024 / 1024),
			StorageBytes: tensor.AllocatedBytes(),
		},
		Device: DeviceInfo{Backend: m.backend},
		MatMul: MatMulInfo{Calls: m.calls, Errors: m.errors, LastCall: m.last},
	}
	if m.errors > 0 {
		s.Status = "degraded"
	}
	if len(m.latencies) > 0 {
		sorted := slices.Clone(m.latencies)
		slices.Sort(sorted)
		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		p95 := min(int(float64(len(sorted))*0.95), len(sorted)-1)
		s.MatMul.AvgLatencyUs = float64(total.Microseconds()) / float64(len(sorted))
		s.MatMul.P95LatencyUs = float64(sorted[p95].Nanoseconds()) / 1e3
	}
	return s
}
