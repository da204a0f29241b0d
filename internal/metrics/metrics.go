package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatMulDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_matmul_duration_seconds",
		Help:    "Duration of matrix multiplications by backend and representation",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"backend", "repr"})

	MatMulErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_matmul_errors_total",
		Help: "Matrix multiplications rejected or failed, by backend and error kind",
	}, []string{"backend", "kind"})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_device_transfer_bytes_total",
		Help: "Bytes copied between host and device",
	}, []string{"direction"})

	KernelCompilations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_kernel_compilations_total",
		Help: "GPU kernel source compilations",
	})

	StorageAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_storage_allocated_bytes",
		Help: "Bytes currently held by owned tensor storage",
	})

	QuantizationRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_quantization_rejected_total",
		Help: "Quantized tensors rejected at construction for an invalid scale",
	})

	KVCacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_kv_cache_writes_total",
		Help: "Key/value cache entries written",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_kv_cache_oob_total",
		Help: "Key/value cache accesses outside the configured layers or positions",
	})
)

func RecordMatMul(backend, repr string, duration time.Duration) {
	MatMulDuration.WithLabelValues(backend, repr).Observe(duration.Seconds())
}

func RecordMatMulError(backend, kind string) {
	MatMulErrors.WithLabelValues(backend, kind).Inc()
}

// RecordTransfer counts host/device copies. direction is "htod" or "dtoh".
func RecordTransfer(direction string, bytes int) {
	if bytes <= 0 {
		return
	}
	DeviceTransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordKernelCompile() {
	KernelCompilations.Inc()
}

func RecordStorageBytes(bytes int64) {
	StorageAllocatedBytes.Set(float64(bytes))
}

func RecordQuantizationRejected() {
	QuantizationRejected.Inc()
}

func RecordKVCacheWrite() {
	KVCacheWrites.Inc()
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}
