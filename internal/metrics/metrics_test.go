package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMatMul(t *testing.T) {
	RecordMatMul("cpu", "f32", 5*time.Millisecond)
	RecordMatMul("cpu", "q8", time.Millisecond)

	if n := testutil.CollectAndCount(MatMulDuration); n < 2 {
		t.Errorf("expected at least 2 series, got %d", n)
	}
}

func TestRecordMatMulError(t *testing.T) {
	before := testutil.ToFloat64(MatMulErrors.WithLabelValues("cpu", "alignment"))
	RecordMatMulError("cpu", "alignment")
	RecordMatMulError("cpu", "alignment")
	after := testutil.ToFloat64(MatMulErrors.WithLabelValues("cpu", "alignment"))
	if after-before != 2 {
		t.Errorf("alignment errors grew by %v, want 2", after-before)
	}
}

func TestRecordTransfer(t *testing.T) {
	before := testutil.ToFloat64(DeviceTransferBytes.WithLabelValues("htod"))
	RecordTransfer("htod", 64)
	RecordTransfer("htod", 0)
	RecordTransfer("htod", -8)
	after := testutil.ToFloat64(DeviceTransferBytes.WithLabelValues("htod"))
	if after-before != 64 {
		t.Errorf("htod bytes grew by %v, want 64", after-before)
	}
}

func TestRecordStorageBytes(t *testing.T) {
	RecordStorageBytes(1024)
	if got := testutil.ToFloat64(StorageAllocatedBytes); got != 1024 {
		t.Errorf("gauge = %v, want 1024", got)
	}
	RecordStorageBytes(512)
	if got := testutil.ToFloat64(StorageAllocatedBytes); got != 512 {
		t.Errorf("gauge = %v, want 512", got)
	}
}

func TestCounters(t *testing.T) {
	q := testutil.ToFloat64(QuantizationRejected)
	w := testutil.ToFloat64(KVCacheWrites)
	o := testutil.ToFloat64(KVCacheOutOfBounds)
	k := testutil.ToFloat64(KernelCompilations)

	RecordQuantizationRejected()
	RecordKVCacheWrite()
	RecordKVCacheOutOfBounds()
	RecordKernelCompile()

	if testutil.ToFloat64(QuantizationRejected) != q+1 {
		t.Error("QuantizationRejected not incremented")
	}
	if testutil.ToFloat64(KVCacheWrites) != w+1 {
		t.Error("KVCacheWrites not incremented")
	}
	if testutil.ToFloat64(KVCacheOutOfBounds) != o+1 {
		t.Error("KVCacheOutOfBounds not incremented")
	}
	if testutil.ToFloat64(KernelCompilations) != k+1 {
		t.Error("KernelCompilations not incremented")
	}
}
