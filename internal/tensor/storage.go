// Package tensor provides owned numeric buffers and runtime-checked borrows
// over them. Weight sets and run-states own Storage; forward-pass code works
// through View (shared, read-only) and MutView (exclusive) handles so the same
// kernels run on owned buffers and on borrowed slices without copying.
//
// The borrow rules are: any number of live Views, or exactly one live MutView,
// never both. A Storage cannot be freed while anything borrows it. The owner's
// own Storage.Data access sits outside these rules: it is refused only while a
// MutView is live, and the owner must not write through it while Views are.
package tensor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/metrics"
)

// Elem is the set of element types a Storage may hold.
type Elem interface {
	~float32 | ~int8
}

// Floats is satisfied by every float32 storage and view. The device layer
// accepts it so owned and borrowed operands are interchangeable.
type Floats interface {
	Data() []float32
}

var (
	ErrBorrowConflict = errors.New("tensor: conflicting borrow")
	ErrBorrowed       = errors.New("tensor: storage has live borrows")
	ErrReleased       = errors.New("tensor: view used after release")
	ErrFreed          = errors.New("tensor: storage already freed")
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	metrics.RecordStorageBytes(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes reports the bytes held by live (not yet freed) storage.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Storage is an owned contiguous buffer.
type Storage[T Elem] struct {
	mu      sync.Mutex
	data    []T
	readers int
	writer  bool
	freed   bool
}

// New allocates a zeroed storage of n elements.
func New[T Elem](n int) *Storage[T] {
	if n < 0 {
		panic(fmt.Sprintf("tensor: negative length %d", n))
	}
	return FromSlice(make([]T, n))
}

// FromSlice takes ownership of data. The caller must not keep using data
// directly afterwards.
func FromSlice[T Elem](data []T) *Storage[T] {
	s := &Storage[T]{data: data}
	traceAlloc(s.bytes())
	return s
}

func (s *Storage[T]) bytes() int64 {
	var zero T
	return int64(len(s.data)) * int64(unsafe.Sizeof(zero))
}

func (s *Storage[T]) Len() int {
	return len(s.data)
}

// Data gives the owner direct access to the buffer. It panics while a
// MutView is live, since the owner would alias the exclusive borrow. It does
// not take a read borrow: it succeeds alongside live Views, which is what lets
// the owner pass Storage itself as a device operand, and the owner must treat
// the slice as read-only until those Views are released. Use MutView to write.
func (s *Storage[T]) Data() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		panic(ErrFreed)
	}
	if s.writer {
		panic(fmt.Errorf("%w: storage is mutably borrowed", ErrBorrowConflict))
	}
	return s.data
}

// Borrows reports the live borrow state.
func (s *Storage[T]) Borrows() (readers int, writer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers, s.writer
}

// Free drops the buffer. It fails while any view is live.
func (s *Storage[T]) Free() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return ErrFreed
	}
	if s.readers > 0 || s.writer {
		logger.Log.Debug("refusing to free borrowed storage", "readers", s.readers, "writer", s.writer)
		return fmt.Errorf("%w: %d readers, writer=%t", ErrBorrowed, s.readers, s.writer)
	}
	traceAlloc(-s.bytes())
	s.data = nil
	s.freed = true
	return nil
}

// TryView borrows the storage read-only.
func (s *Storage[T]) TryView() (*View[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil, ErrFreed
	}
	if s.writer {
		return nil, fmt.Errorf("%w: storage is mutably borrowed", ErrBorrowConflict)
	}
	s.readers++
	return &View[T]{s: s, data: s.data}, nil
}

// TryMutView borrows the storage exclusively.
func (s *Storage[T]) TryMutView() (*MutView[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil, ErrFreed
	}
	if s.writer || s.readers > 0 {
		return nil, fmt.Errorf("%w: %d readers, writer=%t", ErrBorrowConflict, s.readers, s.writer)
	}
	s.writer = true
	return &MutView[T]{s: s, data: s.data}, nil
}

// View borrows the storage read-only, panicking on a borrow conflict.
func (s *Storage[T]) View() *View[T] {
	v, err := s.TryView()
	if err != nil {
		panic(err)
	}
	return v
}

// MutView borrows the storage exclusively, panicking on a borrow conflict.
func (s *Storage[T]) MutView() *MutView[T] {
	v, err := s.TryMutView()
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Storage[T]) releaseReader() {
	s.mu.Lock()
	s.readers--
	s.mu.Unlock()
}

func (s *Storage[T]) releaseWriter() {
	s.mu.Lock()
	s.writer = false
	s.mu.Unlock()
}

// NewView is the function form of s.View.
func NewView[T Elem](s *Storage[T]) *View[T] {
	return s.View()
}

// NewMutView is the function form of s.MutView.
func NewMutView[T Elem](s *Storage[T]) *MutView[T] {
	return s.MutView()
}
