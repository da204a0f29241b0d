package tensor

import "fmt"

// View is a shared read-only borrow of a Storage. Data returns the backing
// slice itself; callers must treat it as read-only.
type View[T Elem] struct {
	s        *Storage[T]
	data     []T
	released bool
}

func (v *View[T]) Data() []T {
	if v.released {
		panic(ErrReleased)
	}
	return v.data
}

func (v *View[T]) Len() int { return len(v.Data()) }

func (v *View[T]) At(i int) T { return v.Data()[i] }

// Row returns row i of a row-major matrix with the given width.
func (v *View[T]) Row(i, width int) []T {
	return row(v.Data(), i, width)
}

// Release ends the borrow. It is safe to call more than once.
func (v *View[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	v.data = nil
	v.s.releaseReader()
}

func (v *View[T]) Released() bool { return v.released }

// MutView is an exclusive borrow of a Storage permitting in-place writes.
type MutView[T Elem] struct {
	s        *Storage[T]
	data     []T
	released bool
}

func (v *MutView[T]) Data() []T {
	if v.released {
		panic(ErrReleased)
	}
	return v.data
}

func (v *MutView[T]) Len() int { return len(v.Data()) }

func (v *MutView[T]) At(i int) T { return v.Data()[i] }

func (v *MutView[T]) Set(i int, x T) { v.Data()[i] = x }

func (v *MutView[T]) Row(i, width int) []T {
	return row(v.Data(), i, width)
}

// CopyFrom copies src into the view and returns the number of elements copied.
func (v *MutView[T]) CopyFrom(src []T) int {
	return copy(v.Data(), src)
}

func (v *MutView[T]) Zero() {
	clear(v.Data())
}

func (v *MutView[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	v.data = nil
	v.s.releaseWriter()
}

func (v *MutView[T]) Released() bool { return v.released }

func row[T Elem](data []T, i, width int) []T {
	start := i * width
	if i < 0 || width <= 0 || start+width > len(data) {
		panic(fmt.Sprintf("tensor: row %d of width %d out of range for length %d", i, width, len(data)))
	}
	return data[start : start+width : start+width]
}

// Slice adapts a plain float buffer, such as one layer of a stacked weight
// matrix, to Floats. It carries no borrow of its own.
type Slice []float32

func (s Slice) Data() []float32 { return s }
