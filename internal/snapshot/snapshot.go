// Package snapshot exports float matrices as Arrow records, either to IPC
// streams on disk or to an Arrow Flight endpoint.
//
// A matrix of rows × cols becomes one record with a single column "row" of
// type fixed_size_list<float32>[cols], one list per matrix row. The tensor
// name travels in the schema metadata.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	ErrFormat   = errors.New("snapshot: record is not a tensor snapshot")
	ErrNotFound = errors.New("snapshot: tensor not found")
)

const (
	columnName = "row"
	keyName    = "longbow.tensor.name"
	keyRows    = "longbow.tensor.rows"
)

// Tensor is a named row-major float matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float32
}

func (t Tensor) validate() error {
	if t.Rows <= 0 || t.Cols <= 0 || len(t.Data) != t.Rows*t.Cols {
		return fmt.Errorf("%w: %q is %d×%d with %d values", ErrFormat, t.Name, t.Rows, t.Cols, len(t.Data))
	}
	return nil
}

func schemaFor(t Tensor) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{keyName, keyRows},
		[]string{t.Name, strconv.Itoa(t.Rows)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: columnName, Type: arrow.FixedSizeListOf(int32(t.Cols), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Record builds the Arrow record for t. The caller must Release it.
func Record(mem memory.Allocator, t Tensor) (arrow.Record, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	b := array.NewFixedSizeListBuilder(mem, int32(t.Cols), arrow.PrimitiveTypes.Float32)
	defer b.Release()
	vb := b.ValueBuilder().(*array.Float32Builder)
	b.Reserve(t.Rows)
	vb.Reserve(len(t.Data))
	for r := 0; r < t.Rows; r++ {
		b.Append(true)
		vb.AppendValues(t.Data[r*t.Cols:(r+1)*t.Cols], nil)
	}
	arr := b.NewArray()
	defer arr.Release()
	return array.NewRecord(schemaFor(t), []arrow.Array{arr}, int64(t.Rows)), nil
}

// Decode copies a snapshot record back into a Tensor.
func Decode(rec arrow.Record) (Tensor, error) {
	schema := rec.Schema()
	if schema.NumFields() != 1 || rec.NumCols() != 1 {
		return Tensor{}, fmt.Errorf("%w: %d columns", ErrFormat, rec.NumCols())
	}
	lt, ok := schema.Field(0).Type.(*arrow.FixedSizeListType)
	if !ok || lt.Elem().ID() != arrow.FLOAT32 {
		return Tensor{}, fmt.Errorf("%w: column type %s", ErrFormat, schema.Field(0).Type)
	}
	col, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return Tensor{}, fmt.Errorf("%w: column array %T", ErrFormat, rec.Column(0))
	}
	if col.NullN() > 0 {
		return Tensor{}, fmt.Errorf("%w: %d null rows", ErrFormat, col.NullN())
	}

	t := Tensor{Rows: int(rec.NumRows()), Cols: int(lt.Len())}
	md := schema.Metadata()
	if i := md.FindKey(keyName); i >= 0 {
		t.Name = md.Values()[i]
	}
	if i := md.FindKey(keyRows); i >= 0 {
		if n, err := strconv.Atoi(md.Values()[i]); err != nil || n != t.Rows {
			return Tensor{}, fmt.Errorf("%w: metadata says %s rows, record has %d", ErrFormat, md.Values()[i], t.Rows)
		}
	}

	values := col.ListValues().(*array.Float32).Float32Values()
	off := col.Offset() * t.Cols
	t.Data = make([]float32, t.Rows*t.Cols)
	copy(t.Data, values[off:off+len(t.Data)])
	return t, t.validate()
}

// WriteIPC writes t as one Arrow IPC stream.
func WriteIPC(w io.Writer, t Tensor) error {
	mem := memory.DefaultAllocator
	rec, err := Record(mem, t)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("snapshot: write %q: %w", t.Name, err)
	}
	return iw.Close()
}

// ReadIPC reads the tensor stored in one IPC stream. Streams holding several
// record batches are concatenated row-wise.
func ReadIPC(r io.Reader) (Tensor, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return Tensor{}, fmt.Errorf("snapshot: open stream: %w", err)
	}
	defer ir.Release()
	return collect(ir)
}

type recordIter interface {
	Next() bool
	Record() arrow.Record
	Err() error
}

func collect(it recordIter) (Tensor, error) {
	var out Tensor
	batches := 0
	for it.Next() {
		t, err := Decode(it.Record())
		if err != nil {
			return Tensor{}, err
		}
		if batches == 0 {
			out = t
		} else {
			if t.Cols != out.Cols {
				return Tensor{}, fmt.Errorf("%w: batch with %d cols after %d", ErrFormat, t.Cols, out.Cols)
			}
			out.Rows += t.Rows
			out.Data = append(out.Data, t.Data...)
		}
		batches++
	}
	if err := it.Err(); err != nil && !errors.Is(err, io.EOF) {
		return Tensor{}, err
	}
	if batches == 0 {
		return Tensor{}, fmt.Errorf("%w: empty stream", ErrFormat)
	}
	return out, nil
}
