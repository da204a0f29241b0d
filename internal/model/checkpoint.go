package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/tensor"
)

// ErrCheckpoint reports a malformed or truncated checkpoint.
var ErrCheckpoint = errors.New("model: invalid checkpoint")

// checkpointHeader is the llama2.c header: seven little-endian int32s. A
// positive vocab size marks a classifier shared with the embedding table.
type checkpointHeader struct {
	Dim, HiddenDim, Layers, Heads, KVHeads, VocabSize, SeqLen int32
}

// ReadCheckpoint loads dense weights in llama2.c layout. Projections come
// back transposed to width × cols; the embedding table and classifier keep
// their token-major vocab × dim rows.
func ReadCheckpoint(r io.Reader) (*DenseWeights, error) {
	var h checkpointHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCheckpoint, err)
	}
	cfg := config.Config{
		Dim:              int(h.Dim),
		HiddenDim:        int(h.HiddenDim),
		Layers:           int(h.Layers),
		Heads:            int(h.Heads),
		KVHeads:          int(h.KVHeads),
		VocabSize:        int(max(h.VocabSize, -h.VocabSize)),
		SeqLen:           int(h.SeqLen),
		SharedClassifier: h.VocabSize > 0,
	}
	w, err := NewDenseWeights(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}

	for _, f := range checkpointFields(w) {
		if err := f.read(r, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCheckpoint, f.name, err)
		}
	}

	logger.Log.Debug("checkpoint loaded",
		"dim", cfg.Dim, "layers", cfg.Layers, "vocab", cfg.VocabSize, "shared_classifier", cfg.SharedClassifier)
	return w, nil
}

// checkpointField is one array of the checkpoint body. Projections are stored
// out × in per layer on disk and width × cols in memory, so they are
// transposed on the way through.
type checkpointField struct {
	name string
	s    *tensor.Storage[float32]
	proj   Proj
	matrix bool // proj is set
}

func checkpointFields(w *DenseWeights) []checkpointField {
	fields := []checkpointField{
		{name: "token_embedding_table", s: w.TokenEmbeddingTable},
		{name: "rms_att_weight", s: w.RMSAttWeight},
		{name: "wq", s: w.WQ, proj: ProjQ, matrix: true},
		{name: "wk", s: w.WK, proj: ProjK, matrix: true},
		{name: "wv", s: w.WV, proj: ProjV, matrix: true},
		{name: "wo", s: w.WO, proj: ProjO, matrix: true},
		{name: "rms_ffn_weight", s: w.RMSFFNWeight},
		{name: "w1", s: w.W1, proj: ProjGate, matrix: true},
		{name: "w2", s: w.W2, proj: ProjDown, matrix: true},
		{name: "w3", s: w.W3, proj: ProjUp, matrix: true},
		{name: "rms_final_weight", s: w.RMSFinalWeight},
		{name: "freq_cis_real", s: w.FreqCISReal},
		{name: "freq_cis_imag", s: w.FreqCISImag},
	}
	if w.WClsExists {
		fields = append(fields, checkpointField{name: "wcls", s: w.WCls})
	}
	return fields
}

func (f checkpointField) read(r io.Reader, cfg config.Config) error {
	v := f.s.MutView()
	defer v.Release()
	if !f.matrix {
		return binary.Read(r, binary.LittleEndian, v.Data())
	}
	disk := make([]float32, f.s.Len())
	if err := binary.Read(r, binary.LittleEndian, disk); err != nil {
		return err
	}
	width, cols := f.proj.Shape(cfg)
	transposeLayers(v.Data(), disk, cfg.Layers, cols, width)
	return nil
}

func (f checkpointField) write(wr io.Writer, cfg config.Config) error {
	v := f.s.View()
	defer v.Release()
	if !f.matrix {
		return binary.Write(wr, binary.LittleEndian, v.Data())
	}
	disk := make([]float32, f.s.Len())
	width, cols := f.proj.Shape(cfg)
	transposeLayers(disk, v.Data(), cfg.Layers, width, cols)
	return binary.Write(wr, binary.LittleEndian, disk)
}

// transposeLayers writes each rows × cols layer of src into dst as cols × rows.
func transposeLayers(dst, src []float32, layers, rows, cols int) {
	n := rows * cols
	for l := range layers {
		s, d := src[l*n:(l+1)*n], dst[l*n:(l+1)*n]
		for i := range rows {
			for j := range cols {
				d[j*rows+i] = s[i*cols+j]
			}
		}
	}
}

// WriteCheckpoint is the inverse of ReadCheckpoint.
func WriteCheckpoint(wr io.Writer, w *DenseWeights) error {
	cfg := w.Config
	vocab := int32(cfg.VocabSize)
	if w.WClsExists {
		vocab = -vocab
	}
	h := checkpointHeader{
		Dim: int32(cfg.Dim), HiddenDim: int32(cfg.HiddenDim), Layers: int32(cfg.Layers),
		Heads: int32(cfg.Heads), KVHeads: int32(cfg.KVHeads), VocabSize: vocab, SeqLen: int32(cfg.SeqLen),
	}
	if err := binary.Write(wr, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, f := range checkpointFields(w) {
		if err := f.write(wr, cfg); err != nil {
			return err
		}
	}
	return nil
}
