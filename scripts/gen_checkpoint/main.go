// Command gen_checkpoint writes a llama2.c checkpoint filled with random
// weights, for exercising matbench -checkpoint without a real model.
package main

import (
	"bufio"
	"flag"
	"math/rand/v2"
	"os"

	"github.com/23skdu/longbow-core/internal/config"
	"github.com/23skdu/longbow-core/internal/logger"
	"github.com/23skdu/longbow-core/internal/model"
	"github.com/23skdu/longbow-core/internal/tensor"
)

var (
	out     = flag.String("o", "test.bin", "Output path")
	dim     = flag.Int("dim", 288, "Model dimension")
	hidden  = flag.Int("hidden", 768, "Feed-forward dimension")
	layers  = flag.Int("layers", 6, "Layer count")
	heads   = flag.Int("heads", 6, "Attention heads")
	kvHeads = flag.Int("kv-heads", 6, "Key/value heads")
	vocab   = flag.Int("vocab", 32000, "Vocabulary size")
	seqLen  = flag.Int("seq-len", 256, "Maximum sequence length")
	shared  = flag.Bool("shared", true, "Share the classifier with the embedding table")
	seed    = flag.Uint64("seed", 1, "Random seed")
)

func main() {
	flag.Parse()
	log := logger.Log.With("component", "gen_checkpoint")

	w, err := model.NewDenseWeights(config.Config{
		Dim: *dim, HiddenDim: *hidden, Layers: *layers, Heads: *heads, KVHeads: *kvHeads,
		VocabSize: *vocab, SeqLen: *seqLen, SharedClassifier: *shared,
	})
	if err != nil {
		log.Error("invalid dimensions", "err", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed+1))
	fields := []*tensor.Storage[float32]{
		w.TokenEmbeddingTable, w.RMSAttWeight, w.RMSFFNWeight,
		w.WQ, w.WK, w.WV, w.WO, w.W1, w.W2, w.W3, w.RMSFinalWeight,
	}
	if w.WClsExists {
		fields = append(fields, w.WCls)
	}
	for _, s := range fields {
		v := s.MutView()
		for i := range v.Data() {
			v.Set(i, float32(rng.NormFloat64()*0.02))
		}
		v.Release()
	}
	w.FillRotary(10000)

	f, err := os.Create(*out)
	if err != nil {
		log.Error("create failed", "err", err)
		os.Exit(1)
	}
	bw := bufio.NewWriter(f)
	if err := model.WriteCheckpoint(bw, w); err != nil {
		log.Error("write failed", "err", err)
		os.Exit(1)
	}
	if err := bw.Flush(); err != nil {
		log.Error("write failed", "err", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		log.Error("close failed", "err", err)
		os.Exit(1)
	}
	log.Info("checkpoint written", "path", *out, "storage_bytes", tensor.AllocatedBytes())
}
