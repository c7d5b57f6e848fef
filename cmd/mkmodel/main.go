// Command mkmodel writes a small random GPT-2 GGUF for trying the service
// without downloading real weights.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/quarrel-patch/internal/gguf"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/testmodel"
)

func main() {
	out := flag.String("o", "tiny-gpt2.gguf", "Output path")
	words := flag.String("words", "", "Comma separated extra words to add to the vocabulary")
	layers := flag.Int("layers", 4, "Number of blocks")
	dim := flag.Int("dim", 32, "Embedding width")
	heads := flag.Int("heads", 4, "Attention heads")
	ctx := flag.Int("ctx", 64, "Context length")
	seed := flag.Int64("seed", 7, "Weight seed")
	q8 := flag.Bool("q8", false, "Store matrices as Q8_0")
	flag.Parse()

	opts := testmodel.DefaultOptions()
	opts.Layers, opts.Dim, opts.Heads, opts.FFN, opts.Ctx, opts.Seed = *layers, *dim, *heads, 4*(*dim), *ctx, *seed
	if *q8 {
		opts.Type = gguf.GGMLTypeQ8_0
	}
	if *words != "" {
		opts.Words = append(append([]string(nil), testmodel.DefaultWords...), strings.Split(*words, ",")...)
	}

	if err := testmodel.WriteFile(*out, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Log.Info("Wrote model", "path", *out, "layers", opts.Layers, "dim", opts.Dim, "vocab_words", len(opts.Words))
}
