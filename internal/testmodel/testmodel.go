// Package testmodel builds tiny deterministic GPT-2 models for tests and
// demos. Every word in Options.Words encodes to a single token when it
// follows a space.
package testmodel

import (
	"bytes"
	"fmt"
	"math/rand"

	"github.com/23skdu/quarrel-patch/internal/gguf"
)

const EndOfText = "<|endoftext|>"

// DefaultWords covers the verb pairs plus the vocabulary used in tests.
var DefaultWords = []string{
	"has", "have", "is", "are", "was", "were", "does", "do",
	"the", "dog", "dogs", "cat", "cats", "students", "student", "sky",
	"happy", "finished", "blue", "looks", "this", "key", "keys", "to",
	"cabinet", "cabinets", "here", "not", "bark", "old",
}

type Options struct {
	Words  []string
	Dim    int
	Heads  int
	Layers int
	FFN    int
	Ctx    int
	Seed   int64
	Type   gguf.GGMLType
	// TiedOutput omits output.weight so the head reuses token_embd.
	TiedOutput bool
}

func DefaultOptions() Options {
	return Options{
		Words:      DefaultWords,
		Dim:        16,
		Heads:      2,
		Layers:     3,
		FFN:        64,
		Ctx:        32,
		Seed:       7,
		Type:       gguf.GGMLTypeF32,
		TiedOutput: true,
	}
}

// Vocabulary returns GPT-2 style tokens and merges: the 256 byte symbols,
// one left-to-right merge chain per "Ġ"+word, then the end-of-text token.
func Vocabulary(words []string) (tokens, merges []string) {
	enc := byteEncoder()
	tokens = append(tokens, enc[:]...)
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		seen[tok] = true
	}

	for _, w := range words {
		cur := enc[' ']
		for i := 0; i < len(w); i++ {
			next := enc[w[i]]
			merged := cur + next
			if !seen[merged] {
				seen[merged] = true
				tokens = append(tokens, merged)
				merges = append(merges, cur+" "+next)
			}
			cur = merged
		}
	}
	tokens = append(tokens, EndOfText)
	return tokens, merges
}

// Writer returns a GGUF writer holding the full model.
func Writer(opts Options) (*gguf.Writer, error) {
	if opts.Heads <= 0 || opts.Dim%opts.Heads != 0 {
		return nil, fmt.Errorf("dim %d not divisible by %d heads", opts.Dim, opts.Heads)
	}
	tokens, merges := Vocabulary(opts.Words)
	vocab := len(tokens)
	d, ffn := opts.Dim, opts.FFN
	rng := rand.New(rand.NewSource(opts.Seed))

	w := gguf.NewWriter()
	w.AddString("general.architecture", "gpt2")
	w.AddString("general.name", "testmodel")
	w.AddUint32("gpt2.context_length", uint32(opts.Ctx))
	w.AddUint32("gpt2.embedding_length", uint32(d))
	w.AddUint32("gpt2.feed_forward_length", uint32(ffn))
	w.AddUint32("gpt2.block_count", uint32(opts.Layers))
	w.AddUint32("gpt2.attention.head_count", uint32(opts.Heads))
	w.AddFloat32("gpt2.attention.layer_norm_epsilon", 1e-5)
	w.AddString("tokenizer.ggml.model", "gpt2")
	w.AddStringArray("tokenizer.ggml.tokens", tokens)
	w.AddStringArray("tokenizer.ggml.merges", merges)
	w.AddUint32("tokenizer.ggml.bos_token_id", uint32(vocab-1))
	w.AddUint32("tokenizer.ggml.eos_token_id", uint32(vocab-1))

	normal := func(n int, std float64) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * std)
		}
		return out
	}
	around := func(n int, center float64) []float32 {
		out := normal(n, 0.05)
		for i := range out {
			out[i] += float32(center)
		}
		return out
	}
	// matrices are [in, out] in ne order, i.e. out rows of in values
	matrix := func(name string, in, out int, std float64) {
		w.AddTensor(name, []uint64{uint64(in), uint64(out)}, opts.Type, normal(in*out, std))
	}
	vector := func(name string, vals []float32) {
		w.AddTensor(name, []uint64{uint64(len(vals))}, gguf.GGMLTypeF32, vals)
	}

	matrix("token_embd.weight", d, vocab, 0.5)
	matrix("position_embd.weight", d, opts.Ctx, 0.1)
	for l := 0; l < opts.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		vector(p+"attn_norm.weight", around(d, 1))
		vector(p+"attn_norm.bias", normal(d, 0.02))
		matrix(p+"attn_qkv.weight", d, 3*d, 0.3)
		vector(p+"attn_qkv.bias", normal(3*d, 0.02))
		matrix(p+"attn_output.weight", d, d, 0.3)
		vector(p+"attn_output.bias", normal(d, 0.02))
		vector(p+"ffn_norm.weight", around(d, 1))
		vector(p+"ffn_norm.bias", normal(d, 0.02))
		matrix(p+"ffn_up.weight", d, ffn, 0.3)
		vector(p+"ffn_up.bias", normal(ffn, 0.02))
		matrix(p+"ffn_down.weight", ffn, d, 0.2)
		vector(p+"ffn_down.bias", normal(d, 0.02))
	}
	vector("output_norm.weight", around(d, 1))
	vector("output_norm.bias", normal(d, 0.02))
	if !opts.TiedOutput {
		matrix("output.weight", d, vocab, 0.5)
	}
	return w, nil
}

// Bytes renders the model as an in-memory GGUF image.
func Bytes(opts Options) ([]byte, error) {
	w, err := Writer(opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// File parses the rendered model.
func File(opts Options) (*gguf.GGUFFile, error) {
	data, err := Bytes(opts)
	if err != nil {
		return nil, err
	}
	return gguf.Parse(data)
}

func WriteFile(path string, opts Options) error {
	w, err := Writer(opts)
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}

func byteEncoder() [256]string {
	var enc [256]string
	n := 0
	for b := 0; b < 256; b++ {
		switch {
		case b >= '!' && b <= '~', b >= 0xA1 && b <= 0xAC, b >= 0xAE && b <= 0xFF:
			enc[b] = string(rune(b))
		default:
			enc[b] = string(rune(256 + n))
			n++
		}
	}
	return enc
}
