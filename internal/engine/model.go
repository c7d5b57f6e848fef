package engine

import (
	"fmt"
	"strings"

	"github.com/23skdu/quarrel-patch/internal/config"
	"github.com/23skdu/quarrel-patch/internal/gguf"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/tokenizer"
)

// Model is a GPT-2 style decoder held fully in float32. It is immutable
// after Load and may be shared by concurrent forward passes.
type Model struct {
	Config    config.Config
	Tokenizer *tokenizer.Tokenizer

	weights *Weights
}

type LayerWeights struct {
	AttnNormW, AttnNormB []float32
	QKVW, QKVB           []float32 // [3*dim][dim]
	AttnOutW, AttnOutB   []float32 // [dim][dim]
	FFNNormW, FFNNormB   []float32
	UpW, UpB             []float32 // [ffn][dim]
	DownW, DownB         []float32 // [dim][ffn]
}

type Weights struct {
	TokenEmb    []float32 // [vocab][dim]
	PosEmb      []float32 // [ctx][dim]
	OutputNormW []float32
	OutputNormB []float32
	Output      []float32 // [vocab][dim], aliases TokenEmb when tied
	Layers      []LayerWeights
}

// Load reads weights, hyperparameters and the tokenizer from a GGUF file.
// The file is unmapped before returning.
func Load(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load GGUF: %w", err)
	}
	defer f.Close()

	m, err := FromGGUF(f)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Model loaded",
		"path", path,
		"layers", m.Config.Layers,
		"dim", m.Config.Dim,
		"heads", m.Config.Heads,
		"ctx", m.Config.SeqLen,
		"vocab", m.Config.VocabSize)
	return m, nil
}

func FromGGUF(f *gguf.GGUFFile) (*Model, error) {
	cfg, err := f.ModelConfig()
	if err != nil {
		return nil, err
	}
	if missing := gguf.NewMetadataAnalyzer(f).FindMissingTensors(gguf.RequiredTensors(cfg.Layers)); len(missing) > 0 {
		return nil, fmt.Errorf("model is missing %d tensors, first %s", len(missing), missing[0])
	}
	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if tok.VocabSize() != cfg.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens, model expects %d", tok.VocabSize(), cfg.VocabSize)
	}
	w, err := loadWeights(f, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	return &Model{Config: cfg, Tokenizer: tok, weights: w}, nil
}

func loadWeights(f *gguf.GGUFFile, cfg config.Config) (*Weights, error) {
	d, ffn, vocab := cfg.Dim, cfg.HiddenDim, cfg.VocabSize
	w := &Weights{Layers: make([]LayerWeights, cfg.Layers)}

	for _, t := range f.Tensors {
		var dst *[]float32
		want := 0

		switch t.Name {
		case "token_embd.weight":
			dst, want = &w.TokenEmb, vocab*d
		case "position_embd.weight":
			dst, want = &w.PosEmb, cfg.SeqLen*d
		case "output_norm.weight":
			dst, want = &w.OutputNormW, d
		case "output_norm.bias":
			dst, want = &w.OutputNormB, d
		case "output.weight":
			dst, want = &w.Output, vocab*d
		default:
			var layer int
			if _, err := fmt.Sscanf(t.Name, "blk.%d.", &layer); err != nil || layer < 0 || layer >= cfg.Layers {
				logger.Log.Debug("Skipping tensor", "name", t.Name)
				continue
			}
			lw := &w.Layers[layer]
			parts := strings.SplitN(t.Name, ".", 3)
			if len(parts) != 3 {
				continue
			}
			switch parts[2] {
			case "attn_norm.weight":
				dst, want = &lw.AttnNormW, d
			case "attn_norm.bias":
				dst, want = &lw.AttnNormB, d
			case "attn_qkv.weight":
				dst, want = &lw.QKVW, 3*d*d
			case "attn_qkv.bias":
				dst, want = &lw.QKVB, 3*d
			case "attn_output.weight":
				dst, want = &lw.AttnOutW, d*d
			case "attn_output.bias":
				dst, want = &lw.AttnOutB, d
			case "ffn_norm.weight":
				dst, want = &lw.FFNNormW, d
			case "ffn_norm.bias":
				dst, want = &lw.FFNNormB, d
			case "ffn_up.weight":
				dst, want = &lw.UpW, ffn*d
			case "ffn_up.bias":
				dst, want = &lw.UpB, ffn
			case "ffn_down.weight":
				dst, want = &lw.DownW, d*ffn
			case "ffn_down.bias":
				dst, want = &lw.DownB, d
			default:
				logger.Log.Debug("Skipping tensor", "name", t.Name)
				continue
			}
		}

		data, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		if len(data) != want {
			return nil, fmt.Errorf("tensor %s: %d elements, want %d", t.Name, len(data), want)
		}
		*dst = data
	}

	if w.Output == nil {
		w.Output = w.TokenEmb
	}
	return w, nil
}

func (m *Model) Encode(text string) []int {
	return m.Tokenizer.Encode(text)
}

func (m *Model) Decode(ids []int) string {
	return m.Tokenizer.Decode(ids)
}

func (m *Model) TokenID(word string) (int, error) {
	return m.Tokenizer.TokenID(word)
}

// ContextLength is the maximum number of positions in one forward pass.
func (m *Model) ContextLength() int {
	return m.Config.SeqLen
}

func (m *Model) NumLayers() int {
	return m.Config.Layers
}

// BOS returns the begin-of-sequence id, or -1 when the vocabulary has none.
func (m *Model) BOS() int {
	return m.Config.BOSToken
}
