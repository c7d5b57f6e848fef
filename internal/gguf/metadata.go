package gguf

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/quarrel-patch/internal/config"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	ContextLength   int
	EmbeddingLength int
	FeedForward     int
	Blocks          int
	AttentionHeads  int
	VocabSize       int
	TiedOutput      bool
	TensorTypes     map[string]int
	TotalParameters int64
	TensorCount     int
	MemoryEstimate  int64
}

func (a *MetadataAnalyzer) Analyze() *AnalysisReport {
	kv := a.file.KV
	arch := a.file.Architecture()
	report := &AnalysisReport{
		Architecture:    arch,
		ContextLength:   int(getKVInt(kv, arch+".context_length")),
		EmbeddingLength: int(getKVInt(kv, arch+".embedding_length")),
		FeedForward:     int(getKVInt(kv, arch+".feed_forward_length")),
		Blocks:          int(getKVInt(kv, arch+".block_count")),
		AttentionHeads:  int(getKVInt(kv, arch+".attention.head_count")),
		VocabSize:       len(a.file.StringArray("tokenizer.ggml.tokens")),
		TiedOutput:      a.file.Tensor("output.weight") == nil,
		TensorTypes:     make(map[string]int),
		TensorCount:     len(a.file.Tensors),
	}
	if name, ok := kv["general.name"].(string); ok {
		report.ModelName = name
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.NumElements())
		report.MemoryEstimate += int64(t.SizeBytes())
		report.TensorTypes[t.Type.String()]++
	}
	return report
}

func (r *AnalysisReport) String() string {
	var types []string
	for typ, n := range r.TensorTypes {
		types = append(types, fmt.Sprintf("%s=%d", typ, n))
	}
	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
Context Length:   %d
Embedding:        %d
Feed Forward:     %d
Blocks:           %d
Attention Heads:  %d
Vocab Size:       %d
Tied Output:      %t
Tensor Types:     %s
Total Tensors:    %d
Total Parameters: %d (%.2fM)
Memory Estimate:  %.2f MB
`,
		r.Architecture, r.ModelName, r.ContextLength, r.EmbeddingLength,
		r.FeedForward, r.Blocks, r.AttentionHeads, r.VocabSize, r.TiedOutput,
		strings.Join(types, " "), r.TensorCount,
		r.TotalParameters, float64(r.TotalParameters)/1e6,
		float64(r.MemoryEstimate)/1e6,
	)
}

// RequiredTensors lists the tensor names a GPT-2 model with the given
// number of blocks must carry. output.weight is optional.
func RequiredTensors(blocks int) []string {
	names := []string{"token_embd.weight", "position_embd.weight", "output_norm.weight", "output_norm.bias"}
	for i := 0; i < blocks; i++ {
		for _, suffix := range []string{
			"attn_norm.weight", "attn_norm.bias",
			"attn_qkv.weight", "attn_qkv.bias",
			"attn_output.weight", "attn_output.bias",
			"ffn_norm.weight", "ffn_norm.bias",
			"ffn_up.weight", "ffn_up.bias",
			"ffn_down.weight", "ffn_down.bias",
		} {
			names = append(names, fmt.Sprintf("blk.%d.%s", i, suffix))
		}
	}
	return names
}

func (a *MetadataAnalyzer) FindMissingTensors(required []string) []string {
	var missing []string
	for _, name := range required {
		if a.file.Tensor(name) == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// ModelConfig derives model hyperparameters from the metadata. The
// begin-of-sequence id comes from tokenizer.ggml.bos_token_id and is -1
// when the file does not define one.
func (f *GGUFFile) ModelConfig() (config.Config, error) {
	arch := f.Architecture()
	if arch == "" {
		return config.Config{}, fmt.Errorf("missing general.architecture")
	}
	if arch != "gpt2" {
		return config.Config{}, fmt.Errorf("unsupported architecture %q (want gpt2)", arch)
	}

	cfg := config.Config{
		Architecture: arch,
		Dim:          int(getKVInt(f.KV, arch+".embedding_length")),
		HiddenDim:    int(getKVInt(f.KV, arch+".feed_forward_length")),
		Layers:       int(getKVInt(f.KV, arch+".block_count")),
		Heads:        int(getKVInt(f.KV, arch+".attention.head_count")),
		SeqLen:       int(getKVInt(f.KV, arch+".context_length")),
		Eps:          float32(getKVFloat(f.KV, arch+".attention.layer_norm_epsilon")),
		VocabSize:    len(f.StringArray("tokenizer.ggml.tokens")),
		BOSToken:     -1,
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-5
	}
	if cfg.Heads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.Heads
	}
	if cfg.VocabSize == 0 {
		if t := f.Tensor("token_embd.weight"); t != nil && len(t.Dimensions) == 2 {
			cfg.VocabSize = int(t.Dimensions[1])
		}
	}
	if _, ok := f.KV["tokenizer.ggml.bos_token_id"]; ok {
		cfg.BOSToken = int(getKVInt(f.KV, "tokenizer.ggml.bos_token_id"))
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("gguf metadata: %w", err)
	}
	return cfg, nil
}

func (f *GGUFFile) Architecture() string {
	arch, _ := f.KV["general.architecture"].(string)
	return strings.ToLower(arch)
}

// StringArray returns a string-typed metadata array, or nil.
func (f *GGUFFile) StringArray(key string) []string {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		switch v := kv[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case uint32:
			return uint64(v)
		case int32:
			return uint64(v)
		case uint16:
			return uint64(v)
		case uint8:
			return uint64(v)
		case int:
			return uint64(v)
		}
	}
	return 0
}

func getKVFloat(kv map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		switch v := kv[key].(type) {
		case float32:
			return float64(v)
		case float64:
			return v
		}
	}
	return 0
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	NaNCount     int
	InfCount     int
}

// ComputeStats decodes one tensor and summarizes its values.
func (a *MetadataAnalyzer) ComputeStats(name string) (*TensorStats, error) {
	t := a.file.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	stats := &TensorStats{
		Name:         t.Name,
		Type:         t.Type.String(),
		Dimensions:   t.Dimensions,
		ElementCount: t.NumElements(),
		MinValue:     math.Inf(1),
		MaxValue:     math.Inf(-1),
	}
	var sum float64
	finite := 0
	for _, v := range values {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			stats.NaNCount++
			continue
		case math.IsInf(f, 0):
			stats.InfCount++
			continue
		}
		stats.MinValue = math.Min(stats.MinValue, f)
		stats.MaxValue = math.Max(stats.MaxValue, f)
		sum += f
		finite++
	}
	if finite > 0 {
		stats.MeanValue = sum / float64(finite)
	} else {
		stats.MinValue, stats.MaxValue = 0, 0
	}
	return stats, nil
}
