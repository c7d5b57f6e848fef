package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/23skdu/quarrel-patch/internal/cpu"
	"github.com/23skdu/quarrel-patch/internal/gguf"
	"github.com/23skdu/quarrel-patch/internal/testmodel"
)

func loadTestModel(t *testing.T, opts testmodel.Options) *Model {
	t.Helper()
	f, err := testmodel.File(opts)
	if err != nil {
		t.Fatalf("build test model: %v", err)
	}
	m, err := FromGGUF(f)
	if err != nil {
		t.Fatalf("FromGGUF: %v", err)
	}
	return m
}

func sameLogits(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestModelConfigFromMetadata(t *testing.T) {
	opts := testmodel.DefaultOptions()
	m := loadTestModel(t, opts)

	if m.NumLayers() != opts.Layers {
		t.Errorf("layers = %d, want %d", m.NumLayers(), opts.Layers)
	}
	if m.ContextLength() != opts.Ctx {
		t.Errorf("ctx = %d, want %d", m.ContextLength(), opts.Ctx)
	}
	if m.Config.HeadDim != opts.Dim/opts.Heads {
		t.Errorf("head dim = %d", m.Config.HeadDim)
	}
	if m.BOS() != m.Config.VocabSize-1 {
		t.Errorf("bos = %d, want last token", m.BOS())
	}
	if m.Decode([]int{m.BOS()}) == "" {
		t.Error("bos should decode to the end-of-text marker")
	}
}

func TestForwardDeterministic(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	tokens := m.Encode("The dog is happy")

	a, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(a) != m.Config.VocabSize {
		t.Fatalf("got %d logits, want %d", len(a), m.Config.VocabSize)
	}
	for i, v := range a {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d = %v", i, v)
		}
	}
	b, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !sameLogits(a, b) {
		t.Error("two passes over the same tokens differ")
	}
}

func TestRunWithCacheRecordsEverySite(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	tokens := m.Encode("The students have finished")

	plain, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	logits, cache, err := m.RunWithCache(context.Background(), tokens)
	if err != nil {
		t.Fatalf("RunWithCache: %v", err)
	}
	if !sameLogits(plain, logits) {
		t.Error("caching changed the logits")
	}

	if want := 3 + 13*m.NumLayers(); cache.Len() != want {
		t.Errorf("cache holds %d sites, want %d", cache.Len(), want)
	}
	z, ok := cache.Get(AttnZ(1))
	if !ok {
		t.Fatalf("missing %s", AttnZ(1))
	}
	wantShape := []int{len(tokens), m.Config.Heads, m.Config.HeadDim}
	for i := range wantShape {
		if z.Shape[i] != wantShape[i] {
			t.Fatalf("hook_z shape %v, want %v", z.Shape, wantShape)
		}
	}
	pattern, _ := cache.Get(HookName(0, SitePattern))
	if pattern.Shape[1] != len(tokens) || pattern.Shape[2] != len(tokens) {
		t.Errorf("pattern shape %v", pattern.Shape)
	}
	if got := cache.Tokens(); len(got) != len(tokens) {
		t.Errorf("cached tokens %v", got)
	}
	if stats := cache.Stats(); len(stats) != cache.Len() {
		t.Errorf("stats for %d sites, want %d", len(stats), cache.Len())
	}
}

func TestIdentityPatchKeepsLogits(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	tokens := m.Encode("The dog is happy")
	base, cache, err := m.RunWithCache(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	for l := 0; l < m.NumLayers(); l++ {
		z, _ := cache.Get(AttnZ(l))
		got, err := m.Forward(context.Background(), tokens, map[string]HookFunc{AttnZ(l): Replace(z)})
		if err != nil {
			t.Fatalf("layer %d: %v", l, err)
		}
		if !sameLogits(base, got) {
			t.Errorf("layer %d: patching with own activation changed logits", l)
		}
	}
}

func TestPatchFromOtherSentenceChangesLogits(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	good := m.Encode(" the dog is")
	bad := m.Encode(" the dogs is")
	if len(good) != len(bad) {
		t.Fatalf("test sentences should align: %d vs %d", len(good), len(bad))
	}
	_, cache, err := m.RunWithCache(context.Background(), good)
	if err != nil {
		t.Fatal(err)
	}
	base, err := m.Forward(context.Background(), bad, nil)
	if err != nil {
		t.Fatal(err)
	}
	z, _ := cache.Get(AttnZ(0))
	patched, err := m.Forward(context.Background(), bad, map[string]HookFunc{AttnZ(0): Replace(z)})
	if err != nil {
		t.Fatal(err)
	}
	if sameLogits(base, patched) {
		t.Error("patching layer 0 with another sentence had no effect")
	}
}

func TestHookShapeMismatch(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	tokens := m.Encode("The dog is happy")
	wrong := cpu.NewTensor(len(tokens)+1, m.Config.Heads, m.Config.HeadDim)

	_, err := m.Forward(context.Background(), tokens, map[string]HookFunc{AttnZ(0): Replace(wrong)})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestHookObservesWithoutReplacing(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	tokens := m.Encode("The cat was old")
	base, err := m.Forward(context.Background(), tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	observe := func(name string, act *cpu.Tensor) *cpu.Tensor {
		seen++
		return nil
	}
	got, err := m.Forward(context.Background(), tokens, map[string]HookFunc{
		HookEmbed:     observe,
		AttnZ(2):      observe,
		HookFinalNorm: observe,
		"not.a.site":  observe,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != 3 {
		t.Errorf("hooks fired %d times, want 3", seen)
	}
	if !sameLogits(base, got) {
		t.Error("observing hooks changed the logits")
	}
}

func TestCausalPrefixInvariance(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	short := m.Encode(" the dog")
	long := m.Encode(" the dog is here")

	_, a, err := m.RunWithCache(context.Background(), short)
	if err != nil {
		t.Fatal(err)
	}
	_, b, err := m.RunWithCache(context.Background(), long)
	if err != nil {
		t.Fatal(err)
	}
	name := HookName(m.NumLayers()-1, SiteResidPost)
	ta, _ := a.Get(name)
	tb, _ := b.Get(name)
	for i := range short {
		ra, rb := ta.Row(i), tb.Row(i)
		for j := range ra {
			if math.Abs(float64(ra[j]-rb[j])) > 1e-5 {
				t.Fatalf("position %d depends on later tokens", i)
			}
		}
	}
}

func TestForwardInputErrors(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	ctx := context.Background()

	if _, err := m.Forward(ctx, nil, nil); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("expected ErrEmptySequence, got %v", err)
	}
	if _, err := m.Forward(ctx, make([]int, m.ContextLength()+1), nil); err == nil {
		t.Error("expected error beyond context length")
	}
	if _, err := m.Forward(ctx, []int{m.Config.VocabSize}, nil); err == nil {
		t.Error("expected error for out of range token")
	}
	if _, err := m.Forward(ctx, make([]int, m.ContextLength()), nil); err != nil {
		t.Errorf("full context should be accepted: %v", err)
	}
}

func TestForwardCancelled(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, m.Encode("The dog is"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestUntiedQuantizedModel(t *testing.T) {
	opts := testmodel.DefaultOptions()
	opts.Dim = 32
	opts.Heads = 4
	opts.Type = gguf.GGMLTypeQ8_0
	opts.TiedOutput = false
	m := loadTestModel(t, opts)

	if _, err := m.Forward(context.Background(), m.Encode("The keys to the cabinet"), nil); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := testmodel.WriteFile(path, testmodel.DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// weights must survive unmapping the file
	if _, err := m.Forward(context.Background(), m.Encode("The dog"), nil); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsMissingTensors(t *testing.T) {
	w := gguf.NewWriter()
	w.AddString("general.architecture", "gpt2")
	w.AddUint32("gpt2.context_length", 8)
	w.AddUint32("gpt2.embedding_length", 4)
	w.AddUint32("gpt2.feed_forward_length", 8)
	w.AddUint32("gpt2.block_count", 1)
	w.AddUint32("gpt2.attention.head_count", 1)
	tokens, merges := testmodel.Vocabulary(nil)
	w.AddStringArray("tokenizer.ggml.tokens", tokens)
	w.AddStringArray("tokenizer.ggml.merges", merges)
	path := filepath.Join(t.TempDir(), "broken.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for model without tensors")
	}
}

func TestAuditLogitRange(t *testing.T) {
	audit := AuditLogitRange([]float32{1, 2, 3, float32(math.NaN()), float32(math.Inf(-1))})
	if audit.NumNaNs != 1 || audit.NumInfs != 1 {
		t.Errorf("nan=%d inf=%d", audit.NumNaNs, audit.NumInfs)
	}
	if audit.Max != 3 || audit.Min != 1 || audit.Mean != 2 {
		t.Errorf("unexpected range %+v", audit)
	}
	if audit.IsFlat {
		t.Error("1,2,3 is not flat")
	}
	if !AuditLogitRange([]float32{5, 5, 5}).IsFlat {
		t.Error("constant logits should be flat")
	}
}
