package patching

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/quarrel-patch/internal/cpu"
	"github.com/23skdu/quarrel-patch/internal/engine"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

// PairProbs are next-token probabilities of the two forms of a verb pair.
type PairProbs struct {
	Singular float64 `json:"p_singular"`
	Plural   float64 `json:"p_plural"`
}

// Of returns the probability of verb, which must be one of the pair's forms.
func (p PairProbs) Of(pair VerbPair, verb string) float64 {
	if verb == pair.Plural {
		return p.Plural
	}
	return p.Singular
}

// Patcher runs the bad sentence with one layer's hook_z taken from the good
// sentence. Both run on raw tokens with no BOS so positions line up.
type Patcher struct {
	model Backend
	align *Aligner
}

func NewPatcher(m Backend) *Patcher {
	return &Patcher{model: m, align: NewAligner(m)}
}

// PatchLayer patches blocks.{layer}.attn.hook_z and returns the verb pair
// probabilities at the final position of the patched run.
func (p *Patcher) PatchLayer(ctx context.Context, layer int, good, bad string, pair VerbPair) (PairProbs, error) {
	probs, err := p.PatchLayers(ctx, []int{layer}, good, bad, pair)
	if err != nil {
		return PairProbs{}, err
	}
	return probs[0], nil
}

// PatchAllLayers patches layers 0..n-1 in turn. n <= 0 or n beyond the
// model depth means every layer.
func (p *Patcher) PatchAllLayers(ctx context.Context, n int, good, bad string, pair VerbPair) ([]PairProbs, error) {
	if total := p.model.NumLayers(); n <= 0 || n > total {
		n = total
	}
	layers := make([]int, n)
	for i := range layers {
		layers[i] = i
	}
	return p.PatchLayers(ctx, layers, good, bad, pair)
}

// PatchLayers computes the good sentence's activations once and reuses them
// for every requested layer. Any failure aborts the whole batch.
func (p *Patcher) PatchLayers(ctx context.Context, layers []int, good, bad string, pair VerbPair) ([]PairProbs, error) {
	for _, l := range layers {
		if l < 0 || l >= p.model.NumLayers() {
			return nil, fmt.Errorf("layer %d of %d: %w", l, p.model.NumLayers(), ErrLayerOutOfRange)
		}
	}
	sing, err := p.model.TokenID(pair.Singular)
	if err != nil {
		return nil, fmt.Errorf("candidate %q: %w", pair.Singular, err)
	}
	plur, err := p.model.TokenID(pair.Plural)
	if err != nil {
		return nil, fmt.Errorf("candidate %q: %w", pair.Plural, err)
	}

	toks := p.align.AlignPair(good, bad)
	_, cache, err := p.model.RunWithCache(ctx, toks.Good)
	if err != nil {
		return nil, fmt.Errorf("caching good sentence: %w", err)
	}

	out := make([]PairProbs, 0, len(layers))
	for _, l := range layers {
		start := time.Now()
		site := engine.AttnZ(l)
		z, ok := cache.Get(site)
		if !ok {
			return nil, fmt.Errorf("activation %s not cached", site)
		}
		logits, err := p.model.Forward(ctx, toks.Bad, map[string]engine.HookFunc{site: engine.Replace(z)})
		if err != nil {
			return nil, fmt.Errorf("patching layer %d: %w", l, err)
		}
		probs := cpu.SoftmaxF64(logits)
		out = append(out, PairProbs{Singular: probs[sing], Plural: probs[plur]})

		metrics.RecordPatch(l, time.Since(start))
		logger.Log.Debug("Patched layer", "layer", l, "tokens", toks.Len(), "p_singular", probs[sing], "p_plural", probs[plur])
	}
	return out, nil
}
