package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/quarrel-patch/internal/cpu"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

// Forward runs the model over tokens and returns the logits of the last
// position. hooks may be nil.
func (m *Model) Forward(ctx context.Context, tokens []int, hooks map[string]HookFunc) ([]float32, error) {
	kind := "plain"
	if len(hooks) > 0 {
		kind = "patched"
	}
	return m.run(ctx, tokens, hooks, nil, kind)
}

// RunWithCache runs the model and records every activation site.
func (m *Model) RunWithCache(ctx context.Context, tokens []int) ([]float32, *ActivationCache, error) {
	cache := newActivationCache(tokens)
	logits, err := m.run(ctx, tokens, nil, cache, "cache")
	if err != nil {
		return nil, nil, err
	}
	return logits, cache, nil
}

type pass struct {
	hooks map[string]HookFunc
	cache *ActivationCache
	debug bool
}

func (p *pass) site(name string, act *cpu.Tensor) (*cpu.Tensor, error) {
	if hook, ok := p.hooks[name]; ok {
		if repl := hook(name, act); repl != nil && repl != act {
			if !repl.SameShape(act) {
				return nil, fmt.Errorf("%s: got %v, want %v: %w", name, repl.Shape, act.Shape, ErrShapeMismatch)
			}
			act = repl.Clone()
		}
	}
	if p.cache != nil {
		p.cache.acts[name] = act
	}
	if p.debug {
		s := cpu.Summarize(act.Data)
		logger.Log.Debug("activation", "site", name, "max", s.Max, "min", s.Min, "rms", s.RMS, "nan", s.NaN, "inf", s.Inf)
		metrics.RecordNumericalInstability(name, s.NaN, s.Inf)
	}
	return act, nil
}

func (m *Model) run(ctx context.Context, tokens []int, hooks map[string]HookFunc, cache *ActivationCache, kind string) ([]float32, error) {
	start := time.Now()
	cfg := m.Config
	w := m.weights
	n, d := len(tokens), cfg.Dim

	if n == 0 {
		return nil, ErrEmptySequence
	}
	if n > cfg.SeqLen {
		return nil, fmt.Errorf("sequence of %d tokens exceeds context length %d", n, cfg.SeqLen)
	}
	for i, id := range tokens {
		if id < 0 || id >= cfg.VocabSize {
			return nil, fmt.Errorf("token %d at position %d out of range [0,%d)", id, i, cfg.VocabSize)
		}
	}

	p := &pass{hooks: hooks, cache: cache, debug: cfg.DebugActivations}

	embed := cpu.NewTensor(n, d)
	pos := cpu.NewTensor(n, d)
	for i, id := range tokens {
		copy(embed.Row(i), w.TokenEmb[id*d:(id+1)*d])
		copy(pos.Row(i), w.PosEmb[i*d:(i+1)*d])
	}
	embed, err := p.site(HookEmbed, embed)
	if err != nil {
		return nil, err
	}
	if pos, err = p.site(HookPosEmbed, pos); err != nil {
		return nil, err
	}
	x := embed.Clone()
	cpu.Add(x.Data, pos.Data)

	for l := range w.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if x, err = m.block(p, l, x); err != nil {
			return nil, err
		}
	}

	final := cpu.NewTensor(n, d)
	cpu.LayerNorm(x.Data, final.Data, n, d, w.OutputNormW, w.OutputNormB, cfg.Eps)
	if final, err = p.site(HookFinalNorm, final); err != nil {
		return nil, err
	}

	logits := make([]float32, cfg.VocabSize)
	cpu.Linear(final.Row(n-1), 1, d, w.Output, nil, cfg.VocabSize, logits)

	if audit := AuditLogitRange(logits); audit.NumNaNs > 0 || audit.NumInfs > 0 {
		metrics.RecordNumericalInstability("logits", audit.NumNaNs, audit.NumInfs)
		logger.Log.Warn("Non-finite logits", "nan", audit.NumNaNs, "inf", audit.NumInfs, "tokens", n)
	}
	metrics.RecordForward(kind, n, time.Since(start))
	return logits, nil
}

func (m *Model) block(p *pass, l int, x *cpu.Tensor) (*cpu.Tensor, error) {
	cfg := m.Config
	lw := &m.weights.Layers[l]
	n, d, heads, hd, ffn := x.Shape[0], cfg.Dim, cfg.Heads, cfg.HeadDim, cfg.HiddenDim
	var err error

	if x, err = p.site(HookName(l, SiteResidPre), x); err != nil {
		return nil, err
	}

	ln1 := cpu.NewTensor(n, d)
	cpu.LayerNorm(x.Data, ln1.Data, n, d, lw.AttnNormW, lw.AttnNormB, cfg.Eps)
	if ln1, err = p.site(HookName(l, SiteLN1), ln1); err != nil {
		return nil, err
	}

	qkv := make([]float32, n*3*d)
	cpu.Linear(ln1.Data, n, d, lw.QKVW, lw.QKVB, 3*d, qkv)
	q, k, v := cpu.NewTensor(n, heads, hd), cpu.NewTensor(n, heads, hd), cpu.NewTensor(n, heads, hd)
	for i := 0; i < n; i++ {
		row := qkv[i*3*d : (i+1)*3*d]
		copy(q.Row(i), row[:d])
		copy(k.Row(i), row[d:2*d])
		copy(v.Row(i), row[2*d:])
	}
	if q, err = p.site(HookName(l, SiteQ), q); err != nil {
		return nil, err
	}
	if k, err = p.site(HookName(l, SiteK), k); err != nil {
		return nil, err
	}
	if v, err = p.site(HookName(l, SiteV), v); err != nil {
		return nil, err
	}

	pattern := cpu.NewTensor(heads, n, n)
	cpu.AttentionPattern(q.Data, k.Data, n, heads, hd, pattern.Data)
	if pattern, err = p.site(HookName(l, SitePattern), pattern); err != nil {
		return nil, err
	}

	z := cpu.NewTensor(n, heads, hd)
	cpu.AttentionMix(pattern.Data, v.Data, n, heads, hd, z.Data)
	if z, err = p.site(HookName(l, SiteZ), z); err != nil {
		return nil, err
	}

	attnOut := cpu.NewTensor(n, d)
	cpu.Linear(z.Data, n, d, lw.AttnOutW, lw.AttnOutB, d, attnOut.Data)
	if attnOut, err = p.site(HookName(l, SiteAttnOut), attnOut); err != nil {
		return nil, err
	}

	mid := x.Clone()
	cpu.Add(mid.Data, attnOut.Data)
	if mid, err = p.site(HookName(l, SiteResidMid), mid); err != nil {
		return nil, err
	}

	ln2 := cpu.NewTensor(n, d)
	cpu.LayerNorm(mid.Data, ln2.Data, n, d, lw.FFNNormW, lw.FFNNormB, cfg.Eps)
	if ln2, err = p.site(HookName(l, SiteLN2), ln2); err != nil {
		return nil, err
	}

	hidden := cpu.NewTensor(n, ffn)
	cpu.Linear(ln2.Data, n, d, lw.UpW, lw.UpB, ffn, hidden.Data)
	cpu.GeLU(hidden.Data)
	if hidden, err = p.site(HookName(l, SiteMLPPost), hidden); err != nil {
		return nil, err
	}

	mlpOut := cpu.NewTensor(n, d)
	cpu.Linear(hidden.Data, n, ffn, lw.DownW, lw.DownB, d, mlpOut.Data)
	if mlpOut, err = p.site(HookName(l, SiteMLPOut), mlpOut); err != nil {
		return nil, err
	}

	post := mid.Clone()
	cpu.Add(post.Data, mlpOut.Data)
	return p.site(HookName(l, SiteResidPost), post)
}
