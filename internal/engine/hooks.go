package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/quarrel-patch/internal/cpu"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

var (
	// ErrShapeMismatch is returned when a hook replaces an activation with
	// a tensor of a different shape.
	ErrShapeMismatch = errors.New("hook returned tensor of wrong shape")
	ErrEmptySequence = errors.New("empty token sequence")
)

// Activation site names. Per-layer sites are prefixed with "blocks.L.".
const (
	HookEmbed     = "hook_embed"
	HookPosEmbed  = "hook_pos_embed"
	HookFinalNorm = "ln_final.hook_normalized"
	SiteResidPre  = "hook_resid_pre"
	SiteLN1       = "ln1.hook_normalized"
	SiteQ         = "attn.hook_q"
	SiteK         = "attn.hook_k"
	SiteV         = "attn.hook_v"
	SitePattern   = "attn.hook_pattern"
	SiteZ         = "attn.hook_z"
	SiteAttnOut   = "hook_attn_out"
	SiteResidMid  = "hook_resid_mid"
	SiteLN2       = "ln2.hook_normalized"
	SiteMLPPost   = "mlp.hook_post"
	SiteMLPOut    = "hook_mlp_out"
	SiteResidPost = "hook_resid_post"
)

// HookName names a per-layer activation site, e.g. blocks.3.attn.hook_z.
func HookName(layer int, site string) string {
	return fmt.Sprintf("blocks.%d.%s", layer, site)
}

// AttnZ is the per-head attention output of a layer, before the output
// projection. Shape [positions, heads, head_dim].
func AttnZ(layer int) string {
	return HookName(layer, SiteZ)
}

// HookFunc observes an activation and may return a replacement with the
// same shape. Returning nil keeps the original.
type HookFunc func(name string, act *cpu.Tensor) *cpu.Tensor

// Replace returns a hook that swaps in a copy of t.
func Replace(t *cpu.Tensor) HookFunc {
	return func(string, *cpu.Tensor) *cpu.Tensor {
		return t
	}
}

// ActivationCache maps site names to the activations of one forward pass.
// Tensors are never written after they are cached.
type ActivationCache struct {
	acts   map[string]*cpu.Tensor
	tokens []int
}

func newActivationCache(tokens []int) *ActivationCache {
	return &ActivationCache{
		acts:   make(map[string]*cpu.Tensor),
		tokens: append([]int(nil), tokens...),
	}
}

func (c *ActivationCache) Get(name string) (*cpu.Tensor, bool) {
	t, ok := c.acts[name]
	return t, ok
}

func (c *ActivationCache) Tokens() []int {
	return c.tokens
}

func (c *ActivationCache) Len() int {
	return len(c.acts)
}

func (c *ActivationCache) Names() []string {
	names := make([]string, 0, len(c.acts))
	for n := range c.acts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SiteStats is the summary of one cached activation.
type SiteStats struct {
	Name  string
	Shape []int
	cpu.Stats
}

// Stats summarizes every cached activation and records NaN/Inf counts.
func (c *ActivationCache) Stats() []SiteStats {
	out := make([]SiteStats, 0, len(c.acts))
	for _, name := range c.Names() {
		t := c.acts[name]
		s := cpu.Summarize(t.Data)
		metrics.RecordNumericalInstability(name, s.NaN, s.Inf)
		out = append(out, SiteStats{Name: name, Shape: t.Shape, Stats: s})
	}
	return out
}
