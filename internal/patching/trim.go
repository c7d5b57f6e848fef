package patching

import (
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

// TokenizedPair holds the trailing tokens of a good and bad sentence,
// trimmed to the same length.
type TokenizedPair struct {
	Good []int
	Bad  []int
}

func (p TokenizedPair) Len() int {
	return len(p.Good)
}

// Aligner keeps inputs inside the model's context window. When text is cut,
// the tokens nearest the verb (the tail) are kept.
type Aligner struct {
	model Backend
}

func NewAligner(m Backend) *Aligner {
	return &Aligner{model: m}
}

// TrimToContext returns text unchanged if it fits in min(keepLast, context)
// tokens, otherwise the decoded trailing tokens. keepLast <= 0 means the
// context length.
func (a *Aligner) TrimToContext(text string, keepLast int) string {
	limit := a.model.ContextLength()
	if keepLast > 0 && keepLast < limit {
		limit = keepLast
	}
	toks := a.model.Encode(text)
	if len(toks) <= limit {
		return text
	}
	metrics.RecordTruncation("text")
	logger.Log.Debug("Trimmed input to context", "tokens", len(toks), "kept", limit)
	return a.model.Decode(toks[len(toks)-limit:])
}

// TrimPairForPatching trims both sentences to their trailing context-length
// tokens when either one is too long. The two results may still differ in
// length; AlignPair equalizes them.
func (a *Aligner) TrimPairForPatching(good, bad string) (string, string) {
	limit := a.model.ContextLength()
	g, b := a.model.Encode(good), a.model.Encode(bad)
	if len(g) <= limit && len(b) <= limit {
		return good, bad
	}
	metrics.RecordTruncation("pair")
	return a.model.Decode(tail(g, limit)), a.model.Decode(tail(b, limit))
}

// AlignPair tokenizes both sentences without a BOS token and keeps the
// trailing min(len(good), len(bad), context) tokens of each.
func (a *Aligner) AlignPair(good, bad string) TokenizedPair {
	g, b := a.model.Encode(good), a.model.Encode(bad)
	n := min(len(g), len(b), a.model.ContextLength())
	if n < max(len(g), len(b)) {
		metrics.RecordTruncation("align")
	}
	return TokenizedPair{Good: tail(g, n), Bad: tail(b, n)}
}

func tail(toks []int, n int) []int {
	if len(toks) <= n {
		return toks
	}
	return toks[len(toks)-n:]
}
