package patching

import (
	"context"
	"fmt"

	"github.com/23skdu/quarrel-patch/internal/cpu"
)

// Scorer measures next-token preferences after a prefix.
type Scorer struct {
	model      Backend
	align      *Aligner
	prependBOS bool
}

// NewScorer returns a scorer. With prependBOS the model's begin-of-sequence
// token, when it has one, is placed before the prefix.
func NewScorer(m Backend, prependBOS bool) *Scorer {
	return &Scorer{model: m, align: NewAligner(m), prependBOS: prependBOS}
}

// ScoreNextToken returns p(" "+a) and p(" "+b) as the next token after
// prefix. The prefix keeps its last context-1 tokens.
func (s *Scorer) ScoreNextToken(ctx context.Context, prefix, a, b string) (float64, float64, error) {
	ida, err := s.model.TokenID(a)
	if err != nil {
		return 0, 0, fmt.Errorf("candidate %q: %w", a, err)
	}
	idb, err := s.model.TokenID(b)
	if err != nil {
		return 0, 0, fmt.Errorf("candidate %q: %w", b, err)
	}

	probs, err := s.nextTokenProbs(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	return probs[ida], probs[idb], nil
}

func (s *Scorer) nextTokenProbs(ctx context.Context, prefix string) ([]float64, error) {
	keep := max(1, s.model.ContextLength()-1)
	toks := tail(s.model.Encode(s.align.TrimToContext(prefix, keep)), keep)

	if bos := s.model.BOS(); s.prependBOS && bos >= 0 {
		toks = append([]int{bos}, toks...)
	}
	logits, err := s.model.Forward(ctx, toks, nil)
	if err != nil {
		return nil, fmt.Errorf("scoring prefix: %w", err)
	}
	return cpu.SoftmaxF64(logits), nil
}
