package patching

import (
	"context"
	"time"

	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
)

type Options struct {
	// Matcher finds the verb. Nil means SubstringMatcher.
	Matcher Matcher
	// PrependBOS puts the begin-of-sequence token before scored prefixes.
	PrependBOS bool
	// MaxLayers caps the layers patched when Run is called with 0.
	MaxLayers int
}

// Pipeline runs the full analysis for one sentence. It holds no per-request
// state and is safe for concurrent use when the backend is.
type Pipeline struct {
	model   Backend
	matcher Matcher
	scorer  *Scorer
	patcher *Patcher
	opts    Options
}

func NewPipeline(m Backend, opts Options) *Pipeline {
	matcher := opts.Matcher
	if matcher == nil {
		matcher = SubstringMatcher{}
	}
	return &Pipeline{
		model:   m,
		matcher: matcher,
		scorer:  NewScorer(m, opts.PrependBOS),
		patcher: NewPatcher(m),
		opts:    opts,
	}
}

func (p *Pipeline) NumLayers() int {
	return p.model.NumLayers()
}

// Run analyzes sentence, patching the first layers layers (0 means the
// configured maximum, or all). An unsupported sentence yields a Result with
// Error set and no forward passes.
func (p *Pipeline) Run(ctx context.Context, sentence string, layers int) (*Result, error) {
	start := time.Now()
	res, err := p.run(ctx, sentence, layers)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Unsupported():
		outcome = "unsupported"
	}
	metrics.RecordPipeline(outcome, time.Since(start))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, sentence string, layers int) (*Result, error) {
	v, ok := BuildVariantsWith(p.matcher, sentence)
	if !ok {
		logger.Log.Info("No supported verb pair", "sentence", sentence)
		return &Result{Error: UnsupportedMessage}, nil
	}
	metrics.RecordVerbPair(v.Pair.Singular)
	logger.Log.Debug("Built variants", "pair", v.Pair.String(), "actual", v.Actual, "bad", v.BadSentence)

	pActual, pWrong, err := p.scorer.ScoreNextToken(ctx, v.Prefix, v.Actual, v.Wrong)
	if err != nil {
		return nil, err
	}
	pSing, pPlur, err := p.scorer.ScoreNextToken(ctx, v.Prefix, v.Pair.Singular, v.Pair.Plural)
	if err != nil {
		return nil, err
	}

	if layers <= 0 {
		layers = p.opts.MaxLayers
	}
	patched, err := p.patcher.PatchAllLayers(ctx, layers, sentence, v.BadSentence, v.Pair)
	if err != nil {
		return nil, err
	}
	correct := make([]float64, len(patched))
	for i, pp := range patched {
		correct[i] = pp.Of(v.Pair, v.Actual)
	}

	return &Result{
		UserSentence: sentence,
		Prefix:       v.Prefix,
		Pair:         v.Pair,
		Actual:       v.Actual,
		Wrong:        v.Wrong,
		BadSentence:  v.BadSentence,
		PActual:      pActual,
		PWrong:       pWrong,
		PSingular:    pSing,
		PPlural:      pPlur,
		LayerProbs:   correct,
	}, nil
}
