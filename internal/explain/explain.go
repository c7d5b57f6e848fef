// Package explain turns a patching result into a natural-language summary
// through an llm.Client.
package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/quarrel-patch/internal/llm"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
	"github.com/23skdu/quarrel-patch/internal/patching"
)

const SystemPrompt = "You explain activation-patching outputs."

// Fallback is returned when no summary could be produced.
const Fallback = "Explanation unavailable: the summarization service did not respond. The numeric patching results are complete."

var ErrDisabled = errors.New("summarization disabled")

const promptTemplate = `
You are a mechanistic interpretability expert.

Explain the following activation-patching results in clear, intuitive language:

%s

Explain:
- What the delta values mean
- Which layers are most important
- What this suggests about number-agreement circuits
- What overall conclusion we can draw

Avoid formulas. Be concise and clear.
`

// Facts is the structured view of a result sent to the model.
type Facts struct {
	Sentence    string                `json:"sentence"`
	VerbPair    patching.VerbPair     `json:"verb_pair"`
	Actual      string                `json:"actual_verb"`
	BadSentence string                `json:"bad_sentence"`
	ActualProb  float64               `json:"actual_prob"`
	WrongProb   float64               `json:"wrong_prob"`
	LayerDeltas []patching.LayerDelta `json:"layer_deltas"`
}

func FactsFrom(res *patching.Result, top int) Facts {
	if top <= 0 {
		top = patching.DefaultTopLayers
	}
	return Facts{
		Sentence:    res.UserSentence,
		VerbPair:    res.Pair,
		Actual:      res.Actual,
		BadSentence: res.BadSentence,
		ActualProb:  res.PActual,
		WrongProb:   res.PWrong,
		LayerDeltas: res.Ranked(top),
	}
}

// BuildPrompt renders the user prompt for res.
func BuildPrompt(res *patching.Result, top int) (string, error) {
	b, err := json.MarshalIndent(FactsFrom(res, top), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding facts: %w", err)
	}
	return fmt.Sprintf(promptTemplate, b), nil
}

type Explainer struct {
	client   llm.Client
	provider string
	timeout  time.Duration
	top      int
}

// New returns an explainer. A nil client disables summarization and every
// call returns Fallback. timeout <= 0 means no extra deadline.
func New(client llm.Client, provider string, timeout time.Duration, top int) *Explainer {
	return &Explainer{client: client, provider: provider, timeout: timeout, top: top}
}

// Explain always returns usable text. The error reports why the fallback
// was used, if it was.
func (e *Explainer) Explain(ctx context.Context, res *patching.Result) (string, error) {
	if res == nil || res.Unsupported() {
		return "", nil
	}
	if e == nil || e.client == nil {
		return Fallback, ErrDisabled
	}
	prompt, err := BuildPrompt(res, e.top)
	if err != nil {
		return Fallback, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := e.client.Generate(ctx, SystemPrompt, prompt)
	metrics.RecordExplainer(e.provider, err, time.Since(start))
	if err != nil {
		logger.Log.Warn("Summarization failed, using fallback", "provider", e.provider, "error", err)
		return Fallback, err
	}
	return text, nil
}
