package patching

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultTopLayers is how many layers Ranked keeps when asked for k <= 0
// by callers that want the usual summary.
const DefaultTopLayers = 6

// Result is the outcome of one pipeline run. Exactly one of Error or the
// payload fields is meaningful.
type Result struct {
	UserSentence string    `json:"user_sentence"`
	Prefix       string    `json:"prefix_used_for_scoring"`
	Pair         VerbPair  `json:"verb_pair"`
	Actual       string    `json:"actual_verb_in_sentence"`
	Wrong        string    `json:"wrong_verb_used_for_bad_sentence"`
	BadSentence  string    `json:"bad_sentence"`
	PActual      float64   `json:"p_actual_token_raw"`
	PWrong       float64   `json:"p_wrong_token_raw"`
	PSingular    float64   `json:"p_singular"`
	PPlural      float64   `json:"p_plural"`
	LayerProbs   []float64 `json:"layer_probs_correct_after_patch"`

	Error string `json:"error,omitempty"`
}

type resultJSON Result

// MarshalJSON writes only {"error": ...} for unsupported sentences.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	return json.Marshal(resultJSON(r))
}

func (r *Result) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, (*resultJSON)(r))
}

func (r *Result) Unsupported() bool {
	return r.Error != ""
}

// Err returns ErrUnsupportedSentence for an error record, nil otherwise.
func (r *Result) Err() error {
	if r.Unsupported() {
		return ErrUnsupportedSentence
	}
	return nil
}

// BaselineCorrect is p(correct) from the unpatched prefix.
func (r *Result) BaselineCorrect() float64 {
	if r.Actual == r.Pair.Plural {
		return r.PPlural
	}
	return r.PSingular
}

// LayerDelta is one layer's patched p(correct) and its change from the
// unpatched baseline.
type LayerDelta struct {
	Layer    int     `json:"layer"`
	PCorrect float64 `json:"p_correct"`
	Delta    float64 `json:"delta"`
}

// Deltas lists every probed layer in index order.
func (r *Result) Deltas() []LayerDelta {
	base := r.BaselineCorrect()
	out := make([]LayerDelta, len(r.LayerProbs))
	for i, p := range r.LayerProbs {
		out[i] = LayerDelta{Layer: i, PCorrect: p, Delta: p - base}
	}
	return out
}

// Ranked returns the k layers with the largest increase in p(correct).
// Ties keep layer order. k <= 0 returns every layer.
func (r *Result) Ranked(k int) []LayerDelta {
	d := r.Deltas()
	sort.SliceStable(d, func(i, j int) bool { return d[i].Delta > d[j].Delta })
	if k > 0 && k < len(d) {
		d = d[:k]
	}
	return d
}

// Format renders the human-readable summary of a result.
func (r *Result) Format(top int) string {
	if r.Unsupported() {
		return r.Error + "\n"
	}
	if top <= 0 {
		top = DefaultTopLayers
	}
	var b strings.Builder
	fmt.Fprintln(&b, "--- Summary ---")
	fmt.Fprintf(&b, "User sentence: %s\n", r.UserSentence)
	fmt.Fprintf(&b, "Prefix used: %q\n", r.Prefix)
	fmt.Fprintf(&b, "Verb pair (singular/plural): %s\n", r.Pair)
	fmt.Fprintf(&b, "Actual verb found in sentence: %s\n", r.Actual)
	fmt.Fprintf(&b, "Constructed bad sentence: %s\n\n", r.BadSentence)

	fmt.Fprintln(&b, "Next-token probs for the actual vs wrong verb (from prefix):")
	fmt.Fprintf(&b, " p(actual) = %.6f\n", r.PActual)
	fmt.Fprintf(&b, " p(wrong)  = %.6f\n\n", r.PWrong)

	fmt.Fprintln(&b, "Reference ordering (singular/plural) probs from prefix:")
	fmt.Fprintf(&b, " p(singular) = %.6f\n", r.PSingular)
	fmt.Fprintf(&b, " p(plural)   = %.6f\n\n", r.PPlural)

	fmt.Fprintf(&b, "Layer-wise p(correct token) after patching (len = %d)\n", len(r.LayerProbs))
	for i, p := range r.LayerProbs {
		fmt.Fprintf(&b, " layer %02d: p(correct) = %.6f\n", i, p)
	}

	fmt.Fprintln(&b, "\nTop layers by increase in p(correct) due to patching (good->bad):")
	for _, d := range r.Ranked(top) {
		fmt.Fprintf(&b, " layer %02d: Δp = %+.6f (patched p = %.6f)\n", d.Layer, d.Delta, d.PCorrect)
	}
	return b.String()
}
