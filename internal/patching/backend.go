// Package patching localizes subject-verb agreement in a transformer by
// copying attention outputs from a grammatical sentence into the forward
// pass of its ungrammatical twin, one layer at a time.
package patching

import (
	"context"
	"errors"

	"github.com/23skdu/quarrel-patch/internal/engine"
)

// UnsupportedMessage is returned to callers when no verb pair is found.
const UnsupportedMessage = "No supported verb pair found (has/have, is/are, was/were, does/do)."

var (
	ErrUnsupportedSentence = errors.New("no supported verb pair found")
	ErrLayerOutOfRange     = errors.New("layer out of range")
)

// Backend is the model surface the analysis needs.
type Backend interface {
	Encode(text string) []int
	Decode(ids []int) string
	// TokenID returns the single token for " "+word.
	TokenID(word string) (int, error)
	ContextLength() int
	NumLayers() int
	// BOS is the begin-of-sequence token, or -1 when there is none.
	BOS() int
	Forward(ctx context.Context, tokens []int, hooks map[string]engine.HookFunc) ([]float32, error)
	RunWithCache(ctx context.Context, tokens []int) ([]float32, *engine.ActivationCache, error)
}

var _ Backend = (*engine.Model)(nil)
