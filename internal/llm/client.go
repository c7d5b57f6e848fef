// Package llm wraps hosted chat-completion APIs behind one interface.
package llm

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("no response content")

// Client produces a completion for a user prompt under a system instruction.
type Client interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, system, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}
