package config

import (
	"fmt"
	"strings"
)

// Config holds the hyperparameters of a GPT-2 style model.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32

	// BOSToken is prepended by the next-token scorer. -1 disables it.
	BOSToken int

	DebugActivations bool
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.BOSToken >= c.VocabSize {
		return fmt.Errorf("invalid bos_token: %d (vocab_size %d)", c.BOSToken, c.VocabSize)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// Default returns GPT-2 small.
func Default() Config {
	return Config{
		Architecture: "gpt2",
		Dim:          768,
		HiddenDim:    3072,
		Layers:       12,
		Heads:        12,
		HeadDim:      64,
		VocabSize:    50257,
		SeqLen:       1024,
		Eps:          1e-5,
		BOSToken:     50256,
	}
}
