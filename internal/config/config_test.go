package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SeqLen != 1024 {
		t.Errorf("expected SeqLen 1024, got %d", cfg.SeqLen)
	}
	if cfg.Layers != 12 {
		t.Errorf("expected 12 layers, got %d", cfg.Layers)
	}
	if cfg.BOSToken != 50256 {
		t.Errorf("expected BOS 50256, got %d", cfg.BOSToken)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Dim:       16,
			HiddenDim: 64,
			Layers:    2,
			Heads:     2,
			HeadDim:   8,
			VocabSize: 300,
			SeqLen:    32,
			Eps:       1e-5,
			BOSToken:  -1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid dim", func(c *Config) { c.Dim = 0 }, true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, true},
		{"invalid heads", func(c *Config) { c.Heads = 0 }, true},
		{"dim mismatch", func(c *Config) { c.HeadDim = 4 }, true},
		{"invalid hidden", func(c *Config) { c.HiddenDim = 0 }, true},
		{"invalid vocab", func(c *Config) { c.VocabSize = 0 }, true},
		{"invalid seq len", func(c *Config) { c.SeqLen = 0 }, true},
		{"invalid eps", func(c *Config) { c.Eps = 0 }, true},
		{"bos out of range", func(c *Config) { c.BOSToken = 300 }, true},
		{"bos in range", func(c *Config) { c.BOSToken = 299 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agreement.toml")
	content := `
[server]
port = 8088
workers = 2
request_timeout = "90s"

[model]
path = "/models/gpt2.gguf"

[analysis]
max_layers = 4
matcher = "word"

[llm]
provider = "openai"
model = "gpt-4o-mini"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadApp(path)
	if err != nil {
		t.Fatalf("LoadApp: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("expected port 8088, got %d", cfg.Server.Port)
	}
	if cfg.Server.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Server.Workers)
	}
	if cfg.Server.RequestTimeout.Duration != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Model.Path != "/models/gpt2.gguf" {
		t.Errorf("unexpected model path %q", cfg.Model.Path)
	}
	if !cfg.Model.PrependBOS {
		t.Error("prepend_bos default should survive partial file")
	}
	if cfg.Analysis.MaxLayers != 4 || cfg.Analysis.Matcher != "word" {
		t.Errorf("unexpected analysis config %+v", cfg.Analysis)
	}
	if cfg.Analysis.TopLayers != 6 {
		t.Errorf("expected default top_layers 6, got %d", cfg.Analysis.TopLayers)
	}
}

func TestLoadAppMissingFile(t *testing.T) {
	if _, err := LoadApp(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":         "9000",
		"MODEL_PATH":   "gpt2:small",
		"GROQ_API_KEY": "gsk_test",
		"FLIGHT_ADDR":  "127.0.0.1:3555",
		"LOG_LEVEL":    "debug",
	}
	cfg := DefaultApp()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Model.Path != "gpt2:small" {
		t.Errorf("unexpected model path %q", cfg.Model.Path)
	}
	if cfg.LLM.APIKey != "gsk_test" {
		t.Errorf("groq key should be used for groq provider, got %q", cfg.LLM.APIKey)
	}
	if !cfg.Flight.Enabled || cfg.Flight.Addr != "127.0.0.1:3555" {
		t.Errorf("flight should be enabled at env addr, got %+v", cfg.Flight)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug log level, got %q", cfg.Log.Level)
	}
}

func TestGroqKeyIgnoredForOtherProviders(t *testing.T) {
	env := map[string]string{"LLM_PROVIDER": "claude", "GROQ_API_KEY": "gsk_test"}
	cfg := DefaultApp()
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if cfg.LLM.APIKey != "" {
		t.Errorf("expected no key for claude provider, got %q", cfg.LLM.APIKey)
	}
}

func TestAppValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr bool
	}{
		{"defaults", func(a *App) {}, false},
		{"bad port", func(a *App) { a.Server.Port = 0 }, true},
		{"no workers", func(a *App) { a.Server.Workers = 0 }, true},
		{"no model", func(a *App) { a.Model.Path = "" }, true},
		{"negative layers", func(a *App) { a.Analysis.MaxLayers = -1 }, true},
		{"bad matcher", func(a *App) { a.Analysis.Matcher = "regex" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultApp()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
