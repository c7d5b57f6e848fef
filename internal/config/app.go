package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	StaticDir      string   `toml:"static_dir"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RequestTimeout Duration `toml:"request_timeout"`
	Workers        int      `toml:"workers"`
	MetricsAddr    string   `toml:"metrics_addr"`
}

type ModelConfig struct {
	Path       string `toml:"path"`
	PrependBOS bool   `toml:"prepend_bos"`
}

type AnalysisConfig struct {
	// MaxLayers caps the number of layers patched. 0 means all layers.
	MaxLayers int `toml:"max_layers"`
	// TopLayers is how many layers the ranking keeps.
	TopLayers int `toml:"top_layers"`
	// Matcher selects verb detection: "substring" or "word".
	Matcher string `toml:"matcher"`
}

type LLMConfig struct {
	Provider string   `toml:"provider"`
	Model    string   `toml:"model"`
	APIKey   string   `toml:"api_key"`
	BaseURL  string   `toml:"base_url"`
	Timeout  Duration `toml:"timeout"`
}

type FlightConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// App is the service configuration for the binaries.
type App struct {
	Server   ServerConfig   `toml:"server"`
	Model    ModelConfig    `toml:"model"`
	Analysis AnalysisConfig `toml:"analysis"`
	LLM      LLMConfig      `toml:"llm"`
	Flight   FlightConfig   `toml:"flight"`
	Log      LogConfig      `toml:"log"`
}

// Duration decodes TOML strings such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultApp() App {
	return App{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           7860,
			StaticDir:      "static",
			AllowedOrigins: []string{"*"},
			RequestTimeout: Duration{5 * time.Minute},
			Workers:        1,
			MetricsAddr:    ":9090",
		},
		Model: ModelConfig{
			Path:       "gpt2",
			PrependBOS: true,
		},
		Analysis: AnalysisConfig{
			TopLayers: 6,
			Matcher:   "substring",
		},
		LLM: LLMConfig{
			Provider: "groq",
			Model:    "openai/gpt-oss-20b",
			Timeout:  Duration{60 * time.Second},
		},
		Flight: FlightConfig{
			Addr: "0.0.0.0:3000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadApp reads a TOML file on top of DefaultApp. An empty path skips the
// file. Environment overrides are applied last.
func LoadApp(path string) (*App, error) {
	cfg := DefaultApp()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (a *App) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			a.Server.Port = p
		}
	}
	if v := getenv("MODEL_PATH"); v != "" {
		a.Model.Path = v
	}
	if v := getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			a.Server.Workers = n
		}
	}
	if v := getenv("LLM_PROVIDER"); v != "" {
		a.LLM.Provider = v
	}
	if v := getenv("LLM_MODEL"); v != "" {
		a.LLM.Model = v
	}
	if v := getenv("LLM_BASE_URL"); v != "" {
		a.LLM.BaseURL = v
	}
	if v := getenv("LLM_API_KEY"); v != "" {
		a.LLM.APIKey = v
	} else if v := getenv("GROQ_API_KEY"); v != "" && strings.EqualFold(a.LLM.Provider, "groq") {
		a.LLM.APIKey = v
	}
	if v := getenv("FLIGHT_ADDR"); v != "" {
		a.Flight.Addr = v
		a.Flight.Enabled = true
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		a.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		a.Log.Format = v
	}
}

func (a *App) Validate() error {
	if a.Server.Port <= 0 || a.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", a.Server.Port)
	}
	if a.Server.Workers <= 0 {
		return fmt.Errorf("invalid server.workers: %d (must be positive)", a.Server.Workers)
	}
	if a.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if a.Analysis.MaxLayers < 0 {
		return fmt.Errorf("invalid analysis.max_layers: %d (must be non-negative)", a.Analysis.MaxLayers)
	}
	if a.Analysis.TopLayers < 0 {
		return fmt.Errorf("invalid analysis.top_layers: %d (must be non-negative)", a.Analysis.TopLayers)
	}
	switch strings.ToLower(a.Analysis.Matcher) {
	case "", "substring", "word":
	default:
		return fmt.Errorf("invalid analysis.matcher: %q (want substring or word)", a.Analysis.Matcher)
	}
	return nil
}

func (a *App) ListenAddr() string {
	return fmt.Sprintf("%s:%d", a.Server.Host, a.Server.Port)
}
