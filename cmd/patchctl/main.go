// Command patchctl runs one agreement analysis and prints the layer ranking.
//
//	patchctl -model gpt2 "The keys to the cabinet are here"
//	patchctl -flight localhost:3000 -json "The dog is happy"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/23skdu/quarrel-patch/internal/config"
	"github.com/23skdu/quarrel-patch/internal/engine"
	"github.com/23skdu/quarrel-patch/internal/explain"
	"github.com/23skdu/quarrel-patch/internal/flight"
	"github.com/23skdu/quarrel-patch/internal/llm"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/ollama"
	"github.com/23skdu/quarrel-patch/internal/patching"
)

var (
	modelPath  = flag.String("model", "gpt2", "GGUF path or Ollama model name")
	flightAddr = flag.String("flight", "", "Analyze on a remote Flight server instead of loading a model")
	layers     = flag.Int("layers", 0, "Number of layers to patch (0 = all)")
	top        = flag.Int("top", patching.DefaultTopLayers, "Layers to show in the ranking")
	matcher    = flag.String("matcher", "substring", "Verb detection: substring or word")
	noBOS      = flag.Bool("no-bos", false, "Do not prepend the begin-of-sequence token when scoring")
	asJSON     = flag.Bool("json", false, "Print the raw result as JSON")
	doExplain  = flag.Bool("explain", false, "Ask the configured LLM to explain the result")
	configPath = flag.String("config", "", "Path to TOML config file (LLM settings)")
	logLevel   = flag.String("log-level", "warn", "Log level")
	timeout    = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	_ = godotenv.Load()

	sentence := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(sentence) == "" {
		fmt.Fprintln(os.Stderr, "Error: a sentence is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := analyze(ctx, sentence)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Print(res.Format(*top))
	}

	if *doExplain && !res.Unsupported() {
		text, err := explainResult(ctx, res)
		if err != nil {
			logger.Log.Warn("Explanation unavailable", "error", err)
		}
		fmt.Printf("\n%s\n", text)
	}
	if res.Unsupported() {
		os.Exit(3)
	}
}

func analyze(ctx context.Context, sentence string) (*patching.Result, error) {
	if *flightAddr != "" {
		c, err := flight.Dial(*flightAddr)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		return c.Analyze(ctx, sentence, *layers)
	}

	path, err := ollama.ResolveModelPath(*modelPath)
	if err != nil {
		return nil, err
	}
	m, err := engine.Load(path)
	if err != nil {
		return nil, err
	}
	match, err := patching.NewMatcher(*matcher)
	if err != nil {
		return nil, err
	}
	return patching.NewPipeline(m, patching.Options{Matcher: match, PrependBOS: !*noBOS}).Run(ctx, sentence, *layers)
}

func explainResult(ctx context.Context, res *patching.Result) (string, error) {
	cfg, err := config.LoadApp(*configPath)
	if err != nil {
		return explain.Fallback, err
	}
	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return explain.Fallback, err
	}
	if closer, ok := client.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	return explain.New(client, cfg.LLM.Provider, cfg.LLM.Timeout.Duration, *top).Explain(ctx, res)
}
