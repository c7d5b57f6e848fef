// Command agreementd serves subject-verb agreement patching over HTTP and,
// optionally, Arrow Flight.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/quarrel-patch/internal/config"
	"github.com/23skdu/quarrel-patch/internal/engine"
	"github.com/23skdu/quarrel-patch/internal/explain"
	"github.com/23skdu/quarrel-patch/internal/flight"
	"github.com/23skdu/quarrel-patch/internal/llm"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/monitoring"
	"github.com/23skdu/quarrel-patch/internal/ollama"
	"github.com/23skdu/quarrel-patch/internal/patching"
	"github.com/23skdu/quarrel-patch/internal/server"
)

var version = "dev"

var (
	configPath = flag.String("config", "", "Path to TOML config file")
	envFile    = flag.String("env", ".env", "Optional dotenv file")
	modelFlag  = flag.String("model", "", "GGUF path or Ollama model name (overrides config)")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Log.Warn("Failed to read env file", "path", *envFile, "error", err)
	}

	cfg, err := config.LoadApp(*configPath)
	if err != nil {
		logger.Log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.Model.Path = *modelFlag
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg); err != nil {
		logger.Log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := monitoring.NewHealthMonitor(version)
	go func() {
		if err := monitor.Start(cfg.Server.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Warn("Health monitor stopped", "error", err)
		}
	}()

	path, err := ollama.ResolveModelPath(cfg.Model.Path)
	if err != nil {
		monitor.AddAlert("critical", "model", err.Error())
		return err
	}
	if path != cfg.Model.Path {
		logger.Log.Info("Resolved Ollama model", "name", cfg.Model.Path, "path", path)
	}
	m, err := engine.Load(path)
	if err != nil {
		monitor.AddAlert("critical", "model", err.Error())
		return err
	}
	monitor.SetModel(monitoring.ModelInfo{
		Loaded:        true,
		Path:          path,
		Layers:        m.NumLayers(),
		Heads:         m.Config.Heads,
		Dim:           m.Config.Dim,
		ContextLength: m.ContextLength(),
		VocabSize:     m.Config.VocabSize,
	})

	matcher, err := patching.NewMatcher(cfg.Analysis.Matcher)
	if err != nil {
		return err
	}
	pipe := patching.NewPipeline(m, patching.Options{
		Matcher:    matcher,
		PrependBOS: cfg.Model.PrependBOS,
		MaxLayers:  cfg.Analysis.MaxLayers,
	})

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		logger.Log.Warn("Explanations disabled", "provider", cfg.LLM.Provider, "error", err)
		client = nil
	} else if client == nil {
		logger.Log.Info("Explanations disabled", "provider", cfg.LLM.Provider)
	}
	if closer, ok := client.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	explainer := explain.New(client, cfg.LLM.Provider, cfg.LLM.Timeout.Duration, cfg.Analysis.TopLayers)

	// HTTP and Flight share one pool of inference slots.
	slots := semaphore.NewWeighted(int64(cfg.Server.Workers))

	g, ctx := errgroup.WithContext(ctx)

	httpSrv := server.New(pipe, explainer, slots, server.Options{
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		TopLayers:      cfg.Analysis.TopLayers,
		Observer:       monitor,
	})
	g.Go(func() error {
		return httpSrv.Run(ctx, cfg.ListenAddr())
	})

	if cfg.Flight.Enabled {
		fs := flight.NewServer(flight.NewService(pipe, slots))
		if err := fs.Listen(cfg.Flight.Addr); err != nil {
			return err
		}
		g.Go(fs.Serve)
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}

	logger.Log.Info("agreementd ready",
		"version", version,
		"addr", cfg.ListenAddr(),
		"workers", cfg.Server.Workers,
		"flight", cfg.Flight.Enabled,
		"llm", cfg.LLM.Provider)

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := monitor.Stop(shutdownCtx); serr != nil {
		logger.Log.Warn("Health monitor shutdown", "error", serr)
	}
	return err
}
