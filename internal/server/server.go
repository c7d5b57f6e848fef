// Package server exposes the patching pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/quarrel-patch/internal/explain"
	"github.com/23skdu/quarrel-patch/internal/flight"
	"github.com/23skdu/quarrel-patch/internal/logger"
	"github.com/23skdu/quarrel-patch/internal/metrics"
	"github.com/23skdu/quarrel-patch/internal/patching"
)

const ArrowStreamType = "application/vnd.apache.arrow.stream"

// Observer is told about every finished analysis.
type Observer interface {
	RecordAnalysis(outcome string, duration time.Duration)
}

type Options struct {
	StaticDir      string
	AllowedOrigins []string
	// RequestTimeout bounds waiting for a slot plus the analysis itself.
	RequestTimeout time.Duration
	TopLayers      int
	Observer       Observer
}

type Server struct {
	analyzer  flight.Analyzer
	explainer *explain.Explainer
	slots     *semaphore.Weighted
	opts      Options
}

// New returns a server. slots bounds concurrent analyses; nil means one at
// a time.
func New(a flight.Analyzer, e *explain.Explainer, slots *semaphore.Weighted, opts Options) *Server {
	if slots == nil {
		slots = semaphore.NewWeighted(1)
	}
	if opts.TopLayers <= 0 {
		opts.TopLayers = patching.DefaultTopLayers
	}
	return &Server{analyzer: a, explainer: e, slots: slots, opts: opts}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(), cors(s.opts.AllowedOrigins))

	r.GET("/", s.Index)
	if s.opts.StaticDir != "" {
		r.Static("/static", s.opts.StaticDir)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/predict", s.Predict)
	return r
}

func (s *Server) Index(c *gin.Context) {
	path := filepath.Join(s.opts.StaticDir, "index.html")
	if _, err := os.Stat(path); err != nil {
		c.String(http.StatusNotFound, "index.html not found")
		return
	}
	c.File(path)
}

type PredictRequest struct {
	Sentence string `json:"sentence"`
	// Layers limits how many layers are patched. 0 means the server default.
	Layers int `json:"layers,omitempty"`
}

type PredictResponse struct {
	PatchingResults *patching.Result      `json:"patching_results"`
	LayerRanking    []patching.LayerDelta `json:"layer_ranking"`
	Explanation     string                `json:"explanation"`
}

func (s *Server) Predict(c *gin.Context) {
	log := requestLog(c)

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.Layers < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "layers must be non-negative"})
		return
	}

	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.analyze(ctx, req)
	s.observe(res, err, time.Since(start))
	if err != nil {
		log.Error("Analysis failed", "sentence", req.Sentence, "error", err)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Analysis timed out"})
		case errors.Is(err, context.Canceled):
			c.Status(499)
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Analysis failed"})
		}
		return
	}

	if res.Unsupported() {
		c.JSON(http.StatusOK, res)
		return
	}

	if c.Query("format") == "arrow" {
		c.Header("Content-Type", ArrowStreamType)
		c.Status(http.StatusOK)
		if err := flight.WriteIPC(c.Writer, memory.DefaultAllocator, res); err != nil {
			log.Error("Writing arrow stream failed", "error", err)
		}
		return
	}

	text, err := s.explainer.Explain(c.Request.Context(), res)
	if err != nil {
		log.Warn("Explanation fell back", "error", err)
	}
	c.JSON(http.StatusOK, PredictResponse{
		PatchingResults: res,
		LayerRanking:    res.Ranked(s.opts.TopLayers),
		Explanation:     text,
	})
}

// analyze holds an inference slot only for the forward passes.
func (s *Server) analyze(ctx context.Context, req PredictRequest) (*patching.Result, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slots.Release(1)

	metrics.InflightAnalyses.Inc()
	defer metrics.InflightAnalyses.Dec()
	return s.analyzer.Run(ctx, req.Sentence, req.Layers)
}

func (s *Server) observe(res *patching.Result, err error, d time.Duration) {
	if s.opts.Observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Unsupported():
		outcome = "unsupported"
	}
	s.opts.Observer.RecordAnalysis(outcome, d)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
