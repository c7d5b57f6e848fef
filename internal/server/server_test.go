package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/quarrel-patch/internal/engine"
	"github.com/23skdu/quarrel-patch/internal/explain"
	"github.com/23skdu/quarrel-patch/internal/flight"
	"github.com/23skdu/quarrel-patch/internal/llm"
	"github.com/23skdu/quarrel-patch/internal/patching"
	"github.com/23skdu/quarrel-patch/internal/testmodel"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newPipeline(t *testing.T) *patching.Pipeline {
	t.Helper()
	f, err := testmodel.File(testmodel.DefaultOptions())
	require.NoError(t, err)
	m, err := engine.FromGGUF(f)
	require.NoError(t, err)
	return patching.NewPipeline(m, patching.Options{PrependBOS: true})
}

func staticExplainer(text string) *explain.Explainer {
	return explain.New(llm.Func(func(context.Context, string, string) (string, error) {
		return text, nil
	}), "mock", 0, 0)
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorder) RecordAnalysis(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

type analyzerFunc func(ctx context.Context, sentence string, layers int) (*patching.Result, error)

func (f analyzerFunc) Run(ctx context.Context, sentence string, layers int) (*patching.Result, error) {
	return f(ctx, sentence, layers)
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestPredict(t *testing.T) {
	obs := &recorder{}
	s := New(newPipeline(t), staticExplainer("Layer 1 matters."), nil, Options{TopLayers: 2, Observer: obs})
	rec := post(s.Router(), "/predict", `{"sentence": "The dog is happy"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		PatchingResults map[string]interface{} `json:"patching_results"`
		LayerRanking    []patching.LayerDelta  `json:"layer_ranking"`
		Explanation     string                 `json:"explanation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Layer 1 matters.", body.Explanation)
	assert.Len(t, body.LayerRanking, 2)
	assert.Equal(t, "The dog are happy", body.PatchingResults["bad_sentence"])
	assert.Equal(t, []interface{}{"is", "are"}, body.PatchingResults["verb_pair"])
	assert.Len(t, body.PatchingResults["layer_probs_correct_after_patch"], 3)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, []string{"ok"}, obs.outcomes)
}

func TestPredictUnsupported(t *testing.T) {
	obs := &recorder{}
	s := New(newPipeline(t), staticExplainer("unused"), nil, Options{Observer: obs})
	rec := post(s.Router(), "/predict", `{"sentence": "The sky looks blue"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error": "No supported verb pair found (has/have, is/are, was/were, does/do)."}`, rec.Body.String())
	assert.Equal(t, []string{"unsupported"}, obs.outcomes)
}

func TestPredictExplainerFallback(t *testing.T) {
	failing := explain.New(llm.Func(func(context.Context, string, string) (string, error) {
		return "", errors.New("no key")
	}), "mock", 0, 0)
	s := New(newPipeline(t), failing, nil, Options{})
	rec := post(s.Router(), "/predict", `{"sentence": "The students have finished"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, explain.Fallback, body.Explanation)
	require.NotNil(t, body.PatchingResults)
	assert.Equal(t, "have", body.PatchingResults.Actual)
}

func TestPredictArrow(t *testing.T) {
	pipe := newPipeline(t)
	s := New(pipe, nil, nil, Options{})
	rec := post(s.Router(), "/predict?format=arrow", `{"sentence": "The cat was old", "layers": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ArrowStreamType, rec.Header().Get("Content-Type"))

	got, err := flight.ReadIPC(bytes.NewReader(rec.Body.Bytes()), memory.DefaultAllocator)
	require.NoError(t, err)
	want, err := pipe.Run(context.Background(), "The cat was old", 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPredictBadRequest(t *testing.T) {
	s := New(newPipeline(t), nil, nil, Options{})
	h := s.Router()
	for _, body := range []string{`not json`, `{"sentence": 3}`, `{"sentence": "The dog is", "layers": -1}`} {
		rec := post(h, "/predict", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestPredictAnalysisError(t *testing.T) {
	obs := &recorder{}
	fail := analyzerFunc(func(context.Context, string, int) (*patching.Result, error) {
		return nil, errors.New("boom")
	})
	rec := post(New(fail, nil, nil, Options{Observer: obs}).Router(), "/predict", `{"sentence": "The dog is"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "Analysis failed"}`, rec.Body.String())
	assert.Equal(t, []string{"error"}, obs.outcomes)
}

func TestPredictTimeoutWaitingForSlot(t *testing.T) {
	slots := semaphore.NewWeighted(1)
	require.True(t, slots.TryAcquire(1))
	defer slots.Release(1)

	called := false
	a := analyzerFunc(func(context.Context, string, int) (*patching.Result, error) {
		called = true
		return nil, nil
	})
	s := New(a, nil, slots, Options{RequestTimeout: 20 * time.Millisecond})
	rec := post(s.Router(), "/predict", `{"sentence": "The dog is"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.False(t, called)
}

func TestPredictSerializesAnalyses(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	a := analyzerFunc(func(context.Context, string, int) (*patching.Result, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return &patching.Result{Error: patching.UnsupportedMessage}, nil
	})
	h := New(a, nil, semaphore.NewWeighted(1), Options{}).Router()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(h, "/predict", `{"sentence": "x"}`)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestRequestIDPassthrough(t *testing.T) {
	h := New(newPipeline(t), nil, nil, Options{}).Router()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestCORS(t *testing.T) {
	h := New(newPipeline(t), nil, nil, Options{AllowedOrigins: []string{"*"}}).Router()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://example.com")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	strict := New(newPipeline(t), nil, nil, Options{AllowedOrigins: []string{"http://ok.test"}}).Router()
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.test")
	strict.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIndexAndStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>agreement</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	h := New(newPipeline(t), nil, nil, Options{StaticDir: dir}).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agreement")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	missing := New(newPipeline(t), nil, nil, Options{StaticDir: t.TempDir()}).Router()
	rec = httptest.NewRecorder()
	missing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
