package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quarrel-patch/internal/logger"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Model     ModelInfo     `json:"model"`
	Analysis  AnalysisInfo  `json:"analysis"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// ModelInfo describes the loaded model
type ModelInfo struct {
	Loaded        bool   `json:"loaded"`
	Path          string `json:"path"`
	Layers        int    `json:"layers"`
	Heads         int    `json:"heads"`
	Dim           int    `json:"dim"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size"`
}

// AnalysisInfo summarizes recent pipeline runs
type AnalysisInfo struct {
	Total        int       `json:"total"`
	Failed       int       `json:"failed"`
	Unsupported  int       `json:"unsupported"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	LastAnalysis time.Time `json:"last_analysis"`
}

// Alert represents a service alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // model, analysis, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	slowAnalysis = 60 * time.Second
)

type analysisPoint struct {
	outcome  string
	duration time.Duration
}

// HealthMonitor tracks model state and analysis latency and serves them
// next to the Prometheus metrics.
type HealthMonitor struct {
	version   string
	startTime time.Time
	server    *http.Server

	mu           sync.RWMutex
	model        ModelInfo
	alerts       []Alert
	history      []analysisPoint
	total        int
	lastAnalysis time.Time
}

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{
		version:   version,
		startTime: time.Now(),
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start blocks serving the monitor on addr.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetModel(info ModelInfo) {
	hm.mu.Lock()
	hm.model = info
	hm.mu.Unlock()
}

// RecordAnalysis records one pipeline run. outcome is ok, unsupported or
// error.
func (hm *HealthMonitor) RecordAnalysis(outcome string, duration time.Duration) {
	hm.mu.Lock()
	hm.lastAnalysis = time.Now()
	hm.total++
	hm.history = append(hm.history, analysisPoint{outcome: outcome, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if duration > slowAnalysis {
		hm.AddAlert("warning", "analysis", fmt.Sprintf("Slow analysis: %.1f s", duration.Seconds()))
	}
	if outcome == "error" {
		hm.AddAlert("error", "analysis", "Analysis failed")
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. A model that is not loaded or an
// unresolved critical alert makes the service critical; unresolved errors
// degrade it.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}
	if !hm.model.Loaded {
		status = "critical"
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Model:     hm.model,
		Analysis:  hm.analysisInfo(),
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

// analysisInfo must be called with mu held.
func (hm *HealthMonitor) analysisInfo() AnalysisInfo {
	info := AnalysisInfo{Total: hm.total, LastAnalysis: hm.lastAnalysis}
	if len(hm.history) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.history))
	var sum float64
	for i, p := range hm.history {
		switch p.outcome {
		case "error":
			info.Failed++
		case "unsupported":
			info.Unsupported++
		}
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
		sum += latencies[i]
	}
	sort.Float64s(latencies)

	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)
	info.AvgLatencyMs = sum / float64(len(latencies))
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(info.Failed) / float64(len(hm.history))
	return info
}
