package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_forward_passes_total",
		Help: "Forward passes executed, by kind (plain, cache, patched)",
	}, []string{"kind"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_forward_duration_seconds",
		Help:    "Duration of a single forward pass",
		Buckets: prometheus.DefBuckets,
	})

	PatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarrel_patch_duration_seconds",
		Help:    "Duration of one patched forward pass by layer",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_pipeline_runs_total",
		Help: "Pipeline runs by outcome (ok, unsupported, error)",
	}, []string{"outcome"})

	PipelineDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "quarrel_pipeline_duration_seconds",
		Help: "End to end duration of the patching pipeline",
	})

	VerbPairDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_verb_pair_detected_total",
		Help: "Detected verb pairs by singular form",
	}, []string{"pair"})

	Truncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_truncations_total",
		Help: "Inputs truncated to fit the context window",
	}, []string{"site"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_context_length_tokens",
		Help:    "Distribution of sequence lengths fed to the model",
		Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_tokenizer_encode_length",
		Help:    "Length of encoded token sequences",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})

	TokenizerVocabSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarrel_tokenizer_vocab_size",
		Help: "Vocabulary size of the loaded tokenizer",
	})

	ExplainerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_explainer_requests_total",
		Help: "Summarization calls by provider and outcome",
	}, []string{"provider", "outcome"})

	ExplainerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_explainer_duration_seconds",
		Help:    "Latency of summarization calls",
		Buckets: prometheus.DefBuckets,
	})

	InflightAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarrel_inflight_analyses",
		Help: "Analyses currently holding an inference slot",
	})

	FlightStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_flight_streams_total",
		Help: "Arrow Flight DoGet streams by outcome",
	}, []string{"outcome"})
)

func RecordForward(kind string, seqLen int, duration time.Duration) {
	ForwardPassesTotal.WithLabelValues(kind).Inc()
	ForwardDuration.Observe(duration.Seconds())
	ContextLengthHistogram.Observe(float64(seqLen))
}

func RecordPatch(layer int, duration time.Duration) {
	PatchDuration.WithLabelValues(strconv.Itoa(layer)).Observe(duration.Seconds())
}

func RecordPipeline(outcome string, duration time.Duration) {
	PipelineRuns.WithLabelValues(outcome).Inc()
	PipelineDuration.Observe(duration.Seconds())
}

func RecordVerbPair(singular string) {
	VerbPairDetected.WithLabelValues(singular).Inc()
}

func RecordTruncation(site string) {
	Truncations.WithLabelValues(site).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordTokenizerEncode(length int) {
	TokenizerEncodeLength.Observe(float64(length))
}

func RecordTokenizerVocab(size int) {
	TokenizerVocabSize.Set(float64(size))
}

func RecordExplainer(provider string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ExplainerRequests.WithLabelValues(provider, outcome).Inc()
	ExplainerDuration.Observe(duration.Seconds())
}

func RecordFlightStream(err error) {
	if err != nil {
		FlightStreams.WithLabelValues("error").Inc()
		return
	}
	FlightStreams.WithLabelValues("ok").Inc()
}
