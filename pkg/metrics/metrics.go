// Package metrics provides Prometheus metrics for EchoMind.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results.
const (
	LookupExact       = "exact"
	LookupFuzzy       = "fuzzy"
	LookupMiss        = "miss"
	LookupUncacheable = "uncacheable"
	LookupError       = "error"
)

// Metrics holds all EchoMind collectors.
type Metrics struct {
	// Cache metrics
	CacheLookups        *prometheus.CounterVec
	CacheStores         *prometheus.CounterVec
	CacheCleanupDeleted prometheus.Counter
	SimilarityScore     prometheus.Histogram
	MatcherDocs         prometheus.Gauge

	// LLM metrics
	LLMRequests *prometheus.CounterVec
	LLMDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter
}

// New creates all collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echomind_cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		CacheStores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echomind_cache_stores_total",
			Help: "Cache stores by outcome",
		}, []string{"outcome"}),
		CacheCleanupDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "echomind_cache_cleanup_deleted_total",
			Help: "Expired entries removed by cleanup",
		}),
		SimilarityScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "echomind_similarity_best_score",
			Help:    "Best similarity score per fuzzy lookup",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		}),
		MatcherDocs: f.NewGauge(prometheus.GaugeOpts{
			Name: "echomind_similarity_indexed_docs",
			Help: "Questions indexed by the similarity matcher",
		}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echomind_llm_requests_total",
			Help: "Upstream LLM requests by provider and status",
		}, []string{"provider", "status"}),
		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "echomind_llm_request_duration_seconds",
			Help:    "Upstream LLM request latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echomind_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "echomind_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// NewNop returns collectors registered on a private registry, for
// components constructed without metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the metrics gathered by reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
