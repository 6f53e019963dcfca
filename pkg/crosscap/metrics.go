// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crosscap

import (
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	captionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "caption_request_ops_total",
			Help:      "The total number of guided caption requests.",
		},
		[]string{"target_language"},
	)
	chatRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "chat_request_ops_total",
			Help:      "The total number of chat requests.",
		},
		[]string{"strategy"},
	)

	decodeSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "decode_steps",
			Help:      "Number of guided decoding steps per caption.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160, 320, 1000},
		},
	)
	decodeStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "decode_stops_total",
			Help:      "Guided decodes by the state that ended them.",
		},
		[]string{"reason"},
	)
	decodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "decode_duration_seconds",
			Help:      "Time taken by one guided decode.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	branchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "branch_duration_seconds",
			Help:      "Time taken by one branch of a guided decoding step.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"branch"}, // explain, translate
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	// Queue metrics
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "queue_depth",
			Help:      "Number of requests currently waiting in queue.",
		},
	)

	queueActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "queue_active_requests",
			Help:      "Number of requests currently being processed.",
		},
	)

	queueRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "queue_rejected_total",
			Help:      "Total number of requests rejected due to full queue.",
		},
	)

	queueTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "queue_timed_out_total",
			Help:      "Total number of requests that timed out while waiting in queue.",
		},
	)

	queueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "crosscap",
			Name:      "queue_wait_duration_seconds",
			Help:      "Time spent waiting in queue before processing.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(captionRequestOps)
	prometheus.MustRegister(chatRequestOps)
	prometheus.MustRegister(decodeSteps)
	prometheus.MustRegister(decodeStops)
	prometheus.MustRegister(decodeDuration)
	prometheus.MustRegister(branchDuration)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueActiveRequests)
	prometheus.MustRegister(queueRejectedTotal)
	prometheus.MustRegister(queueTimedOutTotal)
	prometheus.MustRegister(queueWaitDuration)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordCaptionRequest increments the caption request counter
func RecordCaptionRequest(target string) {
	captionRequestOps.WithLabelValues(target).Inc()
}

// RecordChatRequest increments the chat request counter
func RecordChatRequest(strategy string) {
	chatRequestOps.WithLabelValues(strategy).Inc()
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// UpdateQueueMetrics updates all queue-related metrics from QueueStats
func UpdateQueueMetrics(stats QueueStats) {
	queueDepth.Set(float64(stats.CurrentQueued))
	queueActiveRequests.Set(float64(stats.CurrentActive))
}

// RecordQueueRejection increments the rejected counter
func RecordQueueRejection() {
	queueRejectedTotal.Inc()
}

// RecordQueueTimeout increments the timeout counter
func RecordQueueTimeout() {
	queueTimedOutTotal.Inc()
}

// RecordQueueWaitTime records how long a request waited in queue
func RecordQueueWaitTime(seconds float64) {
	queueWaitDuration.Observe(seconds)
}

// DecodeObserver feeds guided engine events into the package metrics.
type DecodeObserver struct{}

var _ guided.Observer = DecodeObserver{}

func (DecodeObserver) ObserveStep(explain, translate time.Duration) {
	branchDuration.WithLabelValues("explain").Observe(explain.Seconds())
	if translate > 0 {
		branchDuration.WithLabelValues("translate").Observe(translate.Seconds())
	}
}

func (DecodeObserver) ObserveDecode(stop guided.State, steps int, elapsed time.Duration) {
	decodeStops.WithLabelValues(stop.String()).Inc()
	decodeSteps.Observe(float64(steps))
	decodeDuration.Observe(elapsed.Seconds())
}
