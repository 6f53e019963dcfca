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
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a request waits longer than the timeout
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueueConfig holds configuration for the request queue
type RequestQueueConfig struct {
	MaxConcurrentRequests int           // 0 = unlimited
	MaxQueueSize          int           // 0 = unlimited (only when MaxConcurrentRequests > 0)
	RequestTimeout        time.Duration // bounds the wait for a slot, 0 = no timeout
}

// RequestQueue bounds concurrent decodes and queues the overflow. A guided
// decode holds its slot across all of its steps.
type RequestQueue struct {
	config RequestQueueConfig
	slots  chan struct{} // nil when unlimited
	logger *zap.Logger

	active    atomic.Int64
	waiting   atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
}

// Slot is a held processing slot. Release it exactly once when done; extra
// calls are ignored.
type Slot struct {
	queue    *RequestQueue
	waited   time.Duration
	held     bool
	released atomic.Bool
}

// Waited is how long the request spent queued before it was admitted.
func (s *Slot) Waited() time.Duration { return s.waited }

// Release frees the slot.
func (s *Slot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	q := s.queue
	q.active.Add(-1)
	q.processed.Add(1)
	if s.held {
		<-q.slots
	}
}

// NewRequestQueue creates a request queue with the given configuration
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &RequestQueue{config: config, logger: logger}
	if config.MaxConcurrentRequests <= 0 {
		logger.Info("Request queue disabled (unlimited concurrency)")
		return q
	}
	q.slots = make(chan struct{}, config.MaxConcurrentRequests)
	logger.Info("Request queue initialized",
		zap.Int("max_concurrent", config.MaxConcurrentRequests),
		zap.Int("max_queue_size", config.MaxQueueSize),
		zap.Duration("timeout", config.RequestTimeout))
	return q
}

// Acquire waits for a processing slot. It fails fast with ErrQueueFull when
// the queue bound is reached and with ErrRequestTimeout when the wait
// exceeds the configured timeout.
func (q *RequestQueue) Acquire(ctx context.Context) (*Slot, error) {
	if q.slots == nil {
		q.active.Add(1)
		return &Slot{queue: q}, nil
	}

	select {
	case q.slots <- struct{}{}:
		q.active.Add(1)
		return &Slot{queue: q, held: true}, nil
	default:
	}

	if err := q.enqueue(); err != nil {
		return nil, err
	}
	start := time.Now()
	waited := func() time.Duration {
		d := time.Since(start)
		RecordQueueWaitTime(d.Seconds())
		return d
	}

	if q.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.RequestTimeout)
		defer cancel()
	}

	select {
	case q.slots <- struct{}{}:
		q.waiting.Add(-1)
		q.active.Add(1)
		d := waited()
		q.logger.Debug("Request dequeued", zap.Duration("wait_time", d))
		return &Slot{queue: q, waited: d, held: true}, nil
	case <-ctx.Done():
		q.waiting.Add(-1)
		d := waited()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			q.timedOut.Add(1)
			q.logger.Warn("Request timed out in queue",
				zap.Duration("wait_time", d),
				zap.Duration("timeout", q.config.RequestTimeout))
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// enqueue reserves a waiting position. The CAS loop keeps concurrent callers
// from overshooting MaxQueueSize.
func (q *RequestQueue) enqueue() error {
	limit := int64(q.config.MaxQueueSize)
	for {
		n := q.waiting.Load()
		if limit > 0 && n >= limit {
			q.rejected.Add(1)
			q.logger.Warn("Request rejected: queue full",
				zap.Int64("queued", n),
				zap.Int64("max_queue", limit))
			return ErrQueueFull
		}
		if q.waiting.CompareAndSwap(n, n+1) {
			q.logger.Debug("Request queued", zap.Int64("queue_depth", n+1))
			return nil
		}
	}
}

// Stats returns current queue statistics
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive:  q.active.Load(),
		CurrentQueued:  q.waiting.Load(),
		TotalProcessed: q.processed.Load(),
		TotalRejected:  q.rejected.Load(),
		TotalTimedOut:  q.timedOut.Load(),
		MaxConcurrent:  int64(q.config.MaxConcurrentRequests),
		MaxQueueSize:   int64(q.config.MaxQueueSize),
	}
}

// QueueStats holds queue statistics
type QueueStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// IsEnabled reports whether concurrency limiting is on
func (q *RequestQueue) IsEnabled() bool {
	return q.slots != nil
}

// WriteQueueFullResponse writes a 503 response with a Retry-After header
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeErrorJSON(w, http.StatusServiceUnavailable, "service overloaded, please retry later")
}

// WriteTimeoutResponse writes a 504 response
func WriteTimeoutResponse(w http.ResponseWriter) {
	writeErrorJSON(w, http.StatusGatewayTimeout, ErrRequestTimeout.Error())
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
