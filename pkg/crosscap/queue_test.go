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
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequestQueue_Disabled(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{}, zaptest.NewLogger(t))
	assert.False(t, q.IsEnabled())

	slot, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Stats().CurrentActive)
	assert.Zero(t, slot.Waited())

	slot.Release()
	stats := q.Stats()
	assert.Equal(t, int64(0), stats.CurrentActive)
	assert.Equal(t, int64(1), stats.TotalProcessed)
}

func TestRequestQueue_QueueFull(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
	}, zaptest.NewLogger(t))
	require.True(t, q.IsEnabled())

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Slot, 1)
	go func() {
		slot, err := q.Acquire(context.Background())
		if err == nil {
			acquired <- slot
		}
	}()
	require.Eventually(t, func() bool { return q.Stats().CurrentQueued == 1 },
		time.Second, time.Millisecond)

	_, err = q.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), q.Stats().TotalRejected)

	blocker.Release()
	select {
	case slot := <-acquired:
		assert.Positive(t, slot.Waited())
		slot.Release()
	case <-time.After(time.Second):
		t.Fatal("queued request was never admitted")
	}
	stats := q.Stats()
	assert.Equal(t, int64(0), stats.CurrentQueued)
	assert.Equal(t, int64(2), stats.TotalProcessed)
}

func TestRequestQueue_Timeout(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		RequestTimeout:        20 * time.Millisecond,
	}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer blocker.Release()

	_, err = q.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, int64(1), q.Stats().TotalTimedOut)
	assert.Equal(t, int64(0), q.Stats().CurrentQueued)
}

func TestRequestQueue_Cancelled(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{MaxConcurrentRequests: 1}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer blocker.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRequestQueue_ReleaseTwice(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{MaxConcurrentRequests: 1}, zaptest.NewLogger(t))

	slot, err := q.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
	slot.Release()

	stats := q.Stats()
	assert.Equal(t, int64(0), stats.CurrentActive)
	assert.Equal(t, int64(1), stats.TotalProcessed)

	// The slot is free again
	slot, err = q.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
}

// Concurrent waiters must never push the queue past its bound.
func TestRequestQueue_BoundUnderContention(t *testing.T) {
	const maxQueueSize = 5
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          maxQueueSize,
		RequestTimeout:        50 * time.Millisecond,
	}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)

	var violation atomic.Bool
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				if q.Stats().CurrentQueued > maxQueueSize {
					violation.Store(true)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if slot, err := q.Acquire(ctx); err == nil {
				slot.Release()
			}
		}()
	}
	wg.Wait()
	close(done)
	blocker.Release()

	assert.False(t, violation.Load(), "queue exceeded its bound")
}

func TestWriteQueueResponses(t *testing.T) {
	w := httptest.NewRecorder()
	WriteQueueFullResponse(w, 5*time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"service overloaded, please retry later"}`, w.Body.String())

	w = httptest.NewRecorder()
	WriteTimeoutResponse(w)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
