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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// VisionCacheTTL is the default TTL for cached vision features
const VisionCacheTTL = 5 * time.Minute

// FeatureExtractor computes the vision features of a preprocessed image.
type FeatureExtractor interface {
	Processor() *vision.Processor
	VisionFeatures(ctx context.Context, px vision.Pixels) (fusion.VisionCache, error)
}

// VisionCacheStore caches vision features per encoded image so that repeated
// captions of the same picture skip the encoder and resampler.
type VisionCacheStore struct {
	extractor FeatureExtractor
	cache     *ttlcache.Cache[string, fusion.VisionCache]
	sfGroup   *singleflight.Group
	logger    *zap.Logger
	cancel    context.CancelFunc

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewVisionCacheStore starts a cache in front of extractor. ttl <= 0 uses
// VisionCacheTTL.
func NewVisionCacheStore(extractor FeatureExtractor, ttl time.Duration, logger *zap.Logger) *VisionCacheStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = VisionCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, fusion.VisionCache](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s := &VisionCacheStore{
		extractor: extractor,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
		cancel:    cancel,
	}

	go s.logStats(ctx)

	return s
}

// Get returns the vision features of an encoded image, computing them on a miss.
func (s *VisionCacheStore) Get(ctx context.Context, image []byte) (fusion.VisionCache, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	key := s.cacheKey(image)

	if item := s.cache.Get(key); item != nil {
		s.hits.Add(1)
		RecordCacheHit("vision")
		s.logger.Debug("Vision cache hit", zap.Int("image_bytes", len(image)))
		return item.Value(), nil
	}

	// Deduplicate concurrent requests for the same image. The computation
	// outlives any single caller's cancellation since others may share it.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.sfGroup.DoChan(key, func() (any, error) {
		s.misses.Add(1)
		RecordCacheMiss("vision")

		start := time.Now()
		px, err := s.extractor.Processor().ProcessBytes(image)
		if err != nil {
			return nil, err
		}
		features, err := s.extractor.VisionFeatures(flightCtx, px)
		if err != nil {
			return nil, fmt.Errorf("computing vision features: %w", err)
		}

		s.cache.Set(key, features, ttlcache.DefaultTTL)

		s.logger.Debug("Vision features computed and cached",
			zap.Int("image_bytes", len(image)),
			zap.Duration("duration", time.Since(start)))

		return features, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	if res.Shared {
		s.sfHits.Add(1)
		s.logger.Debug("Singleflight hit for vision features")
	}

	return res.Val.(fusion.VisionCache), nil
}

// cacheKey hashes the encoded image together with the preprocessing size,
// which determines the features.
func (s *VisionCacheStore) cacheKey(image []byte) string {
	h := xxhash.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(s.extractor.Processor().Config().Size))
	_, _ = h.Write(size[:])
	_, _ = h.Write(image)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close stops the cache
func (s *VisionCacheStore) Close() {
	s.cancel()
	s.cache.Stop()
}

func (s *VisionCacheStore) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Stats()
			total := stats.Hits + stats.Misses
			if total == 0 {
				continue
			}
			s.logger.Info("Vision cache stats",
				zap.Uint64("hits", stats.Hits),
				zap.Uint64("misses", stats.Misses),
				zap.Uint64("singleflight_hits", stats.SingleflightHits),
				zap.Float64("hit_rate_pct", float64(stats.Hits)/float64(total)*100),
				zap.Int("items", stats.Items))
		}
	}
}

// Stats returns cache statistics
func (s *VisionCacheStore) Stats() VisionCacheStats {
	return VisionCacheStats{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		SingleflightHits: s.sfHits.Load(),
		Items:            s.cache.Len(),
	}
}

// VisionCacheStats holds vision cache statistics
type VisionCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}
