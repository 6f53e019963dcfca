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

// Package crosscap serves guided cross-lingual captioning over HTTP.
package crosscap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/antflydb/crosscap/pkg/crosscap/lib/backends"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/chat"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/fusion"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/guided"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/minicpmv"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/tokenizer"
	"github.com/antflydb/crosscap/pkg/crosscap/lib/vision"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Captioner is the model surface the API needs. *chat.Session implements it.
type Captioner interface {
	FeatureExtractor
	ChatPixels(ctx context.Context, px vision.Pixels, sourceCaption string, target chat.Language, params guided.Params, cache fusion.VisionCache) (*guided.Result, error)
	ConversePixels(ctx context.Context, px vision.Pixels, msgs []chat.Message, opts chat.ConverseOptions) (*chat.ConverseResult, error)
}

var _ Captioner = (*chat.Session)(nil)

// NodeOptions configure a CrosscapNode.
type NodeOptions struct {
	ModelName      string
	Queue          RequestQueueConfig
	VisionCacheTTL time.Duration
}

type CrosscapNode struct {
	logger *zap.Logger

	captioner Captioner
	modelName string

	// Request queue for backpressure control
	requestQueue *RequestQueue

	// Vision features per image, shared across requests
	visionCache *VisionCacheStore
}

// NewCrosscapNode creates a node serving captioner. A nil captioner yields a
// node that reports not ready.
func NewCrosscapNode(logger *zap.Logger, captioner Captioner, opts NodeOptions) *CrosscapNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &CrosscapNode{
		logger:       logger,
		captioner:    captioner,
		modelName:    opts.ModelName,
		requestQueue: NewRequestQueue(opts.Queue, logger.Named("queue")),
	}
	if captioner != nil {
		n.visionCache = NewVisionCacheStore(captioner, opts.VisionCacheTTL, logger.Named("vision-cache"))
	}
	return n
}

// Close stops the node's background work.
func (n *CrosscapNode) Close() {
	if n.visionCache != nil {
		n.visionCache.Close()
	}
}

// Handler returns the root HTTP handler.
func (n *CrosscapNode) Handler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/caption", n.handleApiCaption)
	apiMux.HandleFunc("POST /api/chat", n.handleApiChat)
	apiMux.HandleFunc("GET /api/version", n.handleApiVersion)

	rootMux := http.NewServeMux()

	rootMux.HandleFunc("GET /healthz", n.handleHealthz)
	rootMux.HandleFunc("GET /readyz", n.handleReadyz)
	rootMux.Handle("GET /metrics", promhttp.Handler())

	rootMux.Handle("/api/", apiMux)

	return corsMiddleware(rootMux)
}

// corsMiddleware adds permissive CORS headers for the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoadSession opens the model in config.ModelDir on the configured backend
// and wraps it in a chat session. The caller closes the returned model.
func LoadSession(config Config, logger *zap.Logger) (*chat.Session, *minicpmv.Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ModelDir == "" {
		return nil, nil, fmt.Errorf("model_dir is required")
	}

	if len(config.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(config.BackendPriority)
		if err != nil {
			return nil, nil, err
		}
		backends.SetPriority(priority)
	}

	// Configure GPU mode before creating sessions
	if config.Gpu != "" {
		backends.ConfigureGPU(backends.ParseGPUMode(config.Gpu))
		logger.Info("GPU mode configured", zap.String("mode", config.Gpu))
	}
	gpuInfo := backends.DetectGPU()
	logger.Info("GPU detection complete",
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName))

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	model, err := minicpmv.Load(config.ModelDir, factory, minicpmv.WithLogger(logger.Named("minicpmv")))
	if err != nil {
		return nil, nil, fmt.Errorf("loading model: %w", err)
	}
	tok, err := tokenizer.Load(config.ModelDir)
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	engine := config.Guided.EngineConfig()
	session, err := chat.NewSession(model.Components(tok),
		chat.WithLogger(logger.Named("chat")),
		chat.WithEngineOptions(
			guided.WithConfig(engine),
			guided.WithObserver(DecodeObserver{}),
		))
	if err != nil {
		_ = model.Close()
		return nil, nil, err
	}

	name := filepath.Base(config.ModelDir)
	RecordModelLoadDuration(name, time.Since(start).Seconds())
	logger.Info("Model loaded",
		zap.String("model", name),
		zap.String("backend", string(factory.Backend())),
		zap.Int("step_limit", engine.StepLimit),
		zap.Bool("parallel_branches", engine.ParallelBranches),
		zap.Duration("duration", time.Since(start)))
	return session, model, nil
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsCrosscap loads the model and serves the API until ctx is done.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsCrosscap(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("crosscap")
	zl.Info("Starting crosscap node", zap.Any("config", config))

	if config.ApiUrl == "" {
		config.ApiUrl = DefaultApiUrl
	}
	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	requestTimeout, visionCacheTTL, err := config.Durations()
	if err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}

	session, model, err := LoadSession(config, zl)
	if err != nil {
		zl.Fatal("Failed to load model", zap.String("model_dir", config.ModelDir), zap.Error(err))
	}
	defer func() { _ = model.Close() }()

	node := NewCrosscapNode(zl, session, NodeOptions{
		ModelName: filepath.Base(config.ModelDir),
		Queue: RequestQueueConfig{
			MaxConcurrentRequests: config.MaxConcurrentRequests,
			MaxQueueSize:          config.MaxQueueSize,
			RequestTimeout:        requestTimeout,
		},
		VisionCacheTTL: visionCacheTTL,
	})
	defer node.Close()

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     node.Handler(),
		ReadTimeout: 540 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Crosscap's api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
