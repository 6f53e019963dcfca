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

package backends

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoBackend is returned when no registered backend is available.
var ErrNoBackend = errors.New("no session backend available (build with -tags=\"onnx,ORT\")")

// Backend provides sessions for exported graphs.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime (CUDA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	SessionFactory() SessionFactory

	// SetGPUMode must be called before any sessions are created to take effect.
	SetGPUMode(mode GPUMode)
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex

	defaultPriority = []BackendType{BackendONNX}
	configPriority  []BackendType
	priorityMu      sync.RWMutex
)

// RegisterBackend registers a backend. Later registrations for the same type
// overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListAvailable returns all available backends in configured priority order,
// followed by any remaining available backends sorted by their own priority.
func ListAvailable() []Backend {
	priority := GetPriority()

	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	seen := make(map[BackendType]bool)
	for _, t := range priority {
		if b, ok := registry[t]; ok && b.Available() {
			result = append(result, b)
			seen[t] = true
		}
	}

	rest := make([]Backend, 0)
	for t, b := range registry {
		if !seen[t] && b.Available() {
			rest = append(rest, b)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].Priority() < rest[j].Priority()
	})
	return append(result, rest...)
}

// SetPriority sets the backend selection priority order.
func SetPriority(order []BackendType) {
	priorityMu.Lock()
	defer priorityMu.Unlock()
	configPriority = make([]BackendType, len(order))
	copy(configPriority, order)
}

// GetPriority returns the configured priority if set, otherwise the default.
func GetPriority() []BackendType {
	priorityMu.RLock()
	defer priorityMu.RUnlock()
	src := defaultPriority
	if len(configPriority) > 0 {
		src = configPriority
	}
	result := make([]BackendType, len(src))
	copy(result, src)
	return result
}

// DefaultSessionFactory returns the session factory of the first available backend.
func DefaultSessionFactory() (SessionFactory, error) {
	available := ListAvailable()
	if len(available) == 0 {
		return nil, ErrNoBackend
	}
	return available[0].SessionFactory(), nil
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "onnx":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx)", s)
	}
}

// ParseBackendPriority parses a list of backend names.
func ParseBackendPriority(priority []string) ([]BackendType, error) {
	types := make([]BackendType, 0, len(priority))
	for _, s := range priority {
		t, err := ParseBackendType(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		types = append(types, t)
	}
	return types, nil
}

// ParseGPUMode parses a string into GPUMode.
func ParseGPUMode(s string) GPUMode {
	switch strings.ToLower(s) {
	case "cuda":
		return GPUModeCuda
	case "off":
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// ConfigureGPU applies mode to every registered backend.
func ConfigureGPU(mode GPUMode) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, b := range registry {
		b.SetGPUMode(mode)
	}
}
