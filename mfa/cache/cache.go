// Copyright 2025 go-highway Authors
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

// Package cache memoizes generated programs by kernel descriptor.
//
// A Cache owns one generator. Concurrent misses for the same descriptor
// share a single generation; failures are reported to every waiter and are
// not stored, so a later Get retries.
//
//	gemms := cache.New("gemm", gemm.Generate)
//	prog, err := gemms.Get(ctx, kd)
package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ajroetker/go-mfa/internal/logger"
	"github.com/ajroetker/go-mfa/mfa"
)

// Key is a comparable kernel descriptor with a stable string form.
type Key interface {
	comparable
	CacheKey() string
}

// GenerateFunc turns a descriptor into a program.
type GenerateFunc[K Key] func(K) (mfa.Program, error)

// Cache is an append-only map from descriptor to program. It is safe for
// concurrent use.
type Cache[K Key] struct {
	name     string
	generate GenerateFunc[K]
	log      logger.Logger
	metrics  *Metrics

	mu       sync.RWMutex
	programs map[K]mfa.Program
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	log     logger.Logger
	metrics *Metrics
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the collectors the cache reports to. The default
// reports to DefaultMetrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns an empty cache named name. The name labels metrics and logs.
func New[K Key](name string, generate GenerateFunc[K], opts ...Option) *Cache[K] {
	o := options{log: logger.Discard(), metrics: DefaultMetrics}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K]{
		name:     name,
		generate: generate,
		log:      o.log.With("cache", name),
		metrics:  o.metrics,
		programs: make(map[K]mfa.Program),
	}
}

// Name returns the cache name.
func (c *Cache[K]) Name() string { return c.name }

// Get returns the program for key, generating it on a miss. Callers that
// wait on another caller's generation return early with the cause of ctx
// if it is cancelled; the generation itself still completes and is stored.
func (c *Cache[K]) Get(ctx context.Context, key K) (mfa.Program, error) {
	if p, ok := c.Lookup(key); ok {
		c.metrics.hits.WithLabelValues(c.name).Inc()
		return p, nil
	}
	c.metrics.misses.WithLabelValues(c.name).Inc()

	ch := c.group.DoChan(key.CacheKey(), func() (any, error) {
		return c.fill(key)
	})
	select {
	case <-ctx.Done():
		return mfa.Program{}, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return mfa.Program{}, res.Err
		}
		return res.Val.(mfa.Program), nil
	}
}

func (c *Cache[K]) fill(key K) (mfa.Program, error) {
	// A flight that started after a previous one stored the key.
	if p, ok := c.Lookup(key); ok {
		return p, nil
	}
	start := time.Now()
	p, err := c.generate(key)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.failures.WithLabelValues(c.name).Inc()
		c.log.Warn("generation failed", "key", key.CacheKey(), "error", err)
		return mfa.Program{}, fmt.Errorf("%s kernel %s: %w", c.name, key.CacheKey(), err)
	}
	c.metrics.latency.WithLabelValues(c.name).Observe(elapsed.Seconds())
	c.log.Debug("generated", "key", key.CacheKey(), "bytes", len(p.Source), "elapsed", elapsed)

	c.mu.Lock()
	c.programs[key] = p
	c.mu.Unlock()
	return p, nil
}

// Lookup returns a stored program without generating.
func (c *Cache[K]) Lookup(key K) (mfa.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[key]
	return p, ok
}

// Len returns the number of stored programs.
func (c *Cache[K]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// Keys returns the stored descriptors ordered by CacheKey.
func (c *Cache[K]) Keys() []K {
	c.mu.RLock()
	keys := make([]K, 0, len(c.programs))
	for k := range c.programs {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	slices.SortFunc(keys, func(a, b K) int {
		return strings.Compare(a.CacheKey(), b.CacheKey())
	})
	return keys
}
