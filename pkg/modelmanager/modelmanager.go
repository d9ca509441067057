// Copyright 2025 Kadir Pekel
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

// Package modelmanager accounts for VRAM usage across the loaded model set
// and evicts in LRU order when a load request can't fit (spec §4.4).
package modelmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/model"
)

// loadedModel tracks accounting for one currently-loaded model.
type loadedModel struct {
	vram     float64
	useCount int
	loadTime time.Duration
	loadedAt time.Time
}

// Metrics accumulates manager-wide counters (spec §4.4 "metrics").
type Metrics struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	PreWarmCount  int64
	TotalLoadTime time.Duration
}

// Manager accounts for VRAM usage across one Backend's loaded models and
// evicts the least-recently-used, non-keep-warm, unlocked model when a load
// would otherwise exceed the configured budget.
type Manager struct {
	backend model.Backend

	mu           sync.Mutex
	loaded       map[string]*loadedModel
	modelLocks   map[string]*sync.Mutex
	keepWarm     map[string]struct{}
	maxVRAM      float64
	reservedVRAM float64
	totalUsed    float64
	metrics      Metrics

	prewarming map[string]struct{}
}

// New creates a Manager bound to backend, with a VRAM budget of maxVRAM GB
// and reservedVRAM GB held back for non-Sindri use.
func New(backend model.Backend, maxVRAM, reservedVRAM float64) *Manager {
	return &Manager{
		backend:      backend,
		loaded:       make(map[string]*loadedModel),
		modelLocks:   make(map[string]*sync.Mutex),
		keepWarm:     make(map[string]struct{}),
		maxVRAM:      maxVRAM,
		reservedVRAM: reservedVRAM,
		prewarming:   make(map[string]struct{}),
	}
}

// CanLoad reports whether vram GB could be loaded without evicting anything,
// given current usage.
func (m *Manager) CanLoad(vram float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalUsed+vram <= m.maxVRAM-m.reservedVRAM
}

// AddKeepWarm marks modelName as exempt from eviction.
func (m *Manager) AddKeepWarm(modelName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepWarm[modelName] = struct{}{}
}

// RemoveKeepWarm clears modelName's keep-warm exemption.
func (m *Manager) RemoveKeepWarm(modelName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keepWarm, modelName)
}

// Stats returns a snapshot of the manager's accounting.
func (m *Manager) Stats() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// LoadedModels returns the set of model names currently resident, for the
// scheduler's zero-marginal-cost admission check (spec §4.3: a task whose
// model is already loaded costs nothing extra against the batch's VRAM budget).
func (m *Manager) LoadedModels() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.loaded))
	for name := range m.loaded {
		out[name] = struct{}{}
	}
	return out
}

// modelLock returns the per-model mutex for modelName, creating it under the
// manager lock if absent. The lock persists independently of whether the
// model is currently loaded, so concurrent EnsureLoaded/PreWarm/WaitForPreWarm
// calls for the same uncached model coalesce on the same mutex (spec §4.4
// double-check pattern) instead of each computing a fresh, uncontended one.
func (m *Manager) modelLock(modelName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.modelLocks[modelName]
	if !ok {
		l = &sync.Mutex{}
		m.modelLocks[modelName] = l
	}
	return l
}

// EnsureLoaded guarantees modelName is loaded, loading it (and evicting as
// necessary) if it is not already present.
func (m *Manager) EnsureLoaded(ctx context.Context, modelName string, vram float64) error {
	m.mu.Lock()
	if e, ok := m.loaded[modelName]; ok {
		e.loadedAt = time.Now()
		e.useCount++
		m.metrics.Hits++
		m.mu.Unlock()
		return nil
	}
	m.metrics.Misses++
	m.mu.Unlock()

	lock := m.modelLock(modelName)
	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have finished loading this model
	// while we waited for its per-model lock (double-check pattern).
	m.mu.Lock()
	if e, ok := m.loaded[modelName]; ok {
		e.loadedAt = time.Now()
		e.useCount++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.makeRoom(vram); err != nil {
		return err
	}

	start := time.Now()
	if err := m.backend.Load(ctx, modelName); err != nil {
		return err
	}
	loadTime := time.Since(start)

	m.mu.Lock()
	m.loaded[modelName] = &loadedModel{
		vram:     vram,
		useCount: 1,
		loadTime: loadTime,
		loadedAt: time.Now(),
	}
	m.totalUsed += vram
	m.metrics.TotalLoadTime += loadTime
	m.mu.Unlock()

	return nil
}

// Load is an alias for EnsureLoaded kept for spec §4.4's operation name.
func (m *Manager) Load(ctx context.Context, modelName string, vram float64) error {
	return m.EnsureLoaded(ctx, modelName, vram)
}

// makeRoom evicts LRU, non-keep-warm, unlocked models until vram GB is free,
// failing with a RESOURCE-tagged error if that's not possible even after
// evicting everything evictable.
func (m *Manager) makeRoom(vram float64) error {
	for {
		m.mu.Lock()
		if m.totalUsed+vram <= m.maxVRAM-m.reservedVRAM {
			m.mu.Unlock()
			return nil
		}

		victim := m.pickEvictionVictimLocked()
		m.mu.Unlock()

		if victim == "" {
			return errs.New(errs.Resource, fmt.Errorf(
				"modelmanager: insufficient VRAM for %.1fGB after evicting all evictable models", vram))
		}
		if err := m.evict(victim); err != nil {
			return err
		}
	}
}

// pickEvictionVictimLocked returns the LRU model eligible for eviction, or ""
// if none qualifies. Callers must hold m.mu. A model whose per-model lock is
// currently held (being loaded, pre-warmed, or evicted elsewhere) is skipped
// (spec §4.4: "eviction must not select a model whose per-model lock is held").
func (m *Manager) pickEvictionVictimLocked() string {
	var victim string
	var oldest time.Time
	for name, e := range m.loaded {
		if _, warm := m.keepWarm[name]; warm {
			continue
		}
		lock, ok := m.modelLocks[name]
		if ok {
			if !lock.TryLock() {
				continue
			}
			lock.Unlock()
		}
		if victim == "" || e.loadedAt.Before(oldest) {
			victim = name
			oldest = e.loadedAt
		}
	}
	return victim
}

func (m *Manager) evict(modelName string) error {
	lock := m.modelLock(modelName)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	e, ok := m.loaded[modelName]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.backend.Unload(context.Background(), modelName); err != nil {
		return err
	}

	m.mu.Lock()
	m.totalUsed -= e.vram
	delete(m.loaded, modelName)
	m.metrics.Evictions++
	m.mu.Unlock()
	return nil
}

// Unload explicitly releases modelName regardless of use or recency.
func (m *Manager) Unload(ctx context.Context, modelName string) error {
	return m.evict(modelName)
}

// PreWarm schedules a non-blocking background load of modelName. Concurrent
// PreWarm calls for the same model coalesce on its per-model lock.
func (m *Manager) PreWarm(modelName string, vram float64) {
	m.mu.Lock()
	if _, already := m.prewarming[modelName]; already {
		m.mu.Unlock()
		return
	}
	m.prewarming[modelName] = struct{}{}
	m.metrics.PreWarmCount++
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.prewarming, modelName)
			m.mu.Unlock()
		}()
		_ = m.EnsureLoaded(context.Background(), modelName, vram)
	}()
}

// WaitForPreWarm blocks until modelName's pre-warm (if one is in flight)
// completes, by taking and releasing its per-model lock until the model is
// no longer marked as pre-warming.
func (m *Manager) WaitForPreWarm(modelName string) {
	lock := m.modelLock(modelName)
	for {
		lock.Lock()
		lock.Unlock()
		m.mu.Lock()
		_, inFlight := m.prewarming[modelName]
		m.mu.Unlock()
		if !inFlight {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
