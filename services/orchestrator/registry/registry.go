// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry holds the configured backend adapters and answers
// "who can serve model M".
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tiller.orchestrator.registry")

// refreshProbeTimeout bounds each adapter probe during Refresh so one dead
// backend cannot stall the whole refresh.
const refreshProbeTimeout = 5 * time.Second

// Registry is the explicit, constructed home of all backend adapters.
//
// # Description
//
// The descriptor table is the only structure in the engine mutated by more
// than one concurrent actor (Refresh vs. Resolve). It follows single-writer/
// multi-reader discipline: Refresh builds a complete new snapshot table and
// swaps it in under the write lock; readers never block on a refresh in
// progress and see the last-known-good snapshots until the swap.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// order is the configured priority order; resolution ties break by it.
	order    []string
	backends map[string]llm.Backend

	// snapshots holds the last-known-good capability descriptors.
	snapshots map[string]datatypes.BackendInfo
}

// New creates a Registry over the given adapters, in priority order, and
// takes an initial descriptor snapshot.
func New(ctx context.Context, backends []llm.Backend) *Registry {
	r := &Registry{
		backends:  make(map[string]llm.Backend, len(backends)),
		snapshots: make(map[string]datatypes.BackendInfo, len(backends)),
	}
	for _, b := range backends {
		r.order = append(r.order, b.Name())
		r.backends[b.Name()] = b
	}
	r.Refresh(ctx)
	return r
}

// Resolve returns the adapter serving model. When preferred names a backend,
// that backend must serve the model and be available; resolution never
// silently routes around an explicit caller choice. Otherwise the first
// backend in priority order that lists the model and is available wins.
func (r *Registry) Resolve(model, preferred string) (llm.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		backend, ok := r.backends[preferred]
		if !ok {
			return nil, llm.Errf(llm.KindUnavailable, preferred, "backend is not configured")
		}
		snap := r.snapshots[preferred]
		if !snap.Available {
			return nil, llm.Errf(llm.KindUnavailable, preferred, "backend is unavailable")
		}
		if !snap.ServesModel(model) {
			return nil, llm.Errf(llm.KindModelNotFound, preferred, "backend does not serve model %q", model)
		}
		return backend, nil
	}

	for _, name := range r.order {
		snap := r.snapshots[name]
		if snap.Available && snap.ServesModel(model) {
			return r.backends[name], nil
		}
	}
	return nil, llm.Errf(llm.KindModelNotFound, "", "no available backend serves model %q", model)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (llm.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// List returns descriptor snapshots in priority order.
func (r *Registry) List() []datatypes.BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.BackendInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.snapshots[name])
	}
	return out
}

// Models returns every model id served by an available backend, in priority
// order, deduplicated.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, name := range r.order {
		snap := r.snapshots[name]
		if !snap.Available {
			continue
		}
		for _, m := range snap.Models {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Empty reports whether no backend is currently available.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, snap := range r.snapshots {
		if snap.Available {
			return false
		}
	}
	return true
}

// Refresh re-probes every adapter and swaps in a new snapshot table.
// The probes run outside the lock; only the swap writes.
func (r *Registry) Refresh(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Registry.Refresh")
	defer span.End()

	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	backends := make(map[string]llm.Backend, len(r.backends))
	for name, b := range r.backends {
		backends[name] = b
	}
	r.mu.RUnlock()

	fresh := make(map[string]datatypes.BackendInfo, len(order))
	for _, name := range order {
		probeCtx, cancel := context.WithTimeout(ctx, refreshProbeTimeout)
		fresh[name] = backends[name].Info(probeCtx)
		cancel()
	}

	r.mu.Lock()
	r.snapshots = fresh
	r.mu.Unlock()
}
