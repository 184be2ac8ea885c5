// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package closure implements the reference/closure engine: an in-memory,
// disk-backed reference graph with concurrent on-demand expansion and
// self-reference filtering.
//
// The bounded fan-out for concurrent expansion uses the same
// errgroup.WithContext-plus-grp.SetLimit shape, guarding a mutex-protected
// map, as the concurrent URL fetcher in internal/frontend/urls.go: the same
// "memoized concurrent fetch" shape this engine needs for closure expansion.
package closure

import (
	"context"
	"runtime"
	"sync"

	"go.nixpush.dev/pkg/refcache"
	"go.nixpush.dev/pkg/storepath"
	"go.nixpush.dev/pkg/storeproc"
	"golang.org/x/sync/errgroup"
)

// Set is a set of store paths.
type Set map[storepath.Path]struct{}

// Tree maps each known store path to its immediate (non-transitive)
// references, excluding the key itself.
type Tree map[storepath.Path][]storepath.Path

// Engine holds the in-memory reference tree plus the single coarse mutex
// that guards it: a single mutex guards the tree, and all critical sections
// it takes are O(1) map operations. The mutex here guards only the tree;
// push.Client holds the analogous mutex for its own sent-paths bookkeeping,
// since the two pieces of state belong to different long-lived values and
// are never touched in the same critical section.
type Engine struct {
	StoreDir    string
	Concurrency int // bounded fan-out limit; must be >= 1

	cache *refcache.Cache

	mu   sync.Mutex
	tree Tree
}

// NewEngine returns an [Engine] rooted at storeDir, loading any existing
// reference tree from cache. If concurrency is <= 0, it defaults to
// runtime.GOMAXPROCS(0), the same worker-pool configuration default
// cmd/zb uses.
func NewEngine(storeDir string, cache *refcache.Cache, concurrency int) (*Engine, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	tree, err := cache.Load()
	if err != nil {
		return nil, err
	}
	return &Engine{
		StoreDir:    storeDir,
		Concurrency: concurrency,
		cache:       cache,
		tree:        tree,
	}, nil
}

// DirectRefs invokes the store subprocess to list the immediate references
// of p, filtering p itself out of the result: a key never appears in its
// own reference set. Concurrent invocations for
// the same p may occur; they are idempotent, since the subprocess query is
// a pure read of immutable store metadata.
func (e *Engine) DirectRefs(ctx context.Context, p storepath.Path) ([]storepath.Path, error) {
	refs, err := storeproc.References(ctx, e.StoreDir, p)
	if err != nil {
		return nil, err
	}
	filtered := refs[:0:0]
	for _, ref := range refs {
		if ref != p {
			filtered = append(filtered, ref)
		}
	}
	return filtered, nil
}

// Refs returns the immediate references of p, consulting the in-memory
// tree first and falling back to [Engine.DirectRefs] on a miss. The lock is
// held only for the O(1) map lookup/insert; the subprocess call that
// populates a miss runs outside the critical section. A read-modify-write
// race on the same key is accepted as idempotent: concurrent expansion may
// run DirectRefs twice for the same path, but the second writer writes the
// same value the first one did.
func (e *Engine) Refs(ctx context.Context, p storepath.Path) ([]storepath.Path, error) {
	e.mu.Lock()
	if refs, ok := e.tree[p]; ok {
		e.mu.Unlock()
		return refs, nil
	}
	e.mu.Unlock()

	refs, err := e.DirectRefs(ctx, p)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.tree[p]; ok {
		refs = existing
	} else {
		e.tree[p] = refs
	}
	e.mu.Unlock()
	return refs, nil
}

// Closure returns the reflexive-transitive closure of roots under
// [Engine.Refs]: every root, plus every path reachable from a root by
// following references. Expansion proceeds with bounded fan-out (at most
// Engine.Concurrency concurrent children per expanding path, via
// errgroup.SetLimit), visiting
// each path at most once. The visited set is ephemeral to this call — it is
// not part of the engine's persistent pathTree state, so it is guarded by
// its own mutex rather than the engine's.
//
// Each recursion level opens its own [errgroup.Group] rather than sharing
// one across the whole call (the same shape push.Client.sendPath uses for
// its own recursive fan-out): errgroup.Group.Go blocks the calling
// goroutine until a semaphore slot frees, and that slot only frees when the
// calling goroutine's own function returns, so a single shared, limited
// group deadlocks as soon as a running task tries to spawn a child of its
// own — the task can't return (and free its slot) while it's blocked
// spawning into the same group. A fresh group per level keeps each level's
// fan-out bounded without any level's workers contending for the same
// semaphore as their parents.
func (e *Engine) Closure(ctx context.Context, roots []storepath.Path) (Set, error) {
	var visitedMu sync.Mutex
	visited := make(Set)

	var visit func(ctx context.Context, p storepath.Path) error
	visit = func(ctx context.Context, p storepath.Path) error {
		visitedMu.Lock()
		if _, seen := visited[p]; seen {
			visitedMu.Unlock()
			return nil
		}
		visited[p] = struct{}{}
		visitedMu.Unlock()

		refs, err := e.Refs(ctx, p)
		if err != nil {
			return err
		}

		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(e.Concurrency)
		for _, ref := range refs {
			grp.Go(func() error {
				return visit(grpCtx, ref)
			})
		}
		return grp.Wait()
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.Concurrency)
	for _, root := range roots {
		grp.Go(func() error {
			return visit(grpCtx, root)
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return visited, nil
}

// Close flushes the in-memory reference tree to disk. It is safe to call
// after a cancelled [Engine.Closure]: any entries populated before
// cancellation are still flushed, and on-disk state left by an earlier
// flush is never rewritten (refcache.Cache.Store's monotonicity guarantee).
func (e *Engine) Close() error {
	e.mu.Lock()
	snapshot := make(Tree, len(e.tree))
	for k, refs := range e.tree {
		snapshot[k] = refs
	}
	e.mu.Unlock()

	for k, refs := range snapshot {
		if err := e.cache.Store(k, refs); err != nil {
			return err
		}
	}
	return nil
}
