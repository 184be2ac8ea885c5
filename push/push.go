// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package push implements the two-phase upload orchestrator: query which
// members of a closure are already present upstream, then send the
// remainder, uploading each path's dependencies before the path itself.
//
// The recursive fan-out-then-finish shape (send all refs in parallel, then
// upload the parent only after they all complete) is grounded on the
// dependency walk in internal/backend/realize.go, generalized from
// "realize dependencies before building" to "send dependencies before
// uploading". sentPaths is guarded by its own coarse mutex, separate from
// closure.Engine's own tree mutex, since the two records belong to
// different long-lived values and are never touched in the same critical
// section.
package push

import (
	"bytes"
	"context"
	"runtime"
	"sync"

	"go.nixpush.dev/pkg/cacheclient"
	"go.nixpush.dev/pkg/closure"
	"go.nixpush.dev/pkg/filehash"
	"go.nixpush.dev/pkg/kinderr"
	"go.nixpush.dev/pkg/nar"
	"go.nixpush.dev/pkg/storepath"
	"go.nixpush.dev/pkg/storeproc"
	"golang.org/x/sync/errgroup"
)

// Client orchestrates closure queries and uploads against one binary cache.
type Client struct {
	StoreDir    string
	Concurrency int // bounded fan-out limit; must be >= 1

	Engine *closure.Engine
	Cache  *cacheclient.Client

	mu        sync.Mutex
	sentPaths map[storepath.Path]struct{}
}

// New returns a [Client] rooted at storeDir, uploading through cache and
// resolving references through engine. If concurrency is <= 0, it defaults
// to runtime.GOMAXPROCS(0), matching [closure.NewEngine]'s own default.
func New(storeDir string, engine *closure.Engine, cache *cacheclient.Client, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Client{
		StoreDir:    storeDir,
		Concurrency: concurrency,
		Engine:      engine,
		Cache:       cache,
		sentPaths:   make(map[storepath.Path]struct{}),
	}
}

// QueryStorePaths expands the closure of roots and returns the subset of
// its members that the cache reports as absent.
func (c *Client) QueryStorePaths(ctx context.Context, roots []storepath.Path) ([]storepath.Path, error) {
	set, err := c.Engine.Closure(ctx, roots)
	if err != nil {
		return nil, err
	}

	fullTexts := make([]string, 0, len(set))
	paths := make([]storepath.Path, 0, len(set))
	for p := range set {
		paths = append(paths, p)
		fullTexts = append(fullTexts, storepath.Full{StoreDir: c.StoreDir, Path: p}.String())
	}

	present, err := c.Cache.QueryPaths(ctx, fullTexts)
	if err != nil {
		return nil, err
	}

	var missing []storepath.Path
	for i, p := range paths {
		if !present[fullTexts[i]] {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// SendClosure uploads every path reachable from roots (via [closure.Engine]
// references) that has not already been sent by this [Client], sending a
// path's references before the path itself.
func (c *Client) SendClosure(ctx context.Context, roots []storepath.Path) error {
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(c.Concurrency)
	for _, root := range roots {
		grp.Go(func() error {
			return c.sendPath(gctx, root)
		})
	}
	return grp.Wait()
}

// sendPath test-and-marks p in sentPaths, recursively sends p's references
// in parallel, then uploads p itself. The critical section around
// sentPaths is O(1): the test-and-mark only, never the upload or the
// recursive send.
func (c *Client) sendPath(ctx context.Context, p storepath.Path) error {
	c.mu.Lock()
	if _, sent := c.sentPaths[p]; sent {
		c.mu.Unlock()
		return nil
	}
	c.sentPaths[p] = struct{}{}
	c.mu.Unlock()

	refs, err := c.Engine.Refs(ctx, p)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(c.Concurrency)
	for _, ref := range refs {
		grp.Go(func() error {
			return c.sendPath(gctx, ref)
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	return c.uploadPath(ctx, p)
}

// exportedObject captures one object's NAR bytes and trailer metadata from
// a storeproc.Export stream, implementing [nar.Receiver].
type exportedObject struct {
	buf     bytes.Buffer
	trailer *nar.Trailer
}

func (o *exportedObject) Write(p []byte) (int, error) {
	return o.buf.Write(p)
}

func (o *exportedObject) ReceiveNAR(t *nar.Trailer) {
	o.trailer = t
}

// uploadPath exports p from the local store, then PUTs its NAR bytes
// followed by its narinfo to the cache, matching the GET route shapes
// symmetrically.
func (c *Client) uploadPath(ctx context.Context, p storepath.Path) error {
	data, err := storeproc.Export(ctx, c.StoreDir, p)
	if err != nil {
		return err
	}

	obj := new(exportedObject)
	if err := nar.Import(obj, bytes.NewReader(data)); err != nil {
		return err
	}
	if obj.trailer == nil {
		return kinderr.New(kinderr.ReadFailed, p.String())
	}

	narBytes := obj.buf.Bytes()
	hasher := filehash.NewHasher()
	hasher.Write(narBytes)
	narHash := hasher.SumHash()

	narName := narHash.Base32() + ".nar"
	if err := c.Cache.PutNAR(ctx, narName, narBytes); err != nil {
		return err
	}

	info := &cacheclient.NarInfo{
		StorePath:  obj.trailer.StorePath,
		URL:        "nar/" + narName,
		NarHash:    narHash,
		NarSize:    int64(len(narBytes)),
		FileHash:   narHash,
		FileSize:   int64(len(narBytes)),
		References: obj.trailer.References,
		Deriver:    obj.trailer.Deriver,
	}
	return c.Cache.PutNarInfo(ctx, info)
}
