// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package refcache implements the on-disk reference cache: a directory of
// one subdirectory per known store path, each subdirectory populated with
// one empty file per immediate reference of that path. The layout persists
// the in-memory reference tree across invocations so the closure engine
// does not have to requery the local store subprocess for paths it has
// already resolved.
//
// The atomic-publish-then-freeze idiom (build in a sibling temp directory,
// os.Rename into place, chmod read-only) is grounded on
// internal/osutil.Freeze, adapted here for whole directories rather
// than a single file tree being frozen after a build. Temp directory names
// use github.com/google/uuid rather than reaching for the narrower
// internal/uuid8 helper.
package refcache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.nixpush.dev/pkg/kinderr"
	"go.nixpush.dev/pkg/storepath"
)

// Cache is an on-disk reference cache rooted at Dir.
type Cache struct {
	Dir string
}

// New returns a [Cache] rooted at dir. It does not create dir; [Cache.Load]
// treats a missing root as an empty cache and [Cache.Store] creates it
// lazily on first use.
func New(dir string) *Cache {
	return &Cache{Dir: dir}
}

// Load enumerates the cache directory and returns the reference tree it
// encodes: a map from each known store path to its immediate references.
// A missing root directory is treated as an empty tree, not an error.
// Entries that fail to parse as store path basenames propagate as errors;
// there is no silent skipping.
func (c *Cache) Load() (map[storepath.Path][]storepath.Path, error) {
	tree := make(map[storepath.Path][]storepath.Path)

	topEntries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return tree, nil
		}
		return nil, kinderr.Wrap(kinderr.ReadFailed, c.Dir, err)
	}

	for _, top := range topEntries {
		key, err := storepath.Parse(top.Name())
		if err != nil {
			return nil, kinderr.Wrap(kinderr.BadStorePath, top.Name(), err)
		}

		childDir := filepath.Join(c.Dir, top.Name())
		children, err := os.ReadDir(childDir)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.ReadFailed, childDir, err)
		}
		refs := make([]storepath.Path, 0, len(children))
		for _, child := range children {
			ref, err := storepath.Parse(child.Name())
			if err != nil {
				return nil, kinderr.Wrap(kinderr.BadStorePath, child.Name(), err)
			}
			refs = append(refs, ref)
		}
		tree[key] = refs
	}
	return tree, nil
}

// Store persists k's immediate references if k is not already present in
// the on-disk cache. Consistent with the reference tree's monotonicity
// invariant, an existing subdirectory for k is left untouched rather than
// rewritten.
//
// The subdirectory is built in a sibling temporary directory, populated
// with one empty file per reference, then published via [os.Rename] (atomic
// on a POSIX filesystem) and made read-only. A cancelled or crashed store
// either completes before the rename (on-disk state unchanged) or after it
// (on-disk state reflects k fully) — there is no partially-visible state.
func (c *Cache) Store(k storepath.Path, refs []storepath.Path) error {
	dest := filepath.Join(c.Dir, k.String())
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return kinderr.Wrap(kinderr.ReadFailed, dest, err)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return kinderr.Wrap(kinderr.WriteFailed, c.Dir, err)
	}

	tmp := filepath.Join(c.Dir, ".tmp-"+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return kinderr.Wrap(kinderr.WriteFailed, tmp, err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.RemoveAll(tmp)
		}
	}()

	for _, ref := range refs {
		f, err := os.Create(filepath.Join(tmp, ref.String()))
		if err != nil {
			return kinderr.Wrap(kinderr.WriteFailed, tmp, err)
		}
		if err := f.Close(); err != nil {
			return kinderr.Wrap(kinderr.WriteFailed, tmp, err)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		if os.IsExist(err) {
			// Lost a race with a concurrent Store of the same key: the
			// other writer's value is equal by construction (pathTree
			// entries are never mutated), so this is not an error.
			return nil
		}
		return kinderr.Wrap(kinderr.RenameFailed, dest, err)
	}
	removeTmp = false

	if err := freeze(dest); err != nil {
		return kinderr.Wrap(kinderr.WriteFailed, dest, err)
	}
	return nil
}

// freeze marks dir and its immediate children read-only, matching the
// on-disk cache format's world-readable, 0555-directories-after-population
// rule.
func freeze(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Chmod(filepath.Join(dir, e.Name()), 0o444); err != nil {
			return fmt.Errorf("freeze %s: %w", dir, err)
		}
	}
	return os.Chmod(dir, 0o555)
}
