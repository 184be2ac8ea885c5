// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package refcache

import (
	"os"
	"path/filepath"
	"testing"

	"go.nixpush.dev/pkg/storepath"
)

func mustPath(t *testing.T, s string) storepath.Path {
	t.Helper()
	p, err := storepath.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"))
	tree, err := c.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 0 {
		t.Errorf("len(tree) = %d, want 0", len(tree))
	}
}

func TestStoreThenLoad(t *testing.T) {
	c := New(t.TempDir())
	k := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-k")
	refA := mustPath(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-a")
	refB := mustPath(t, "cccccccccccccccccccccccccccccccc-b")

	if err := c.Store(k, []storepath.Path{refA, refB}); err != nil {
		t.Fatal(err)
	}

	tree, err := c.Load()
	if err != nil {
		t.Fatal(err)
	}
	refs, ok := tree[k]
	if !ok {
		t.Fatalf("tree missing key %v", k)
	}
	if len(refs) != 2 {
		t.Fatalf("len(refs) = %d, want 2", len(refs))
	}
}

func TestStoreIsReadOnlyAfterPublish(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	k := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-k")
	if err := c.Store(k, nil); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, k.String()))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("subdirectory mode = %v, want no write bits", info.Mode())
	}
}

func TestStoreDoesNotRewriteExisting(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	k := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-k")
	refA := mustPath(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-a")
	refB := mustPath(t, "cccccccccccccccccccccccccccccccc-b")

	if err := c.Store(k, []storepath.Path{refA}); err != nil {
		t.Fatal(err)
	}
	// A later Store call for the same key with different references must
	// be ignored, consistent with the tree's monotonicity invariant.
	if err := c.Store(k, []storepath.Path{refA, refB}); err != nil {
		t.Fatal(err)
	}

	tree, err := c.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(tree[k]) != 1 {
		t.Errorf("len(tree[k]) = %d, want 1 (existing entry should not be rewritten)", len(tree[k]))
	}
}

func TestLoadUnparseableEntryFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "not-a-store-path"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(dir)
	if _, err := c.Load(); err == nil {
		t.Error("Load() with unparseable entry succeeded, want error")
	}
}
