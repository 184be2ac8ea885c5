// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearNixpushEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HOME", "NIX_STORE", "NIX_REPO_HTTP", "NIX_BINARY_CACHE_USERNAME", "NIX_BINARY_CACHE_PASSWORD", "NIXPUSH_CONCURRENCY"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	clearNixpushEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NIX_STORE", "/nix/store")
	t.Setenv("NIX_REPO_HTTP", "https://cache.example.com")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.StoreDir != "/nix/store" || c.CacheURL != "https://cache.example.com" {
		t.Errorf("Load() = %+v", c)
	}
}

func TestLoadMissingRequiredEnvironment(t *testing.T) {
	clearNixpushEnv(t)
	t.Setenv("HOME", t.TempDir())
	if _, err := Load(); err == nil {
		t.Error("Load() with no NIX_STORE/NIX_REPO_HTTP succeeded, want error")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearNixpushEnv(t)
	home := t.TempDir()
	dir := filepath.Join(home, ".config", "nixpush")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	jsonc := `{
		// defaults for local testing
		"storeDir": "/from/file",
		"cacheURL": "https://file.example.com",
		"concurrency": 7,
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.jsonc"), []byte(jsonc), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HOME", home)
	t.Setenv("NIX_STORE", "/from/env")
	t.Setenv("NIX_REPO_HTTP", "https://env.example.com")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.StoreDir != "/from/env" || c.CacheURL != "https://env.example.com" {
		t.Errorf("environment did not override file: %+v", c)
	}
	if c.Concurrency != 7 {
		t.Errorf("Concurrency = %d, want 7 from file (no env override set)", c.Concurrency)
	}
}

func TestBasicAuthFromEnvironment(t *testing.T) {
	clearNixpushEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NIX_STORE", "/nix/store")
	t.Setenv("NIX_REPO_HTTP", "https://cache.example.com")
	t.Setenv("NIX_BINARY_CACHE_USERNAME", "alice")
	t.Setenv("NIX_BINARY_CACHE_PASSWORD", "hunter2")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Username != "alice" || c.Password != "hunter2" {
		t.Errorf("Load() = %+v", c)
	}
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	clearNixpushEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NIX_STORE", "/nix/store")
	t.Setenv("NIX_REPO_HTTP", "https://cache.example.com")

	if _, err := Load(); err != nil {
		t.Fatal(err)
	}
}
