// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package config loads nixpush's runtime configuration: required
// environment variables, plus an optional local file supplying defaults
// for settings that would be inconvenient to repeat on every invocation.
//
// The file-then-environment, environment-wins merge shape is grounded on
// cmd/zb/config.go's globalConfig.mergeEnvironment /
// globalConfig.mergeFiles: a plain Go struct is populated from defaults,
// overlaid by an optional hujson config file, then overlaid again by
// environment variables so environment always has the final word.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
)

// Config holds everything needed to run a push: where the local store
// lives, which cache to talk to, optional Basic auth, and the fan-out
// limit for closure expansion and upload.
type Config struct {
	StoreDir    string `json:"storeDir"`
	CacheURL    string `json:"cacheURL"`
	Username    string `json:"-"`
	Password    string `json:"-"`
	Concurrency int    `json:"concurrency"`
}

// fileConfig is the subset of Config that the optional config file may
// supply. Username/Password are deliberately excluded from the file
// format: credentials come from the environment only.
type fileConfig struct {
	StoreDir    string `json:"storeDir"`
	CacheURL    string `json:"cacheURL"`
	Concurrency int    `json:"concurrency"`
}

// Load builds a [Config] from the optional config file at
// $HOME/.config/nixpush/config.jsonc, then overlays required and optional
// environment variables (NIX_STORE, NIX_REPO_HTTP,
// NIX_BINARY_CACHE_USERNAME, NIX_BINARY_CACHE_PASSWORD), which always take
// priority over the file.
func Load() (*Config, error) {
	c := new(Config)

	home := os.Getenv("HOME")
	if home != "" {
		if err := c.mergeFile(filepath.Join(home, ".config", "nixpush", "config.jsonc")); err != nil {
			return nil, err
		}
	}

	if err := c.mergeEnvironment(); err != nil {
		return nil, err
	}

	return c, c.validate()
}

func (c *Config) mergeFile(path string) error {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := jsonv2.Unmarshal(jsonData, &fc, jsonv2.RejectUnknownMembers(false)); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if fc.StoreDir != "" {
		c.StoreDir = fc.StoreDir
	}
	if fc.CacheURL != "" {
		c.CacheURL = fc.CacheURL
	}
	if fc.Concurrency != 0 {
		c.Concurrency = fc.Concurrency
	}
	return nil
}

func (c *Config) mergeEnvironment() error {
	if dir := os.Getenv("NIX_STORE"); dir != "" {
		c.StoreDir = dir
	}
	if url := os.Getenv("NIX_REPO_HTTP"); url != "" {
		c.CacheURL = url
	}
	c.Username = os.Getenv("NIX_BINARY_CACHE_USERNAME")
	c.Password = os.Getenv("NIX_BINARY_CACHE_PASSWORD")
	if n := os.Getenv("NIXPUSH_CONCURRENCY"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("NIXPUSH_CONCURRENCY: %w", err)
		}
		c.Concurrency = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.StoreDir == "" {
		return errors.New("NIX_STORE not set")
	}
	if c.CacheURL == "" {
		return errors.New("NIX_REPO_HTTP not set")
	}
	return nil
}
