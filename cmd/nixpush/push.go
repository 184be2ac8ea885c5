// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.nixpush.dev/pkg/cacheclient"
	"go.nixpush.dev/pkg/closure"
	"go.nixpush.dev/pkg/config"
	"go.nixpush.dev/pkg/push"
	"go.nixpush.dev/pkg/refcache"
	"go.nixpush.dev/pkg/storepath"
	"zombiezen.com/go/log"
)

type pushOptions struct {
	concurrency int
	paths       []string
}

func newPushCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "push [options] PATH [...]",
		Short:                 "push one or more store paths and their closures to the configured binary cache",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(pushOptions)
	c.Flags().IntVar(&opts.concurrency, "concurrency", 0, "bounded fan-out limit for closure expansion and upload (0: use config/GOMAXPROCS default)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.paths = args
		return runPush(cmd.Context(), opts)
	}
	return c
}

func runPush(ctx context.Context, opts *pushOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.concurrency > 0 {
		cfg.Concurrency = opts.concurrency
	}

	roots := make([]storepath.Path, 0, len(opts.paths))
	for _, arg := range opts.paths {
		full, err := storepath.ParsePermissive(arg)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		roots = append(roots, full.Path)
	}

	home := os.Getenv("HOME")
	if home == "" {
		return fmt.Errorf("HOME not set")
	}
	cache := refcache.New(filepath.Join(home, ".nix-path-cache"))
	engine, err := closure.NewEngine(cfg.StoreDir, cache, cfg.Concurrency)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Errorf(ctx, "flush reference cache: %v", err)
		}
	}()

	client := &cacheclient.Client{
		BaseURL:  cfg.CacheURL,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	pusher := push.New(cfg.StoreDir, engine, client, cfg.Concurrency)

	missing, err := pusher.QueryStorePaths(ctx, roots)
	if err != nil {
		return fmt.Errorf("query %s: %w", cfg.CacheURL, err)
	}
	if len(missing) == 0 {
		log.Infof(ctx, "nothing to push: closure already present on %s", cfg.CacheURL)
		return nil
	}
	log.Infof(ctx, "pushing %d store path(s) to %s", len(missing), cfg.CacheURL)

	if err := pusher.SendClosure(ctx, missing); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}
