// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package storeproc wraps the four subprocess operations the core depends
// on to talk to the local object store: dump, export, import, and
// reference-query. Each is a thin, context-aware wrapper around invoking
// the "store" tool and interpreting its stdout/stdin/exit status.
//
// The exec.CommandContext / *exec.ExitError / captured-stderr shape is
// grounded on the niks3 client's nixstore.go wrapper in the reference
// examples; stdin handling for Import uses
// zombiezen.com/go/xcontext.CloseWhenDone, the same cancellation-safety
// idiom applied to long-lived connections in internal/jsonrpc/client.go,
// so that a cancelled context reliably closes the subprocess's stdin
// instead of leaving it blocked on a write.
package storeproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.nixpush.dev/pkg/kinderr"
	"go.nixpush.dev/pkg/storepath"
	"zombiezen.com/go/xcontext"
)

// Tool names the store subprocess binary to invoke. It defaults to "store"
// and exists as a variable purely so tests can point it at a stub
// executable.
var Tool = "store"

func wrapExitError(op string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return kinderr.Wrap(kinderr.NonZeroExit, op, fmt.Errorf("%w: %s", err, bytes.TrimRight(exitErr.Stderr, "\n")))
	}
	return kinderr.Wrap(kinderr.SpawnFailed, op, err)
}

// Dump invokes "store --dump <path>" and returns its stdout: the raw NAR
// archive of the object at path.
func Dump(ctx context.Context, storeDir string, path storepath.Path) ([]byte, error) {
	full := joinFull(storeDir, path)
	cmd := exec.CommandContext(ctx, Tool, "--dump", full)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, wrapExitError("store --dump "+full, attachStderr(err, stderr.Bytes()))
	}
	return out, nil
}

// Export invokes "store --export <path>" and returns its stdout: an
// exportable archive stream in the envelope format the nar package parses.
func Export(ctx context.Context, storeDir string, path storepath.Path) ([]byte, error) {
	full := joinFull(storeDir, path)
	cmd := exec.CommandContext(ctx, Tool, "--export", full)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, wrapExitError("store --export "+full, attachStderr(err, stderr.Bytes()))
	}
	return out, nil
}

// Import invokes "store --import", streaming data to the subprocess's
// stdin. On failure, the caller is expected to have retained data (or a
// copy of it) for post-mortem inspection.
func Import(ctx context.Context, data []byte) error {
	cmd := exec.CommandContext(ctx, Tool, "--import")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return kinderr.Wrap(kinderr.SpawnFailed, "store --import", err)
	}
	if err := cmd.Start(); err != nil {
		return kinderr.Wrap(kinderr.SpawnFailed, "store --import", err)
	}

	closer := xcontext.CloseWhenDone(ctx, stdin)
	writeErr := writeAllAndClose(stdin, data)
	closer.Close()

	waitErr := cmd.Wait()
	if waitErr != nil {
		return wrapExitError("store --import", attachStderr(waitErr, stderr.Bytes()))
	}
	if writeErr != nil {
		return kinderr.Wrap(kinderr.WriteFailed, "store --import", writeErr)
	}
	return nil
}

func writeAllAndClose(w io.WriteCloser, data []byte) error {
	_, err := w.Write(data)
	closeErr := w.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// References invokes "store --query --references <path>" and parses its
// stdout: a whitespace-separated list of absolute store paths.
func References(ctx context.Context, storeDir string, path storepath.Path) ([]storepath.Path, error) {
	full := joinFull(storeDir, path)
	cmd := exec.CommandContext(ctx, Tool, "--query", "--references", full)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, wrapExitError("store --query --references "+full, attachStderr(err, stderr.Bytes()))
	}

	fields := strings.Fields(string(out))
	refs := make([]storepath.Path, 0, len(fields))
	for _, f := range fields {
		full, err := storepath.ParseFull(f)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.BadStorePath, f, err)
		}
		refs = append(refs, full.Path)
	}
	return refs, nil
}

func joinFull(storeDir string, path storepath.Path) string {
	return strings.TrimSuffix(storeDir, "/") + "/" + path.String()
}

// attachStderr records captured stderr bytes on err, if err doesn't already
// carry them (cmd.Output already populates *exec.ExitError.Stderr, but
// commands run with an explicit Stderr writer, like Dump/Export/Import
// above, need it attached manually).
func attachStderr(err error, stderr []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) == 0 && len(stderr) > 0 {
		exitErr.Stderr = stderr
	}
	return err
}
