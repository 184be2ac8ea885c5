// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package filehash implements the "sha256:<hex-or-base32>" digest form used
// throughout narinfo and nix-cache-info blobs. It is a thin restriction of
// [zombiezen.com/go/nix]'s hash type to the one variant this module's wire
// protocol emits: SHA-256, self-describing hex vs. base32 by the serialized
// form's length and alphabet (the same rule [nix.Hash] already applies).
package filehash

import (
	"go.nixpush.dev/pkg/kinderr"
	"zombiezen.com/go/nix"
)

// Hash is a tagged file digest. The only variant presently supported is
// SHA-256; the zero Hash is invalid.
type Hash struct {
	h nix.Hash
}

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool {
	return h.h.IsZero()
}

// Parse parses s, which must have the form "sha256:" followed by either a
// 64-character hex digest or a 52-character Nix base32 digest. Any other
// algorithm prefix fails with [kinderr.BadFileHash].
func Parse(s string) (Hash, error) {
	h, err := nix.ParseHash(s)
	if err != nil {
		return Hash{}, kinderr.Wrap(kinderr.BadFileHash, s, err)
	}
	if h.Type() != nix.SHA256 {
		return Hash{}, kinderr.New(kinderr.BadFileHash, s)
	}
	return Hash{h: h}, nil
}

// String returns the self-describing "sha256:<base32>" form.
func (h Hash) String() string {
	return h.h.String()
}

// Base32 returns the bare base32 body (no "sha256:" prefix).
func (h Hash) Base32() string {
	return h.h.Base32()
}

// Base16 returns the bare hex body (no "sha256:" prefix).
func (h Hash) Base16() string {
	return h.h.Base16()
}

// MarshalText implements [encoding.TextMarshaler], producing the
// self-describing "sha256:<base32>" form.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] in terms of [Parse].
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// New wraps a freshly computed [nix.Hash], asserting it is a SHA-256 digest.
// It panics if h is not a SHA-256 hash.
func New(h nix.Hash) Hash {
	if h.Type() != nix.SHA256 {
		panic("filehash.New: not a SHA-256 hash")
	}
	return Hash{h: h}
}

// Hasher computes a SHA-256 [Hash] incrementally. It implements [io.Writer].
type Hasher struct {
	h *nix.Hasher
}

// NewHasher returns a new [Hasher].
func NewHasher() *Hasher {
	return &Hasher{h: nix.NewHasher(nix.SHA256)}
}

// Write implements [io.Writer].
func (w *Hasher) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// SumHash returns the SHA-256 [Hash] of all bytes written so far.
func (w *Hasher) SumHash() Hash {
	return Hash{h: w.h.SumHash()}
}
