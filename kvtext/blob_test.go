// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package kvtext

import (
	"errors"
	"testing"

	"go.nixpush.dev/pkg/kinderr"
)

func TestParseNixCacheInfoBlob(t *testing.T) {
	b, err := Parse([]byte("StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 40\n"))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		key  string
		want string
	}{
		{"StoreDir", "/nix/store"},
		{"WantMassQuery", "1"},
		{"Priority", "40"},
	}
	for _, test := range tests {
		got, ok := b.Get(test.key)
		if !ok || got != test.want {
			t.Errorf("Get(%q) = (%q, %v), want (%q, true)", test.key, got, ok, test.want)
		}
	}
}

func TestParseSkipsLeadingBlankLines(t *testing.T) {
	b, err := Parse([]byte("\n\nStorePath: /nix/store/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := b.Get("StorePath"); !ok || got != "/nix/store/x" {
		t.Errorf("Get(StorePath) = (%q, %v)", got, ok)
	}
}

func TestParseLastWriteWins(t *testing.T) {
	b, err := Parse([]byte("A: first\nA: second\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Get("A"); got != "second" {
		t.Errorf("Get(A) = %q, want second", got)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestParseMissingColon(t *testing.T) {
	_, err := Parse([]byte("not-a-kv-line\n"))
	if !errors.Is(err, kinderr.BadKVBlob) {
		t.Errorf("err = %v, want kind BadKVBlob", err)
	}
}

func TestParseMissingNewline(t *testing.T) {
	_, err := Parse([]byte("A: b"))
	if !errors.Is(err, kinderr.BadKVBlob) {
		t.Errorf("err = %v, want kind BadKVBlob", err)
	}
}

func TestFormatIdempotence(t *testing.T) {
	data := []byte("A: 1\nB: 2\n")
	b, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(Format(b))
	if err != nil {
		t.Fatal(err)
	}
	if again.Len() != b.Len() {
		t.Fatalf("Len() mismatch after round-trip: %d != %d", again.Len(), b.Len())
	}
	for k, v := range b.All() {
		got, ok := again.Get(k)
		if !ok || got != v {
			t.Errorf("round-trip Get(%q) = (%q, %v), want (%q, true)", k, got, ok, v)
		}
	}
}
