// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package kvtext implements the line-oriented "Key: Value" blob format
// shared by nix-cache-info and narinfo documents: zero or more lines of
// "KEY: VALUE", empty and whitespace-only lines skipped, last write wins on
// duplicate keys.
//
// The scanner is factored out of the inline parsing NARInfo.UnmarshalText
// does, so NarInfo and NixCacheInfo decoding share one primitive instead of
// each hand-rolling the same line grammar.
package kvtext

import (
	"bytes"
	"strconv"

	"go.nixpush.dev/pkg/kinderr"
)

// entry is one key/value pair in a [Blob], preserving first-insertion order.
type entry struct {
	key   string
	value string
}

// Blob is an insertion-ordered "Key: Value" document. Looking up a key
// returns the last value written for it; iterating via [Blob.All] yields
// entries in first-insertion order with each key appearing once, holding its
// final value.
type Blob struct {
	order []entry
	index map[string]int // key -> index into order
}

// Get returns the value for key and whether it was present.
func (b *Blob) Get(key string) (string, bool) {
	if b.index == nil {
		return "", false
	}
	i, ok := b.index[key]
	if !ok {
		return "", false
	}
	return b.order[i].value, true
}

// Set assigns value to key, overwriting any previous value (last write
// wins) but preserving the key's original position if already present.
func (b *Blob) Set(key, value string) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[key]; ok {
		b.order[i].value = value
		return
	}
	b.index[key] = len(b.order)
	b.order = append(b.order, entry{key: key, value: value})
}

// Len returns the number of distinct keys in b.
func (b *Blob) Len() int {
	return len(b.order)
}

// All returns an iterator over (key, value) pairs in first-insertion order.
func (b *Blob) All() func(yield func(key, value string) bool) {
	return func(yield func(key, value string) bool) {
		for _, e := range b.order {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Parse decodes a key-value blob: zero or more lines of the form
// "KEY: VALUE\n", with empty and whitespace-only lines skipped. KEY is one or
// more non-colon, non-newline bytes; VALUE is the rest of the line after the
// first ':' with one leading space removed, and must be non-empty. Malformed
// lines (missing newline, missing colon, empty key, empty value) fail with
// [kinderr.BadKVBlob].
func Parse(data []byte) (*Blob, error) {
	b := &Blob{index: make(map[string]int)}
	lineno := 1
	for len(data) > 0 {
		// Skip empty and whitespace-only lines.
		if nl := bytes.IndexByte(data, '\n'); nl >= 0 && len(bytes.TrimSpace(data[:nl])) == 0 {
			data = data[nl+1:]
			lineno++
			continue
		}

		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil, kinderr.New(kinderr.BadKVBlob, fmtLine(lineno, "missing newline"))
		}
		line := data[:nl]
		data = data[nl+1:]

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, kinderr.New(kinderr.BadKVBlob, fmtLine(lineno, "missing ':'"))
		}
		key := string(line[:colon])
		if key == "" {
			return nil, kinderr.New(kinderr.BadKVBlob, fmtLine(lineno, "empty key"))
		}
		value := line[colon+1:]
		// Trims a single leading space ("KEY: value"), not SPACE* generally;
		// narrower than the grammar but matches every producer this format
		// actually needs to read.
		value = bytes.TrimPrefix(value, []byte(" "))
		if len(value) == 0 {
			return nil, kinderr.New(kinderr.BadKVBlob, fmtLine(lineno, "empty value"))
		}

		b.Set(key, string(value))
		lineno++
	}
	return b, nil
}

func fmtLine(lineno int, msg string) string {
	return "line " + strconv.Itoa(lineno) + ": " + msg
}

// Format serializes b back into "Key: Value\n" lines in the blob's
// first-insertion order.
func Format(b *Blob) []byte {
	var buf []byte
	for _, e := range b.order {
		buf = append(buf, e.key...)
		buf = append(buf, ':', ' ')
		buf = append(buf, e.value...)
		buf = append(buf, '\n')
	}
	return buf
}
