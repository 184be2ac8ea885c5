// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package storepath implements parsing, formatting, and abbreviation of
// binary-cache store path identifiers: a 32-character prefix followed by a
// human-readable name, optionally rooted at an absolute store directory.
package storepath

import (
	"errors"
	"strings"

	"go.nixpush.dev/pkg/kinderr"
)

// prefixLength is the fixed length of a store path's content-hash prefix.
const prefixLength = 32

// Path is a store path basename: a 32-character prefix and a name, joined by
// a hyphen in textual form. Path is value-typed; copying a Path copies its
// identity.
type Path struct {
	prefix string
	name   string
}

// Prefix returns the 32-character content-hash prefix.
func (p Path) Prefix() string { return p.prefix }

// Name returns the human-readable name component.
func (p Path) Name() string { return p.name }

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool { return p.prefix == "" && p.name == "" }

// Parse parses basename as "<32 chars from [A-Za-z0-9]>-<rest>".
// It fails with [kinderr.BadStorePath] if the prefix is absent, too short,
// contains characters outside [A-Za-z0-9], or the remainder is empty.
func Parse(basename string) (Path, error) {
	if len(basename) <= prefixLength || basename[prefixLength] != '-' {
		return Path{}, kinderr.New(kinderr.BadStorePath, basename)
	}
	prefix := basename[:prefixLength]
	for i := 0; i < len(prefix); i++ {
		if !isPrefixChar(prefix[i]) {
			return Path{}, kinderr.New(kinderr.BadStorePath, basename)
		}
	}
	name := basename[prefixLength+1:]
	if name == "" {
		return Path{}, kinderr.New(kinderr.BadStorePath, basename)
	}
	return Path{prefix: prefix, name: name}, nil
}

func isPrefixChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z':
		return true
	case 'A' <= c && c <= 'Z':
		return true
	case '0' <= c && c <= '9':
		return true
	default:
		return false
	}
}

// String returns the textual form "prefix-name".
func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return p.prefix + "-" + p.name
}

// MarshalText implements [encoding.TextMarshaler].
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] in terms of [Parse].
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Abbreviate returns the first six characters of the prefix followed by a
// hyphen and the name, for use in diagnostics only — it is not a parseable
// form.
func (p Path) Abbreviate() string {
	if p.IsZero() {
		return ""
	}
	n := 6
	if n > len(p.prefix) {
		n = len(p.prefix)
	}
	return p.prefix[:n] + "-" + p.name
}

// Compare orders two Paths lexicographically on (prefix, name).
func (p Path) Compare(other Path) int {
	if c := strings.Compare(p.prefix, other.prefix); c != 0 {
		return c
	}
	return strings.Compare(p.name, other.name)
}

// Full is a store path rooted at an absolute store directory: the pair
// (storeDir, storePath).
type Full struct {
	StoreDir string
	Path     Path
}

// String returns the textual form "storeDir/prefix-name".
func (f Full) String() string {
	return strings.TrimSuffix(f.StoreDir, "/") + "/" + f.Path.String()
}

// MarshalText implements [encoding.TextMarshaler].
func (f Full) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] in terms of [ParseFull].
func (f *Full) UnmarshalText(data []byte) error {
	parsed, err := ParseFull(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFull splits an absolute path into a store directory and a basename,
// which must itself parse per [Parse]. It fails with [kinderr.NotAbsolute]
// if the input is not an absolute path, [kinderr.EmptyBasename] if there is
// no filename component, or the error from [Parse] otherwise.
func ParseFull(absolutePath string) (Full, error) {
	if !strings.HasPrefix(absolutePath, "/") {
		return Full{}, kinderr.New(kinderr.NotAbsolute, absolutePath)
	}
	i := strings.LastIndexByte(absolutePath, '/')
	dir, base := absolutePath[:i], absolutePath[i+1:]
	if base == "" {
		return Full{}, kinderr.New(kinderr.EmptyBasename, absolutePath)
	}
	if dir == "" {
		dir = "/"
	}
	p, err := Parse(base)
	if err != nil {
		return Full{}, err
	}
	return Full{StoreDir: dir, Path: p}, nil
}

// ParsePermissive attempts [Parse] first, then [ParseFull] on failure. If
// both fail, the returned [kinderr.BadStorePath] error's cause joins the
// [Parse] attempt's error and the [ParseFull] attempt's error, so both
// failure reasons are available to the caller.
func ParsePermissive(text string) (Full, error) {
	if p, err := Parse(text); err == nil {
		return Full{Path: p}, nil
	} else {
		full, ferr := ParseFull(text)
		if ferr == nil {
			return full, nil
		}
		return Full{}, kinderr.Wrap(kinderr.BadStorePath, text, errors.Join(err, ferr))
	}
}
