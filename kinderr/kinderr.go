// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package kinderr implements a small typed error taxonomy shared by every
// package in this module, so that a top-level command handler can branch on
// error kind without string matching.
package kinderr

import (
	"errors"
	"fmt"
)

// Kind categorizes an [Error] into one of the classes described by the
// module's error handling design: parse failures, protocol failures,
// subprocess failures, I/O failures, and semantic (business-rule) failures.
type Kind int

// Defined kinds.
const (
	_ Kind = iota

	// Parse kinds.
	BadStorePath
	NotAbsolute
	EmptyBasename
	BadFileHash
	BadKVBlob
	BadDerivation
	MissingKey
	NotANonNegativeInteger

	// Protocol kinds.
	HTTPStatus
	Transport
	BadContentType

	// Subprocess kinds.
	SpawnFailed
	NonZeroExit

	// IO kinds.
	ReadFailed
	WriteFailed
	RenameFailed

	// Semantic kinds.
	CacheRejectedUpload
)

var kindNames = map[Kind]string{
	BadStorePath:           "BadStorePath",
	NotAbsolute:            "NotAbsolute",
	EmptyBasename:          "EmptyBasename",
	BadFileHash:            "BadFileHash",
	BadKVBlob:              "BadKVBlob",
	BadDerivation:          "BadDerivation",
	MissingKey:             "MissingKey",
	NotANonNegativeInteger: "NotANonNegativeInteger",
	HTTPStatus:             "HTTPStatus",
	Transport:              "Transport",
	BadContentType:         "BadContentType",
	SpawnFailed:            "SpawnFailed",
	NonZeroExit:            "NonZeroExit",
	ReadFailed:             "ReadFailed",
	WriteFailed:            "WriteFailed",
	RenameFailed:           "RenameFailed",
	CacheRejectedUpload:    "CacheRejectedUpload",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error implements the error interface on Kind itself, so that a bare Kind
// constant can be used as the target of errors.Is(err, kinderr.BadStorePath).
func (k Kind) Error() string {
	return k.String()
}

// Error is a typed error carrying the offending literal (the input text,
// path, or status code that provoked the failure) and an optional wrapped
// cause.
type Error struct {
	Kind    Kind
	Literal string // the offending input, path, or other diagnostic literal
	Cause   error
}

// New returns a new [Error] of the given kind with no wrapped cause.
func New(kind Kind, literal string) *Error {
	return &Error{Kind: kind, Literal: literal}
}

// Wrap returns a new [Error] of the given kind wrapping cause.
func Wrap(kind Kind, literal string, cause error) *Error {
	return &Error{Kind: kind, Literal: literal, Cause: cause}
}

func (e *Error) Error() string {
	if e.Literal == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
		}
		return e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%v %q: %v", e.Kind, e.Literal, e.Cause)
	}
	return fmt.Sprintf("%v %q", e.Kind, e.Literal)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a [Kind] equal to e.Kind, or an [*Error] with
// an equal Kind. This lets callers write errors.Is(err, kinderr.BadStorePath)
// directly against the Kind constant.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	default:
		return false
	}
}

// Of reports the [Kind] of err, if err is (or wraps) a [*Error]. The second
// return value is false if no such error is found in err's chain.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
