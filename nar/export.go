// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package nar implements the export/import envelope framing that wraps a
// NAR (Nix Archive) byte stream with sidecar metadata: the store path,
// references, deriver, and signature of the object the archive contains.
// The NAR bytes themselves are treated as opaque per this module's scope;
// only the envelope around them is a concrete format this package speaks.
//
// Framing is adapted directly from zbstore/export.go: an
// 8-byte object marker, the (tee'd, nar-framed) archive bytes, an 8-byte
// trailer marker followed by little-endian-length-prefixed fields padded to
// 8-byte alignment, and a final all-zero EOF marker.
package nar

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"go.nixpush.dev/pkg/storepath"
	"zombiezen.com/go/nix/nar"
)

const (
	objectMarker  = "\x01\x00\x00\x00\x00\x00\x00\x00"
	trailerMarker = "NIXE\x00\x00\x00\x00"
	eofMarker     = "\x00\x00\x00\x00\x00\x00\x00\x00"
)

// Trailer holds the sidecar metadata the export operation attaches to
// an archive: store path, references, deriver, and signature.
type Trailer struct {
	StorePath  storepath.Path
	References []storepath.Path
	Deriver    storepath.Path // zero if absent
	Signature  string         // opaque; not verified by this module
}

// Exporter serializes zero or more NARs to a stream in the export envelope
// format. The caller writes NAR bytes via [Exporter.Write], then calls
// [Exporter.Trailer] once per object; a final [Exporter.Close] terminates
// the stream.
type Exporter struct {
	w          io.Writer
	trailerBuf []byte
	header     bool
	closed     bool
}

// NewExporter returns a new [Exporter] writing to w.
func NewExporter(w io.Writer) *Exporter {
	return &Exporter{w: w}
}

// Write writes bytes of a NAR to the underlying stream, emitting the object
// marker before the first byte of each object.
func (e *Exporter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, fmt.Errorf("nar: write to closed exporter")
	}
	if !e.header {
		if _, err := io.WriteString(e.w, objectMarker); err != nil {
			return 0, err
		}
		e.header = true
	}
	return e.w.Write(p)
}

// Trailer finishes the current object with its sidecar metadata. Subsequent
// writes begin a new object.
func (e *Exporter) Trailer(t *Trailer) error {
	if e.closed {
		return fmt.Errorf("nar: write trailer: exporter closed")
	}
	if !e.header {
		return fmt.Errorf("nar: write trailer: no NAR written yet")
	}
	e.header = false

	e.trailerBuf = e.trailerBuf[:0]
	e.trailerBuf = append(e.trailerBuf, trailerMarker...)
	e.trailerBuf = appendString(e.trailerBuf, t.StorePath.String())
	e.trailerBuf = binary.LittleEndian.AppendUint64(e.trailerBuf, uint64(len(t.References)))
	for _, ref := range t.References {
		e.trailerBuf = appendString(e.trailerBuf, ref.String())
	}
	e.trailerBuf = appendString(e.trailerBuf, t.Deriver.String())
	if t.Signature == "" {
		e.trailerBuf = binary.LittleEndian.AppendUint64(e.trailerBuf, 0)
	} else {
		e.trailerBuf = binary.LittleEndian.AppendUint64(e.trailerBuf, 1)
		e.trailerBuf = appendString(e.trailerBuf, t.Signature)
	}

	_, err := e.w.Write(e.trailerBuf)
	return err
}

// Close writes the stream's EOF marker. It returns an error if an object's
// NAR bytes were written but no matching [Exporter.Trailer] call was made.
// Close does not close the underlying writer.
func (e *Exporter) Close() error {
	if e.closed {
		return fmt.Errorf("nar: close: exporter already closed")
	}
	if e.header {
		return fmt.Errorf("nar: close: missing trailer")
	}
	e.closed = true
	_, err := io.WriteString(e.w, eofMarker)
	return err
}

// Receiver processes the NAR bytes and trailer of each object in an import
// stream. After all of an object's bytes have been delivered to Write,
// ReceiveNAR is called with that object's trailer; subsequent writes begin a
// new object.
type Receiver interface {
	io.Writer
	ReceiveNAR(trailer *Trailer)
}

// Import reads an export-format stream from r, dispatching each object's
// bytes and trailer to receiver, until the stream's EOF marker is reached.
func Import(receiver Receiver, r io.Reader) error {
	buf := make([]byte, len(objectMarker))
	ew := &errWriter{w: receiver}
	for {
		if _, err := readFull(r, buf[:len(objectMarker)]); err != nil {
			return err
		}
		if string(buf[:len(eofMarker)]) == eofMarker {
			return nil
		}
		if string(buf[:len(objectMarker)]) != objectMarker {
			return fmt.Errorf("nar: invalid object separator %x", buf)
		}

		nr := nar.NewReader(io.TeeReader(r, ew))
		nr.AllowTrailingData()
		for {
			_, err := nr.Next()
			if ew.err != nil {
				return recvError{ew.err}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}

		if _, err := readFull(r, buf[:len(trailerMarker)]); err != nil {
			return err
		}
		if string(buf[:len(trailerMarker)]) != trailerMarker {
			return fmt.Errorf("nar: invalid trailer start %x", buf)
		}

		t := new(Trailer)
		var fieldBuf []byte
		var err error

		fieldBuf, err = readString(r, fieldBuf[:0])
		if err != nil {
			return fmt.Errorf("nar: read store path: %w", err)
		}
		t.StorePath, err = storepath.Parse(string(fieldBuf))
		if err != nil {
			return fmt.Errorf("nar: read store path: %w", err)
		}

		fieldBuf = fieldBuf[:0]
		nrefs, err := readUint64(r, &fieldBuf)
		if err != nil {
			return fmt.Errorf("nar: read references: %w", err)
		}
		if nrefs > 100_000 {
			return fmt.Errorf("nar: read references: too many references (%d)", nrefs)
		}
		t.References = make([]storepath.Path, 0, nrefs)
		for range nrefs {
			fieldBuf, err = readString(r, fieldBuf[:0])
			if err != nil {
				return fmt.Errorf("nar: read references: %w", err)
			}
			ref, err := storepath.Parse(string(fieldBuf))
			if err != nil {
				return fmt.Errorf("nar: read references: %w", err)
			}
			t.References = append(t.References, ref)
		}

		fieldBuf, err = readString(r, fieldBuf[:0])
		if err != nil {
			return fmt.Errorf("nar: read deriver: %w", err)
		}
		if len(fieldBuf) > 0 {
			t.Deriver, err = storepath.Parse(string(fieldBuf))
			if err != nil {
				return fmt.Errorf("nar: read deriver: %w", err)
			}
		}

		fieldBuf = fieldBuf[:0]
		x, err := readUint64(r, &fieldBuf)
		if err != nil {
			return fmt.Errorf("nar: read signature flag: %w", err)
		}
		switch x {
		case 0:
			// No signature.
		case 1:
			fieldBuf, err = readString(r, fieldBuf[:0])
			if err != nil {
				return fmt.Errorf("nar: read signature: %w", err)
			}
			t.Signature = string(fieldBuf)
		default:
			return fmt.Errorf("nar: invalid end-of-object marker %x", x)
		}

		receiver.ReceiveNAR(t)
	}
}

type recvError struct {
	err error
}

func (e recvError) Error() string { return e.err.Error() }
func (e recvError) Unwrap() error { return e.err }

const stringAlign = 8

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(s)))
	dst = append(dst, s...)
	if off := len(s) % stringAlign; off != 0 {
		for i := 0; i < stringAlign-off; i++ {
			dst = append(dst, 0)
		}
	}
	return dst
}

// readString reads a length-prefixed, 8-byte-aligned string from r and
// appends it to buf.
func readString(r io.Reader, buf []byte) ([]byte, error) {
	start := len(buf)
	n, err := readUint64(r, &buf)
	buf = buf[:start]
	if err != nil {
		return buf, err
	}
	if n > 1<<20 {
		return buf, fmt.Errorf("nar: string too large (%d bytes)", n)
	}
	readSize := padStringSize(int(n))
	buf = slices.Grow(buf, readSize)
	if _, err := readFull(r, buf[start:start+readSize]); err != nil {
		return buf, err
	}
	return buf[:start+int(n)], nil
}

func readUint64(r io.Reader, buf *[]byte) (uint64, error) {
	*buf = slices.Grow(*buf, 8)
	newEnd := len(*buf) + 8
	readBuf := (*buf)[len(*buf):newEnd]
	if _, err := readFull(r, readBuf); err != nil {
		return 0, err
	}
	*buf = (*buf)[:newEnd]
	return binary.LittleEndian.Uint64(readBuf), nil
}

func padStringSize(n int) int {
	return (n + stringAlign - 1) &^ (stringAlign - 1)
}

// readFull behaves like [io.ReadFull] but reports [io.ErrUnexpectedEOF]
// instead of [io.EOF] so a truncated stream is never mistaken for a clean
// end.
func readFull(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	var n int
	n, ew.err = ew.w.Write(p)
	return n, ew.err
}
