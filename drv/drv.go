// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package drv parses and formats the textual derivation format: a
// structured ATerm-flavored record describing how a build artifact was
// produced.
//
// The grammar is:
//
//	derivation  := "Derive(" outputs "," inDerivs "," inSrcs "," str "," str "," strList "," envs ")"
//	outputs     := "[" output ("," output)* "]"
//	output      := "(" str "," quotedStorePath "," str "," str ")"
//	inDerivs    := "[" inDeriv ("," inDeriv)* "]" | "[]"
//	inDeriv     := "(" quotedStorePath "," strList ")"
//	inSrcs      := "[" quotedStorePath ("," quotedStorePath)* "]" | "[]"
//	envs        := "[" env ("," env)* "]" | "[]"
//	env         := "(" str "," str ")"
//	strList     := "[" str ("," str)* "]" | "[]"
//	str         := '"' (printable | "\n"->LF | "\r"->CR | "\t"->TAB | "\b"->BS | "\X"->X)* '"'
//
// The scanner's shape (stack-free, single-pass, cursor over a byte slice) is
// adapted from the internal/aterm ATerm scanner, but the escape table
// differs: this grammar additionally recognizes "\b" and falls back to
// "\X" -> X for any other escaped character, where the ATerm scanner it
// grew out of rejects unrecognized escapes outright.
package drv

import (
	"fmt"
	"sort"
	"strings"

	"go.nixpush.dev/pkg/kinderr"
	"go.nixpush.dev/pkg/storepath"
)

// Output describes one build output: the store path it will occupy and, for
// fixed-output derivations, the hash that content must match.
type Output struct {
	Path Path

	// HashAlgorithm and HashBody are both empty for a non-fixed-output
	// build, or both set (currently HashAlgorithm is always "sha256") for
	// a fixed-output build.
	HashAlgorithm string
	HashBody      string
}

// Path is a quoted store path as it appears in a derivation file: an
// absolute path whose basename parses per [storepath.Parse].
type Path = storepath.Full

// Derivation is a parsed derivation file.
type Derivation struct {
	// Outputs maps output name to its descriptor. Must be non-empty;
	// output names are unique within a derivation.
	Outputs map[string]*Output

	// InputDerivations maps the store path of another derivation file to
	// the list of its output names this derivation draws from.
	InputDerivations map[Path][]string

	// InputSources is the ordered list of non-derivation inputs.
	InputSources []Path

	System  string
	Builder string
	Args    []string

	// Env maps environment variable name to value; insertion order is
	// not significant to the semantics, but [Marshal] emits it sorted
	// by key for determinism.
	Env map[string]string
}

// Parse decodes a derivation file's contents.
func Parse(data []byte) (*Derivation, error) {
	p := &parser{data: data}
	d, err := p.parseDerivation()
	if err != nil {
		return nil, kinderr.Wrap(kinderr.BadDerivation, previewString(data), err)
	}
	if err := p.expectEOF(); err != nil {
		return nil, kinderr.Wrap(kinderr.BadDerivation, previewString(data), err)
	}
	return d, nil
}

func previewString(data []byte) string {
	const max = 64
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.data) {
		return 0, false
	}
	return p.data[p.pos], true
}

func (p *parser) expectEOF() error {
	if p.pos != len(p.data) {
		return p.errorf("unexpected trailing data")
	}
	return nil
}

func (p *parser) expectByte(c byte) error {
	got, ok := p.peek()
	if !ok {
		return p.errorf("unexpected end of input (expected %q)", c)
	}
	if got != c {
		return p.errorf("unexpected %q (expected %q)", got, c)
	}
	p.pos++
	return nil
}

func (p *parser) expectLiteral(lit string) error {
	if p.pos+len(lit) > len(p.data) || string(p.data[p.pos:p.pos+len(lit)]) != lit {
		return p.errorf("expected %q", lit)
	}
	p.pos += len(lit)
	return nil
}

func (p *parser) parseDerivation() (*Derivation, error) {
	if err := p.expectLiteral("Derive("); err != nil {
		return nil, err
	}
	outputs, err := p.parseOutputs()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	inDerivs, err := p.parseInputDerivations()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	inSrcs, err := p.parseQuotedStorePathList()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	system, err := p.parseString()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	builder, err := p.parseString()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	args, err := p.parseStringList()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(','); err != nil {
		return nil, err
	}
	env, err := p.parseEnv()
	if err != nil {
		return nil, err
	}
	if err := p.expectByte(')'); err != nil {
		return nil, err
	}

	if len(outputs) == 0 {
		return nil, p.errorf("derivation has no outputs")
	}
	outMap := make(map[string]*Output, len(outputs))
	for _, o := range outputs {
		name, out := o.name, o.out
		if _, dup := outMap[name]; dup {
			return nil, p.errorf("duplicate output name %q", name)
		}
		outMap[name] = out
	}

	return &Derivation{
		Outputs:          outMap,
		InputDerivations: inDerivs,
		InputSources:     inSrcs,
		System:           system,
		Builder:          builder,
		Args:             args,
		Env:              env,
	}, nil
}

type namedOutput struct {
	name string
	out  *Output
}

func (p *parser) parseOutputs() ([]namedOutput, error) {
	var outputs []namedOutput
	err := p.parseList('[', ']', func() error {
		o, err := p.parseOutput()
		if err != nil {
			return err
		}
		outputs = append(outputs, o)
		return nil
	})
	return outputs, err
}

func (p *parser) parseOutput() (namedOutput, error) {
	if err := p.expectByte('('); err != nil {
		return namedOutput{}, err
	}
	name, err := p.parseString()
	if err != nil {
		return namedOutput{}, err
	}
	if err := p.expectByte(','); err != nil {
		return namedOutput{}, err
	}
	path, err := p.parseQuotedStorePath()
	if err != nil {
		return namedOutput{}, err
	}
	if err := p.expectByte(','); err != nil {
		return namedOutput{}, err
	}
	hashAlgo, err := p.parseString()
	if err != nil {
		return namedOutput{}, err
	}
	if err := p.expectByte(','); err != nil {
		return namedOutput{}, err
	}
	hashBody, err := p.parseString()
	if err != nil {
		return namedOutput{}, err
	}
	if err := p.expectByte(')'); err != nil {
		return namedOutput{}, err
	}
	if (hashAlgo == "") != (hashBody == "") {
		return namedOutput{}, p.errorf("output %q: hash algorithm and hash body must both be empty or both be set", name)
	}
	return namedOutput{name: name, out: &Output{Path: path, HashAlgorithm: hashAlgo, HashBody: hashBody}}, nil
}

func (p *parser) parseInputDerivations() (map[Path][]string, error) {
	result := make(map[Path][]string)
	err := p.parseList('[', ']', func() error {
		if err := p.expectByte('('); err != nil {
			return err
		}
		path, err := p.parseQuotedStorePath()
		if err != nil {
			return err
		}
		if err := p.expectByte(','); err != nil {
			return err
		}
		names, err := p.parseStringList()
		if err != nil {
			return err
		}
		if err := p.expectByte(')'); err != nil {
			return err
		}
		if _, dup := result[path]; dup {
			return p.errorf("duplicate input derivation %q", path.String())
		}
		result[path] = names
		return nil
	})
	return result, err
}

func (p *parser) parseQuotedStorePathList() ([]Path, error) {
	var result []Path
	err := p.parseList('[', ']', func() error {
		path, err := p.parseQuotedStorePath()
		if err != nil {
			return err
		}
		result = append(result, path)
		return nil
	})
	return result, err
}

func (p *parser) parseStringList() ([]string, error) {
	var result []string
	err := p.parseList('[', ']', func() error {
		s, err := p.parseString()
		if err != nil {
			return err
		}
		result = append(result, s)
		return nil
	})
	return result, err
}

func (p *parser) parseEnv() (map[string]string, error) {
	result := make(map[string]string)
	err := p.parseList('[', ']', func() error {
		if err := p.expectByte('('); err != nil {
			return err
		}
		key, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expectByte(','); err != nil {
			return err
		}
		value, err := p.parseString()
		if err != nil {
			return err
		}
		if err := p.expectByte(')'); err != nil {
			return err
		}
		result[key] = value
		return nil
	})
	return result, err
}

// parseList parses "open item (',' item)* close" or "open close", calling
// parseItem once per element. It is the one generic production in the
// grammar; every list shape (outputs, inDerivs, inSrcs, strList, envs)
// reuses it.
func (p *parser) parseList(open, close byte, parseItem func() error) error {
	if err := p.expectByte(open); err != nil {
		return err
	}
	if b, ok := p.peek(); ok && b == close {
		p.pos++
		return nil
	}
	for {
		if err := parseItem(); err != nil {
			return err
		}
		b, ok := p.peek()
		if !ok {
			return p.errorf("unexpected end of input (expected %q or %q)", ',', close)
		}
		if b == close {
			p.pos++
			return nil
		}
		if err := p.expectByte(','); err != nil {
			return err
		}
	}
}

// parseQuotedStorePath parses a string and validates that its content is an
// absolute store path. This is the grammar's one point of backtracking: a
// quotedStorePath is syntactically just a str, so the parser parses the
// string unconditionally and only afterward checks it denotes a valid store
// path.
func (p *parser) parseQuotedStorePath() (Path, error) {
	s, err := p.parseString()
	if err != nil {
		return Path{}, err
	}
	full, err := storepath.ParseFull(s)
	if err != nil {
		return Path{}, p.errorf("%q is not a valid store path: %v", s, err)
	}
	return full, nil
}

// parseString parses a double-quoted string, applying the escape table:
// \n, \r, \t, \b map to their control characters; \\ and \" map to
// themselves; any other \X maps to X verbatim (a superset of the ATerm
// escape table this grew out of, which rejects the catch-all case).
func (p *parser) parseString() (string, error) {
	if err := p.expectByte('"'); err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		b, ok := p.peek()
		if !ok {
			return "", p.errorf("unterminated string")
		}
		p.pos++
		if b == '"' {
			return sb.String(), nil
		}
		if b != '\\' {
			sb.WriteByte(b)
			continue
		}
		esc, ok := p.peek()
		if !ok {
			return "", p.errorf("unterminated escape sequence")
		}
		p.pos++
		switch esc {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b':
			sb.WriteByte('\b')
		default:
			sb.WriteByte(esc)
		}
	}
}

// Marshal serializes d into the canonical derivation text format. No format
// is mandated for writing derivations back out; supplying one is necessary
// for round-trip tests and for producing fixtures that re-parse identically.
// Output ordering follows zbstore/derivation.go's marshalText: outputs
// sorted by name, input
// derivations sorted by path, input sources in their stored order, and env
// entries sorted by key — all deterministic so that two equal Derivation
// values always marshal to the same bytes.
func Marshal(d *Derivation) ([]byte, error) {
	if len(d.Outputs) == 0 {
		return nil, fmt.Errorf("marshal derivation: no outputs")
	}
	var buf []byte
	buf = append(buf, "Derive("...)

	outputNames := make([]string, 0, len(d.Outputs))
	for name := range d.Outputs {
		outputNames = append(outputNames, name)
	}
	sort.Strings(outputNames)
	buf = append(buf, '[')
	for i, name := range outputNames {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := d.Outputs[name]
		buf = append(buf, '(')
		buf = appendString(buf, name)
		buf = append(buf, ',')
		buf = appendString(buf, out.Path.String())
		buf = append(buf, ',')
		buf = appendString(buf, out.HashAlgorithm)
		buf = append(buf, ',')
		buf = appendString(buf, out.HashBody)
		buf = append(buf, ')')
	}
	buf = append(buf, ']', ',')

	inDerivPaths := make([]Path, 0, len(d.InputDerivations))
	for p := range d.InputDerivations {
		inDerivPaths = append(inDerivPaths, p)
	}
	sort.Slice(inDerivPaths, func(i, j int) bool {
		return inDerivPaths[i].String() < inDerivPaths[j].String()
	})
	buf = append(buf, '[')
	for i, path := range inDerivPaths {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendString(buf, path.String())
		buf = append(buf, ',')
		buf = appendStringList(buf, d.InputDerivations[path])
		buf = append(buf, ')')
	}
	buf = append(buf, ']', ',')

	buf = append(buf, '[')
	for i, src := range d.InputSources {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, src.String())
	}
	buf = append(buf, ']', ',')

	buf = appendString(buf, d.System)
	buf = append(buf, ',')
	buf = appendString(buf, d.Builder)
	buf = append(buf, ',')
	buf = appendStringList(buf, d.Args)
	buf = append(buf, ',')

	envKeys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	buf = append(buf, '[')
	for i, k := range envKeys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = appendString(buf, k)
		buf = append(buf, ',')
		buf = appendString(buf, d.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, ']')

	buf = append(buf, ')')
	return buf, nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d *Derivation) MarshalText() ([]byte, error) {
	return Marshal(d)
}

func appendStringList(dst []byte, ss []string) []byte {
	dst = append(dst, '[')
	for i, s := range ss {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendString(dst, s)
	}
	dst = append(dst, ']')
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		case '\t':
			dst = append(dst, `\t`...)
		case '\b':
			dst = append(dst, `\b`...)
		default:
			dst = append(dst, c)
		}
	}
	dst = append(dst, '"')
	return dst
}
