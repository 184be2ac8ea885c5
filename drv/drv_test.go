// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.nixpush.dev/pkg/kinderr"
)

func TestParseMinimal(t *testing.T) {
	input := `Derive([("out","/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x","","")],[],[],"x86_64-linux","/bin/sh",[],[])`
	d, err := Parse([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Outputs) != 1 {
		t.Fatalf("len(Outputs) = %d, want 1", len(d.Outputs))
	}
	out, ok := d.Outputs["out"]
	if !ok {
		t.Fatal(`Outputs["out"] missing`)
	}
	if out.HashAlgorithm != "" || out.HashBody != "" {
		t.Errorf("out = %+v, want empty hash fields", out)
	}
	if d.System != "x86_64-linux" {
		t.Errorf("System = %q, want x86_64-linux", d.System)
	}
	if d.Builder != "/bin/sh" {
		t.Errorf("Builder = %q, want /bin/sh", d.Builder)
	}
	if len(d.Args) != 0 || len(d.Env) != 0 || len(d.InputSources) != 0 || len(d.InputDerivations) != 0 {
		t.Errorf("expected all other fields empty, got %+v", d)
	}
}

func TestParseFixedOutput(t *testing.T) {
	input := `Derive([("out","/nix/store/xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx-src","sha256","0123abcd")],[],[],"x86_64-linux","/bin/sh",[],[])`
	d, err := Parse([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	out := d.Outputs["out"]
	if out.HashAlgorithm != "sha256" || out.HashBody != "0123abcd" {
		t.Errorf("out = %+v, want sha256/0123abcd", out)
	}
}

func TestParseEmptyOutputsFails(t *testing.T) {
	input := `Derive([],[],[],"x86_64-linux","/bin/sh",[],[])`
	if _, err := Parse([]byte(input)); err == nil {
		t.Error("Parse(no outputs) succeeded, want error")
	}
}

func TestParseMismatchedFixedOutputHash(t *testing.T) {
	input := `Derive([("out","/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x","sha256","")],[],[],"x86_64-linux","/bin/sh",[],[])`
	if _, err := Parse([]byte(input)); err == nil {
		t.Error("Parse(mismatched hash fields) succeeded, want error")
	}
}

func TestParseEscapes(t *testing.T) {
	input := "Derive([(\"out\",\"/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x\",\"\",\"\")],[],[],\"\",\"/bin/sh\",[\"a\\nb\",\"c\\td\"],[])"
	d, err := Parse([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if d.Args[0] != "a\nb" || d.Args[1] != "c\td" {
		t.Errorf("Args = %q, want escaped newline/tab", d.Args)
	}
}

func TestParseWithInputsAndEnv(t *testing.T) {
	input := `Derive([("out","/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x","","")],` +
		`[("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-y.drv",["out"])],` +
		`["/nix/store/cccccccccccccccccccccccccccccccc-z"],` +
		`"x86_64-linux","/bin/sh",["-c","true"],[("PATH","/bin")])`
	d, err := Parse([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.InputDerivations) != 1 {
		t.Fatalf("len(InputDerivations) = %d, want 1", len(d.InputDerivations))
	}
	if len(d.InputSources) != 1 {
		t.Fatalf("len(InputSources) = %d, want 1", len(d.InputSources))
	}
	if d.Env["PATH"] != "/bin" {
		t.Errorf(`Env["PATH"] = %q, want /bin`, d.Env["PATH"])
	}
	if len(d.Args) != 2 {
		t.Fatalf("len(Args) = %d, want 2", len(d.Args))
	}
}

func TestParseBadDerivationKind(t *testing.T) {
	_, err := Parse([]byte("not a derivation at all"))
	if !errors.Is(err, kinderr.BadDerivation) {
		t.Errorf("err = %v, want kind BadDerivation", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	input := `Derive([("out","/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x","","")],` +
		`[("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-y.drv",["out"])],` +
		`["/nix/store/cccccccccccccccccccccccccccccccc-z"],` +
		`"x86_64-linux","/bin/sh",["-c","true"],[("PATH","/bin")])`
	d, err := Parse([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	marshaled, err := Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Parse(marshaled)
	if err != nil {
		t.Fatalf("re-parse of marshaled derivation failed: %v\n%s", err, marshaled)
	}
	pathComparer := cmp.Comparer(func(a, b Path) bool { return a == b })
	if diff := cmp.Diff(d, d2, pathComparer); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}

	again, err := Marshal(d2)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(marshaled) {
		t.Errorf("Marshal is not idempotent:\n%s\nvs\n%s", again, marshaled)
	}
}
