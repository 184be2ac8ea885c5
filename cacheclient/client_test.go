// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

package cacheclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.nixpush.dev/pkg/filehash"
	"go.nixpush.dev/pkg/storepath"
)

func mustPath(t *testing.T, s string) storepath.Path {
	t.Helper()
	p, err := storepath.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustHash(t *testing.T, s string) filehash.Hash {
	t.Helper()
	h, err := filehash.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

const testHashText = "sha256:1nhgq6wcggx0plpy4991h3ginj6hipsdslv4fd4zml1n707j26yq"

func TestGetCacheInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nix-cache-info" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 30\n")
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	info, err := c.GetCacheInfo(context.TODO())
	if err != nil {
		t.Fatal(err)
	}
	if info.StoreDir != "/nix/store" || !info.WantMassQuery || info.Priority != 30 {
		t.Errorf("GetCacheInfo() = %+v", info)
	}
}

func TestGetAndPutNarInfo(t *testing.T) {
	p := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-foo")
	ref := mustPath(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-dep")
	h := mustHash(t, testHashText)

	want := &NarInfo{
		StorePath:  p,
		URL:        "nar/abc.nar",
		NarHash:    h,
		NarSize:    100,
		FileHash:   h,
		FileSize:   100,
		References: []storepath.Path{ref},
	}
	wantBody, err := want.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var putBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/"+p.Prefix()+".narinfo":
			w.Write(wantBody)
		case r.Method == http.MethodPut && r.URL.Path == "/"+p.Prefix()+".narinfo":
			putBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	got, err := c.GetNarInfo(context.TODO(), p)
	if err != nil {
		t.Fatal(err)
	}
	if got.StorePath != p || got.NarSize != 100 || len(got.References) != 1 || got.References[0] != ref {
		t.Errorf("GetNarInfo() = %+v", got)
	}

	if err := c.PutNarInfo(context.TODO(), want); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(putBody, wantBody) {
		t.Errorf("PutNarInfo body = %q, want %q", putBody, wantBody)
	}
}

func TestGetNARGzip(t *testing.T) {
	payload := []byte("nar bytes here")
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write(payload)
	w.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-gzip")
		w.Write(gz.Bytes())
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	var dst bytes.Buffer
	if err := c.GetNAR(context.TODO(), "abc.nar.gz", &dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Errorf("GetNAR() = %q, want %q", dst.Bytes(), payload)
	}
}

func TestGetNARPlain(t *testing.T) {
	payload := []byte("nar bytes here")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	var dst bytes.Buffer
	if err := c.GetNAR(context.TODO(), "abc.nar", &dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Errorf("GetNAR() = %q, want %q", dst.Bytes(), payload)
	}
}

func TestQueryPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/query-paths" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"/nix/store/a":true,"/nix/store/b":false}`)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	got, err := c.QueryPaths(context.TODO(), []string{"/nix/store/a", "/nix/store/b"})
	if err != nil {
		t.Fatal(err)
	}
	if !got["/nix/store/a"] || got["/nix/store/b"] {
		t.Errorf("QueryPaths() = %v", got)
	}
}

func TestPutNarInfoRejected(t *testing.T) {
	p := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-foo")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	info := &NarInfo{StorePath: p, NarHash: mustHash(t, testHashText), FileHash: mustHash(t, testHashText)}
	if err := c.PutNarInfo(context.TODO(), info); err == nil {
		t.Error("PutNarInfo() with 403 response succeeded, want error")
	}
}

func TestBasicAuthTransport(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		io.WriteString(w, "StoreDir: /nix/store\n")
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Username: "alice", Password: "hunter2"}
	if _, err := c.GetCacheInfo(context.TODO()); err != nil {
		t.Fatal(err)
	}
	if !gotOK || gotUser != "alice" || gotPass != "hunter2" {
		t.Errorf("BasicAuth() = (%q, %q, %v), want (alice, hunter2, true)", gotUser, gotPass, gotOK)
	}
}
