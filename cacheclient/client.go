// Copyright 2025 The nixpush Authors
// SPDX-License-Identifier: MIT

// Package cacheclient implements the binary cache's HTTP wire protocol: a
// small, fixed set of endpoints serving key-value blobs, narinfo, raw (or
// gzipped) NAR bytes, and a bulk path-existence query — plus PUT-based
// upload routes mirroring the GET side symmetrically.
//
// The fetch helper (size-capped read, status-code-typed error) is grounded
// directly on internal/remotestore/httpstore.go. Unlike that store, this protocol has
// no discovery document and no general Content-Encoding negotiation: routes
// are a fixed table, and only the response Content-Type on a .nar fetch
// (not Content-Encoding) selects decompression.
package cacheclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dsnet/compress/brotli"
	jsonv2 "github.com/go-json-experiment/json"
	"go.nixpush.dev/pkg/filehash"
	"go.nixpush.dev/pkg/kinderr"
	"go.nixpush.dev/pkg/kvtext"
	"go.nixpush.dev/pkg/storepath"
)

// Info is the response of the /nix-cache-info endpoint.
type Info struct {
	StoreDir      string
	WantMassQuery bool
	Priority      int
	HasPriority   bool
}

// NarInfo is the sidecar metadata document fetched from
// /<prefix>.narinfo and PUT back to the same route on upload.
type NarInfo struct {
	StorePath storepath.Path
	URL       string
	NarHash   filehash.Hash
	NarSize   int64
	FileHash  filehash.Hash
	FileSize  int64

	// References is the list of other store paths this object
	// immediately depends on, in the textual form they appeared in the
	// wire blob (basenames, per the narinfo format).
	References []storepath.Path

	// Deriver is the store path of the derivation that produced this
	// object, or the zero Path if absent. This implementation parses and
	// round-trips Deriver, deviating deliberately from the HTTPStore fetch
	// path it's grounded on, which always treats it as absent.
	Deriver storepath.Path
}

// Client speaks the binary cache's HTTP protocol against BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client // if nil, http.DefaultClient is used

	// Username and Password enable HTTP Basic authentication on every
	// request when both are non-empty.
	Username string
	Password string
}

func (c *Client) client() *http.Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	if c.Username != "" && c.Password != "" {
		withAuth := *hc
		withAuth.Transport = &basicAuthTransport{
			username: c.Username,
			password: c.Password,
			base:     hc.Transport,
		}
		return &withAuth
	}
	return hc
}

func (c *Client) url(path string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(c.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Transport, path, err)
	}
	return u, nil
}

// GetCacheInfo fetches and parses /nix-cache-info.
func (c *Client) GetCacheInfo(ctx context.Context) (*Info, error) {
	u, err := c.url("nix-cache-info")
	if err != nil {
		return nil, err
	}
	data, err := fetch(ctx, c.client(), u, "text/x-nix-cache-info,text/*;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	blob, err := kvtext.Parse(data)
	if err != nil {
		return nil, err
	}
	return infoFromBlob(blob)
}

func infoFromBlob(blob *kvtext.Blob) (*Info, error) {
	storeDir, ok := blob.Get("StoreDir")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "StoreDir")
	}
	info := &Info{StoreDir: storeDir}
	if v, ok := blob.Get("WantMassQuery"); ok {
		info.WantMassQuery = v == "1"
	}
	if v, ok := blob.Get("Priority"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.NotANonNegativeInteger, v, err)
		}
		info.Priority = n
		info.HasPriority = true
	}
	return info, nil
}

// GetNarInfo fetches and parses /<prefix>.narinfo for path.
func (c *Client) GetNarInfo(ctx context.Context, path storepath.Path) (*NarInfo, error) {
	u, err := c.url(path.Prefix() + ".narinfo")
	if err != nil {
		return nil, err
	}
	data, err := fetch(ctx, c.client(), u, "text/x-nix-narinfo,text/*;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	return narInfoFromBlob(data)
}

func narInfoFromBlob(data []byte) (*NarInfo, error) {
	blob, err := kvtext.Parse(data)
	if err != nil {
		return nil, err
	}
	info := new(NarInfo)

	storePathText, ok := blob.Get("StorePath")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "StorePath")
	}
	full, err := storepath.ParsePermissive(storePathText)
	if err != nil {
		return nil, err
	}
	info.StorePath = full.Path

	if v, ok := blob.Get("URL"); ok {
		info.URL = v
	}

	narHashText, ok := blob.Get("NarHash")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "NarHash")
	}
	if info.NarHash, err = filehash.Parse(narHashText); err != nil {
		return nil, err
	}

	narSizeText, ok := blob.Get("NarSize")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "NarSize")
	}
	if info.NarSize, err = parseNonNegativeInt(narSizeText); err != nil {
		return nil, err
	}

	fileHashText, ok := blob.Get("FileHash")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "FileHash")
	}
	if info.FileHash, err = filehash.Parse(fileHashText); err != nil {
		return nil, err
	}

	fileSizeText, ok := blob.Get("FileSize")
	if !ok {
		return nil, kinderr.New(kinderr.MissingKey, "FileSize")
	}
	if info.FileSize, err = parseNonNegativeInt(fileSizeText); err != nil {
		return nil, err
	}

	if v, ok := blob.Get("References"); ok {
		for _, field := range strings.Fields(v) {
			p, err := storepath.Parse(field)
			if err != nil {
				return nil, err
			}
			info.References = append(info.References, p)
		}
	}

	if v, ok := blob.Get("Deriver"); ok && v != "" {
		p, err := storepath.Parse(v)
		if err != nil {
			return nil, err
		}
		info.Deriver = p
	}

	return info, nil
}

func parseNonNegativeInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, kinderr.New(kinderr.NotANonNegativeInteger, s)
	}
	return n, nil
}

// MarshalText serializes a [NarInfo] back into narinfo wire format.
func (info *NarInfo) MarshalText() ([]byte, error) {
	b := new(kvtext.Blob)
	b.Set("StorePath", info.StorePath.String())
	if info.URL != "" {
		b.Set("URL", info.URL)
	}
	b.Set("NarHash", info.NarHash.String())
	b.Set("NarSize", strconv.FormatInt(info.NarSize, 10))
	b.Set("FileHash", info.FileHash.String())
	b.Set("FileSize", strconv.FormatInt(info.FileSize, 10))
	if len(info.References) > 0 {
		refTexts := make([]string, len(info.References))
		for i, r := range info.References {
			refTexts[i] = r.String()
		}
		b.Set("References", strings.Join(refTexts, " "))
	}
	if !info.Deriver.IsZero() {
		b.Set("Deriver", info.Deriver.String())
	}
	return kvtext.Format(b), nil
}

// GetNAR fetches /nar/<narName> (narName being "<name>.nar" or
// "<name>.nar.<ext>") and copies its (possibly gzipped) bytes to dst,
// decompressing when the response Content-Type is "application/x-gzip".
func (c *Client) GetNAR(ctx context.Context, narName string, dst io.Writer) error {
	u, err := c.url("nar/" + narName)
	if err != nil {
		return err
	}
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Accept": {"*/*"}},
	}).WithContext(ctx)
	resp, err := c.client().Do(req)
	if err != nil {
		return kinderr.Wrap(kinderr.Transport, u.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kinderr.New(kinderr.HTTPStatus, strconv.Itoa(resp.StatusCode))
	}

	// Only "application/x-gzip" is required; brotli and deflate are
	// recognized as well, the same three codecs decodeBody supports for
	// Content-Encoding elsewhere, applied here to Content-Type since this
	// protocol signals compression that way instead.
	body, closeBody, err := decodeByContentType(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return err
	}
	if closeBody != nil {
		defer closeBody()
	}

	if _, err := io.Copy(dst, body); err != nil {
		return kinderr.Wrap(kinderr.ReadFailed, u.String(), err)
	}
	return nil
}

func decodeByContentType(contentType string, body io.Reader) (io.Reader, func(), error) {
	switch contentType {
	case "application/x-gzip", "application/gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, kinderr.Wrap(kinderr.BadContentType, contentType, err)
		}
		return gz, func() { gz.Close() }, nil
	case "application/x-br", "application/x-brotli":
		br, err := brotli.NewReader(body, nil)
		if err != nil {
			return nil, nil, kinderr.Wrap(kinderr.BadContentType, contentType, err)
		}
		return br, func() { br.Close() }, nil
	case "application/x-deflate":
		fl := flate.NewReader(body)
		return fl, func() { fl.Close() }, nil
	default:
		return body, nil, nil
	}
}

// QueryPaths POSTs fullPaths to /query-paths and returns the server's
// reported presence map.
func (c *Client) QueryPaths(ctx context.Context, fullPaths []string) (map[string]bool, error) {
	u, err := c.url("query-paths")
	if err != nil {
		return nil, err
	}
	body, err := jsonv2.Marshal(fullPaths)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.BadKVBlob, "query-paths request", err)
	}
	req := (&http.Request{
		Method: http.MethodPost,
		URL:    u,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   io.NopCloser(bytes.NewReader(body)),
	}).WithContext(ctx)
	req.ContentLength = int64(len(body))
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Transport, u.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kinderr.New(kinderr.HTTPStatus, strconv.Itoa(resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, kinderr.Wrap(kinderr.ReadFailed, u.String(), err)
	}
	result := make(map[string]bool)
	if err := jsonv2.Unmarshal(data, &result); err != nil {
		return nil, kinderr.Wrap(kinderr.BadContentType, "query-paths response", err)
	}
	return result, nil
}

// PutNarInfo PUTs info to /<prefix>.narinfo, mirroring the GET-side route
// table symmetrically.
func (c *Client) PutNarInfo(ctx context.Context, info *NarInfo) error {
	u, err := c.url(info.StorePath.Prefix() + ".narinfo")
	if err != nil {
		return err
	}
	body, err := info.MarshalText()
	if err != nil {
		return err
	}
	return c.put(ctx, u, "text/x-nix-narinfo", body)
}

// PutNAR PUTs the raw NAR bytes of narName to /nar/<nar-name>, matching the
// GET route's shape so a round-trip GET immediately after PUT is
// well-defined.
func (c *Client) PutNAR(ctx context.Context, narName string, data []byte) error {
	u, err := c.url("nar/" + narName)
	if err != nil {
		return err
	}
	return c.put(ctx, u, "application/x-nix-nar", data)
}

func (c *Client) put(ctx context.Context, u *url.URL, contentType string, body []byte) error {
	req := (&http.Request{
		Method: http.MethodPut,
		URL:    u,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   io.NopCloser(bytes.NewReader(body)),
	}).WithContext(ctx)
	req.ContentLength = int64(len(body))
	resp, err := c.client().Do(req)
	if err != nil {
		return kinderr.Wrap(kinderr.Transport, u.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return kinderr.Wrap(kinderr.CacheRejectedUpload, u.String(), fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(reason)))
	}
	return nil
}

const maxResponseSize = 4 << 20 // 4 MiB, matching the httpstore fetch cap it's grounded on

func fetch(ctx context.Context, client *http.Client, u *url.URL, accept string) ([]byte, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Accept": {accept}},
	}).WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Transport, u.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kinderr.New(kinderr.HTTPStatus, strconv.Itoa(resp.StatusCode))
	}
	if resp.ContentLength > maxResponseSize {
		return nil, kinderr.New(kinderr.ReadFailed, u.String())
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, kinderr.Wrap(kinderr.ReadFailed, u.String(), err)
	}
	return data, nil
}

// basicAuthTransport attaches HTTP Basic authentication to every request,
// keeping auth concerns out of fetch/put/QueryPaths — the same
// transport-layer separation HTTPStore.HTTPClient already implies
// (pluggable client, core methods stay auth-agnostic).
type basicAuthTransport struct {
	username, password string
	base                http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
