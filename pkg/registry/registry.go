// Package registry implements the Registry Client of §4.A: fetching
// packuments and tarballs over HTTP, with ETag caching, bounded retries
// with full-jitter backoff, offline short-circuiting, and a shared
// connection pool. It is grounded on
// original_source/crates/jhol-core/src/registry.rs (fetch_packument_with_etag,
// download_tarball_to_store_hash_only) translated from a per-call ureq
// client into a single long-lived *http.Client the pipeline constructs once
// and hands to every worker by reference (the mandatory Design Note in
// spec.md §9: "must not be reconstructed per request").
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"

	"jhol/pkg/jerrors"
	"jhol/pkg/types"

	"go.uber.org/zap"
)

const (
	abbreviatedAccept = "application/vnd.npm.install-v1+json"
	maxRetries         = 3
	backoffBase        = 200 * time.Millisecond
	backoffCap         = 5 * time.Second
)

// Client is the shared registry client. One Client is constructed per
// install and passed by reference to every worker; it owns the single
// *http.Client (and therefore the single connection pool) for the whole
// run.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	cacheDir       string // <cache_root>/packuments
	offline        bool
	requestTimeout time.Duration
	log            *zap.Logger

	inflight singleflight.Group // dedups concurrent identical fetches
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New constructs a Client with a single shared *http.Transport, sized for
// the install's network concurrency so idle connections survive across the
// whole run (§4.A: "all HTTP calls share a single connection pool keyed on
// origin, reused across the install").
func New(baseURL, cacheRoot string, offline bool, requestTimeoutSeconds, networkConcurrency int, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        networkConcurrency * 2,
		MaxIdleConnsPerHost: networkConcurrency,
		MaxConnsPerHost:     networkConcurrency,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Transport: transport},
		cacheDir:       filepath.Join(cacheRoot, "packuments"),
		offline:        offline,
		requestTimeout: time.Duration(requestTimeoutSeconds) * time.Second,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PackumentResult is the outcome of FetchPackument.
type PackumentResult struct {
	Packument  *types.Packument
	NotModified bool
}

// FetchPackument fetches the abbreviated packument for name, using the
// supplied etag for conditional GET. On 304 the caller's cached packument is
// still valid and NotModified is true. Falls back to a full-form request
// only when the abbreviated response is malformed or has no versions — per
// the Open Question resolution in SPEC_FULL.md §9, never on every miss.
func (c *Client) FetchPackument(ctx context.Context, name, etag string) (*PackumentResult, error) {
	if c.offline {
		body, cachedETag, ok := c.ReadCache(name)
		if !ok {
			return nil, fmt.Errorf("%w: package %s", jerrors.ErrOffline, name)
		}
		pkt, err := decodePackument(name, body)
		if err != nil {
			return nil, zerr.With(errors.Join(jerrors.ErrOffline, err), "package", name)
		}
		pkt.ETag = cachedETag
		return &PackumentResult{Packument: pkt}, nil
	}

	key := "packument:" + name
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		return c.fetchPackumentUncached(ctx, name, etag)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PackumentResult), nil
}

func (c *Client) fetchPackumentUncached(ctx context.Context, name, etag string) (*PackumentResult, error) {
	body, respETag, notModified, err := c.getPackumentBody(ctx, name, etag, true)
	if err != nil {
		return nil, err
	}
	if notModified {
		return &PackumentResult{NotModified: true}, nil
	}

	pkt, parseErr := decodePackument(name, body)
	if parseErr != nil || len(pkt.Versions) == 0 {
		c.log.Debug("abbreviated packument incomplete, falling back to full form", zap.String("package", name))
		body, respETag, notModified, err = c.getPackumentBody(ctx, name, etag, false)
		if err != nil {
			return nil, err
		}
		if notModified {
			return &PackumentResult{NotModified: true}, nil
		}
		pkt, parseErr = decodePackument(name, body)
		if parseErr != nil {
			return nil, zerr.With(zerr.Wrap(parseErr, "decoding packument"), "package", name)
		}
	}
	pkt.ETag = respETag
	_ = c.writeCache(name, body, respETag)
	return &PackumentResult{Packument: pkt}, nil
}

// getPackumentBody performs the HTTP round trip (with retries) and returns
// the raw JSON body, the response ETag, and whether the server answered 304.
func (c *Client) getPackumentBody(ctx context.Context, name, etag string, abbreviated bool) ([]byte, string, bool, error) {
	encoded := encodePackageName(name)
	reqURL := c.baseURL + "/" + encoded

	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if abbreviated {
			req.Header.Set("Accept", abbreviatedAccept)
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		return c.httpClient.Do(req)
	}

	resp, err := c.withRetries(ctx, op)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, etag, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", false, jerrors.ErrRegistryNotFound
	case resp.StatusCode >= 400:
		return nil, "", false, fmt.Errorf("%w: package %s: status %d", jerrors.ErrNetworkError, name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", false, zerr.Wrap(errors.Join(jerrors.ErrNetworkError, err), "reading packument body")
	}
	return body, resp.Header.Get("ETag"), false, nil
}

// withRetries runs op up to maxRetries+1 times with full-jitter exponential
// backoff on transient failures (connect error, 5xx, idle timeout), per
// §4.A. Non-transient failures (context cancellation, 4xx already handled
// by the caller) are returned immediately.
func (c *Client) withRetries(ctx context.Context, op func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := op()
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", jerrors.ErrNetworkError, resp.StatusCode)
		} else {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			lastErr = zerr.Wrap(errors.Join(jerrors.ErrNetworkError, err), "registry request failed")
		}
		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		c.log.Debug("retrying registry request", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// backoffDelay is full-jitter exponential backoff: base 200ms, cap 5s.
func backoffDelay(attempt int) time.Duration {
	exp := backoffBase << attempt
	if exp > backoffCap || exp <= 0 {
		exp = backoffCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// TarballResult is the outcome of FetchTarball.
type TarballResult struct {
	Bytes      []byte
	ActualHash string // hex-encoded sha256
}

// FetchTarball streams a tarball from url with a hash accumulator. If
// expectedIntegrity is non-empty and does not match, returns
// ErrIntegrityMismatch and discards the partial bytes (§4.A).
func (c *Client) FetchTarball(ctx context.Context, tarballURL, expectedIntegrity string) (*TarballResult, error) {
	if c.offline {
		return nil, jerrors.ErrOffline
	}

	key := "tarball:" + tarballURL
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		return c.fetchTarballUncached(ctx, tarballURL, expectedIntegrity)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TarballResult), nil
}

func (c *Client) fetchTarballUncached(ctx context.Context, tarballURL, expectedIntegrity string) (*TarballResult, error) {
	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tarballURL, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	}
	resp, err := c.withRetries(ctx, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, jerrors.ErrRegistryNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: tarball %s: status %d", jerrors.ErrNetworkError, tarballURL, resp.StatusCode)
	}

	hasher := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, hasher), resp.Body); err != nil {
		return nil, zerr.Wrap(errors.Join(jerrors.ErrNetworkError, err), "streaming tarball")
	}
	actualHash := hex.EncodeToString(hasher.Sum(nil))

	if expectedIntegrity != "" && !matchesIntegrity(buf.Bytes(), expectedIntegrity) {
		return nil, jerrors.ErrIntegrityMismatch
	}

	return &TarballResult{Bytes: buf.Bytes(), ActualHash: actualHash}, nil
}

func (c *Client) writeCache(name string, body []byte, etag string) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}
	key := cacheKey(name)
	if err := os.WriteFile(filepath.Join(c.cacheDir, key+".json"), body, 0o644); err != nil {
		return err
	}
	if etag != "" {
		return os.WriteFile(filepath.Join(c.cacheDir, key+".etag"), []byte(etag), 0o644)
	}
	return nil
}

// ReadCache loads the last-seen packument body and etag for name from disk,
// for a caller that wants to reuse it across process invocations.
func (c *Client) ReadCache(name string) (body []byte, etag string, ok bool) {
	key := cacheKey(name)
	data, err := os.ReadFile(filepath.Join(c.cacheDir, key+".json"))
	if err != nil {
		return nil, "", false
	}
	etagBytes, _ := os.ReadFile(filepath.Join(c.cacheDir, key+".etag"))
	return data, strings.TrimSpace(string(etagBytes)), true
}

func cacheKey(name string) string {
	h := sha256.Sum256([]byte(name))
	return hex.EncodeToString(h[:])
}

func encodePackageName(name string) string {
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			return url.PathEscape(parts[0]) + "%2F" + url.PathEscape(parts[1])
		}
	}
	return url.PathEscape(name)
}

func matchesIntegrity(content []byte, sri string) bool {
	// SRI format: "<algo>-<base64>"; this core only ever produces/consumes
	// sha256, per the data model (§3: "H = sha256(tarball_bytes)").
	h := sha256.Sum256(content)
	expected := "sha256-" + base64.StdEncoding.EncodeToString(h[:])
	return strings.EqualFold(sri, expected) || strings.Contains(strings.ToLower(sri), hex.EncodeToString(h[:]))
}

func decodePackument(name string, body []byte) (*types.Packument, error) {
	var raw struct {
		Name     string                     `json:"name"`
		DistTags map[string]string          `json:"dist-tags"`
		Versions map[string]json.RawMessage `json:"versions"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	pkt := &types.Packument{
		Name:     name,
		DistTags: raw.DistTags,
		Versions: make(map[string]*types.PackageVersion, len(raw.Versions)),
	}
	for version, rawVer := range raw.Versions {
		pv, err := decodeVersionRecord(version, rawVer)
		if err != nil {
			continue // tolerate one malformed version record rather than failing the whole packument
		}
		pkt.Versions[version] = pv
	}
	return pkt, nil
}

func decodeVersionRecord(version string, raw json.RawMessage) (*types.PackageVersion, error) {
	var v struct {
		Dependencies         map[string]string          `json:"dependencies"`
		PeerDependencies     map[string]string          `json:"peerDependencies"`
		PeerDependenciesMeta map[string]types.PeerMeta  `json:"peerDependenciesMeta"`
		OptionalDependencies map[string]string          `json:"optionalDependencies"`
		Bin                  map[string]string          `json:"bin"`
		Dist                 struct {
			Tarball   string `json:"tarball"`
			Integrity string `json:"integrity"`
			Shasum    string `json:"shasum"`
		} `json:"dist"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &types.PackageVersion{
		Version:              version,
		Dependencies:         v.Dependencies,
		PeerDependencies:     v.PeerDependencies,
		PeerDependenciesMeta: v.PeerDependenciesMeta,
		OptionalDependencies: v.OptionalDependencies,
		TarballURL:           v.Dist.Tarball,
		Integrity:            v.Dist.Integrity,
		Shasum:               v.Dist.Shasum,
		Bin:                  v.Bin,
	}, nil
}

// ResolveDistTag resolves a root requirement range through the packument's
// dist-tags map (e.g. "latest") before falling back to range matching, per
// the supplemented feature in SPEC_FULL.md §5.
func ResolveDistTag(pkt *types.Packument, rng string) (string, bool) {
	v, ok := pkt.DistTags[rng]
	return v, ok
}
