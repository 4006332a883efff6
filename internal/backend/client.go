// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package backend talks to a qui-style torrent manager backend: a paginated
// snapshot endpoint plus a per-tuple SSE stream for page 0.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrRequestRejected    = errors.New("backend rejected request")
)

// Streaming requires a backend new enough to expose the SSE endpoint.
var streamMinVersion = semver.MustParse("1.5.0")

const (
	defaultTimeout  = 30 * time.Second
	fetchAttempts   = 3
	fetchRetryDelay = 500 * time.Millisecond
)

// TorrentListRequest identifies one page fetch. Everything except Page is part
// of the identity tuple that scopes a list session.
type TorrentListRequest struct {
	InstanceID int
	Page       int
	Limit      int
	Sort       string
	Order      string
	Search     string
	Filters    models.FilterOptions
}

// TupleKey returns a stable key for the identity tuple (instance, filters,
// search, sort, order) — page excluded.
func (r TorrentListRequest) TupleKey() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s", r.InstanceID, r.Sort, r.Order, r.Search, encodeFilters(r.Filters))
}

// CacheKey returns a compact request key including the page, for the snapshot cache.
func (r TorrentListRequest) CacheKey() string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d|%d", r.TupleKey(), r.Page, r.Limit)
	return strconv.FormatUint(h.Sum64(), 16)
}

func encodeFilters(f models.FilterOptions) string {
	if f.IsEmpty() {
		return ""
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Client is an HTTP client for the backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client

	supportsStreaming bool
	backendVersion    string
}

func NewClient(baseURL, apiKey, userAgent string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Probe queries the backend version and records whether it supports streaming.
// A failed probe leaves streaming disabled; sessions then run on polling only.
func (c *Client) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/version", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrBackendUnavailable, "version probe returned %d", resp.StatusCode)
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode version response: %w", err)
	}

	c.backendVersion = payload.Version

	v, err := semver.NewVersion(strings.TrimPrefix(payload.Version, "v"))
	if err != nil {
		// Dev builds report non-semver versions; assume they are current.
		c.supportsStreaming = true
		log.Debug().Str("version", payload.Version).Msg("Backend version is not semver, assuming stream support")
		return nil
	}

	c.supportsStreaming = !v.LessThan(streamMinVersion)

	log.Debug().
		Str("version", payload.Version).
		Bool("supportsStreaming", c.supportsStreaming).
		Msg("Probed backend capabilities")

	return nil
}

// SupportsStreaming reports whether the backend exposes the SSE endpoint.
func (c *Client) SupportsStreaming() bool {
	return c.supportsStreaming
}

// BackendVersion returns the version string reported by the last probe.
func (c *Client) BackendVersion() string {
	return c.backendVersion
}

// GetTorrents fetches one page snapshot. Transient failures (network errors,
// 5xx) are retried a bounded number of times with backoff; 4xx responses fail
// immediately.
func (c *Client) GetTorrents(ctx context.Context, listReq TorrentListRequest) (*models.PageSnapshot, error) {
	var snapshot *models.PageSnapshot

	err := retry.Do(
		func() error {
			var err error
			snapshot, err = c.getTorrentsOnce(ctx, listReq)
			return err
		},
		retry.Attempts(fetchAttempts),
		retry.Delay(fetchRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrRequestRejected) && ctx.Err() == nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (c *Client) getTorrentsOnce(ctx context.Context, listReq TorrentListRequest) (*models.PageSnapshot, error) {
	q := url.Values{}
	q.Set("instanceId", strconv.Itoa(listReq.InstanceID))
	q.Set("page", strconv.Itoa(listReq.Page))
	q.Set("limit", strconv.Itoa(listReq.Limit))
	if listReq.Sort != "" {
		q.Set("sort", listReq.Sort)
	}
	if listReq.Order != "" {
		q.Set("order", listReq.Order)
	}
	if listReq.Search != "" {
		q.Set("search", listReq.Search)
	}
	if encoded := encodeFilters(listReq.Filters); encoded != "" {
		q.Set("filters", encoded)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/torrents?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Wrapf(ErrBackendUnavailable, "torrents request returned %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Wrapf(ErrRequestRejected, "torrents request returned %d", resp.StatusCode)
	}

	var snapshot models.PageSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode torrents response: %w", err)
	}

	log.Trace().
		Int("instanceID", listReq.InstanceID).
		Int("page", listReq.Page).
		Int("count", len(snapshot.Torrents)).
		Int("total", snapshot.Total).
		Bool("hasMore", snapshot.HasMore).
		Msg("Fetched torrent page snapshot")

	return &snapshot, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	return req, nil
}
