// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentlist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/quid/internal/backend"
	"github.com/autobrr/quid/internal/metrics"
	"github.com/autobrr/quid/internal/models"
)

const crossInstanceFetchConcurrency = 4

// Registry owns all active list sessions, one per identity tuple. Acquiring a
// tuple that is already active returns the existing session; a tuple change is
// an acquire of the new tuple plus a release of the old one.
type Registry struct {
	client            *backend.Client
	cache             *ttlcache.Cache[string, *models.PageSnapshot]
	crossCache        *ttlcache.Cache[string, *CrossInstanceResult]
	collector         *metrics.Collector
	pollInterval      time.Duration
	crossPollInterval time.Duration

	streamMaxRetries int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(client *backend.Client, collector *metrics.Collector, pollInterval, crossPollInterval time.Duration) *Registry {
	if crossPollInterval <= 0 {
		crossPollInterval = 10 * time.Second
	}
	return &Registry{
		client: client,
		// Snapshot cache is shared across sessions; entries are last-write-wins
		// per request key and expire quickly since torrent data churns.
		cache: ttlcache.New(ttlcache.Options[string, *models.PageSnapshot]{}.SetDefaultTTL(30 * time.Second)),
		// Cross-instance fan-outs are expensive; results are served from cache
		// for one cross-instance poll interval before hitting the backend again.
		crossCache:        ttlcache.New(ttlcache.Options[string, *CrossInstanceResult]{}.SetDefaultTTL(crossPollInterval)),
		collector:         collector,
		pollInterval:      pollInterval,
		crossPollInterval: crossPollInterval,
		sessions:          make(map[string]*Session),
	}
}

// SetStreamMaxRetries sets the reconnect budget for sessions created after
// the call.
func (r *Registry) SetStreamMaxRetries(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamMaxRetries = n
}

// UpdatePollInterval applies a new polling cadence to running sessions and to
// sessions created afterwards. Used by config hot-reload.
func (r *Registry) UpdatePollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	r.mu.Lock()
	r.pollInterval = interval
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.SetPollInterval(interval)
	}

	log.Debug().Dur("interval", interval).Msg("Updated session poll interval")
}

// Acquire returns the session for the request's identity tuple, creating and
// starting one if needed.
func (r *Registry) Acquire(req backend.TorrentListRequest) *Session {
	key := req.TupleKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	if session, exists := r.sessions[key]; exists {
		return session
	}

	session := NewSession(SessionOptions{
		Client:           r.client,
		Request:          req,
		PollInterval:     r.pollInterval,
		Cache:            r.cache,
		Metrics:          r.collector,
		StreamMaxRetries: r.streamMaxRetries,
	})
	r.sessions[key] = session
	r.collector.SessionOpened()

	log.Debug().
		Int("instanceID", req.InstanceID).
		Str("tuple", key).
		Msg("Created list session")

	return session
}

// Get returns an active session by tuple key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, exists := r.sessions[key]
	return session, exists
}

// Keys returns the tuple keys of all active sessions.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Release stops and removes the session for a tuple key.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	session, exists := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if !exists {
		return
	}

	session.Stop()
	r.collector.SessionClosed()

	log.Debug().Str("tuple", key).Msg("Released list session")
}

// Close stops every session and the shared snapshot cache.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for key, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
		r.collector.SessionClosed()
	}

	r.cache.Close()
	r.crossCache.Close()

	log.Info().Msg("Session registry closed")
}

// CrossInstanceResult aggregates one fan-out fetch over several instances.
type CrossInstanceResult struct {
	Torrents       []models.TorrentRecord `json:"torrents"`
	Total          int                    `json:"total"`
	PartialResults bool                   `json:"partialResults"`
	FailedCount    int                    `json:"failedCount"`
}

// FetchAcrossInstances fetches the same page from multiple instances
// concurrently and concatenates the results. Individual instance failures
// produce a partial result rather than an error; records are annotated with
// their source instance.
func (r *Registry) FetchAcrossInstances(ctx context.Context, instanceIDs []int, req backend.TorrentListRequest) (*CrossInstanceResult, error) {
	cacheKey := crossInstanceCacheKey(instanceIDs, req)
	if cached, found := r.crossCache.Get(cacheKey); found {
		return cached, nil
	}

	type instancePage struct {
		instanceID int
		snapshot   *models.PageSnapshot
	}

	results := make([]*instancePage, len(instanceIDs))
	var failed int
	var failedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(crossInstanceFetchConcurrency)

	for i, instanceID := range instanceIDs {
		g.Go(func() error {
			instanceReq := req
			instanceReq.InstanceID = instanceID

			snapshot, err := r.client.GetTorrents(gctx, instanceReq)
			if err != nil {
				log.Warn().Err(err).
					Int("instanceID", instanceID).
					Msg("Instance failed during cross-instance fetch")
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return nil
			}

			results[i] = &instancePage{instanceID: instanceID, snapshot: snapshot}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failed == len(instanceIDs) && len(instanceIDs) > 0 {
		return nil, backend.ErrBackendUnavailable
	}

	merged := &CrossInstanceResult{
		PartialResults: failed > 0,
		FailedCount:    failed,
	}

	for _, page := range results {
		if page == nil {
			continue
		}
		merged.Total += page.snapshot.Total
		for _, record := range page.snapshot.Torrents {
			annotated := make(models.TorrentRecord, len(record)+1)
			for k, v := range record {
				annotated[k] = v
			}
			annotated["instance_id"] = page.instanceID
			merged.Torrents = append(merged.Torrents, annotated)
		}
	}

	r.crossCache.Set(cacheKey, merged, ttlcache.DefaultTTL)

	return merged, nil
}

func crossInstanceCacheKey(instanceIDs []int, req backend.TorrentListRequest) string {
	var b strings.Builder
	for _, id := range instanceIDs {
		fmt.Fprintf(&b, "%d,", id)
	}
	b.WriteString(req.CacheKey())
	return b.String()
}
