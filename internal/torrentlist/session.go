// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentlist

import (
	"context"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/backend"
	"github.com/autobrr/quid/internal/metrics"
	"github.com/autobrr/quid/internal/models"
)

// loadMoreThrottle guards against rapid-fire scroll events advancing more than
// one page per window.
const loadMoreThrottle = 500 * time.Millisecond

// SessionOptions configure one list session.
type SessionOptions struct {
	Client       *backend.Client
	Request      backend.TorrentListRequest
	PollInterval time.Duration
	Cache        *ttlcache.Cache[string, *models.PageSnapshot]
	Metrics      *metrics.Collector

	// DisableStream forces polling-only mode regardless of backend capability.
	DisableStream bool

	// StreamMaxRetries overrides the stream reconnect budget when positive.
	StreamMaxRetries int
}

// View is the render-facing snapshot of a session.
type View struct {
	Torrents      []models.TorrentRecord `json:"torrents"`
	TotalCount    int                    `json:"totalCount"`
	Stats         *models.TorrentStats   `json:"stats,omitempty"`
	CacheMetadata *models.CacheMetadata  `json:"cacheMetadata,omitempty"`

	IsLoading     bool `json:"isLoading"`
	IsFetching    bool `json:"isFetching"`
	IsLoadingMore bool `json:"isLoadingMore"`
	HasLoadedAll  bool `json:"hasLoadedAll"`

	IsStreaming     bool                 `json:"isStreaming"`
	StreamConnected bool                 `json:"streamConnected"`
	StreamError     bool                 `json:"streamError"`
	Stream          backend.StreamStatus `json:"stream"`
}

// Session owns the accumulated torrent list for one identity tuple
// (instance, filters, search, sort, order). It is created when the tuple
// becomes active and stopped on tuple change; the accumulated list is never
// torn down mid-session.
type Session struct {
	opts     SessionOptions
	pageSize int

	stream *backend.StreamClient

	mu            sync.RWMutex
	torrents      []models.TorrentRecord
	totalCount    int
	stats         *models.TorrentStats
	cacheMetadata *models.CacheMetadata

	isLoading     bool
	isFetching    bool
	isLoadingMore bool
	hasLoadedAll  bool

	currentPage    int
	lastLoadMoreAt time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	stopped      bool
	pollInterval chan time.Duration
}

// NewSession creates a session and starts its transports. The first page-0
// fetch seeds the list; after that the stream (when available) keeps the head
// fresh and a poll ticker covers the gaps.
func NewSession(opts SessionOptions) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Request.Limit <= 0 {
		opts.Request.Limit = 300
	}

	s := &Session{
		opts: opts,
		// Page size is fixed for the session's lifetime; updates carrying a
		// different size would misalign the splice math.
		pageSize:  opts.Request.Limit,
		isLoading: true,
	}

	if !opts.DisableStream && opts.Client.SupportsStreaming() {
		s.stream = backend.NewStreamClient(opts.Client, opts.Request, s.applyStreamPayload)
		s.stream.SetMaxRetries(opts.StreamMaxRetries)
		s.stream.OnReconnect = opts.Metrics.StreamReconnect
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.pollInterval = make(chan time.Duration, 1)

	go s.run(ctx)

	return s
}

// Stop tears the session down: the stream connection, any reconnect timers,
// and the poll loop. In-flight fetch results for this session are discarded.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	if s.stream != nil {
		s.stream.Stop()
	}
	<-s.done
}

// View returns a copy-on-read snapshot of the session's current state.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	torrents := make([]models.TorrentRecord, len(s.torrents))
	copy(torrents, s.torrents)

	view := View{
		Torrents:      torrents,
		TotalCount:    s.totalCount,
		Stats:         s.stats,
		CacheMetadata: s.cacheMetadata,
		IsLoading:     s.isLoading,
		IsFetching:    s.isFetching,
		IsLoadingMore: s.isLoadingMore,
		HasLoadedAll:  s.hasLoadedAll,
	}

	if s.stream != nil {
		status := s.stream.Status()
		view.IsStreaming = true
		view.StreamConnected = status.Connected
		view.StreamError = status.Error
		view.Stream = status
	} else {
		view.Stream = backend.StreamStatus{State: backend.StateDisabled}
	}

	return view
}

// Request returns the identity tuple this session serves.
func (s *Session) Request() backend.TorrentListRequest {
	return s.opts.Request
}

// LoadMore requests the next page. It is a no-op when everything is loaded,
// a fetch is already in flight, or the previous accepted call was less than
// 500ms ago. Returns true if the call advanced the page counter. The fetch is
// tied to the session lifetime, not the caller.
func (s *Session) LoadMore() bool {
	s.mu.Lock()

	if s.stopped || s.hasLoadedAll || s.isLoadingMore || s.isFetching {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	if now.Sub(s.lastLoadMoreAt) < loadMoreThrottle {
		s.mu.Unlock()
		return false
	}

	s.lastLoadMoreAt = now
	s.isLoadingMore = true
	s.currentPage++
	page := s.currentPage
	s.mu.Unlock()

	go s.fetchPage(s.ctx, page)

	return true
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	if s.stream != nil {
		s.stream.Start()
	}

	// Seed fetch. A cached snapshot for this request key is applied first so
	// the view is populated while the network fetch is in flight.
	if cached := s.cachedSnapshot(0); cached != nil {
		s.applySnapshot(cached, 0)
	}
	s.pollOnce(ctx)

	s.mu.Lock()
	s.isLoading = false
	s.mu.Unlock()

	// The first tick lands one poll interval after session creation, which
	// doubles as the grace window for the stream to establish before any
	// fallback HTTP traffic.
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case interval := <-s.pollInterval:
			ticker.Reset(interval)
		case <-ticker.C:
			if s.shouldDisablePolling() {
				continue
			}
			s.pollOnce(ctx)
		}
	}
}

// SetPollInterval adjusts the polling cadence of a running session. Used by
// config hot-reload; sessions are not restarted.
func (s *Session) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	// Replace any pending update rather than queueing behind it.
	select {
	case <-s.pollInterval:
	default:
	}
	select {
	case s.pollInterval <- interval:
	default:
	}
}

// shouldDisablePolling mirrors the stream/poll contract: polling stays off
// only while the stream is connected and error-free.
func (s *Session) shouldDisablePolling() bool {
	if s.stream == nil {
		return false
	}
	status := s.stream.Status()
	return status.Connected && !status.Error
}

func (s *Session) pollOnce(ctx context.Context) {
	s.mu.Lock()
	if s.isFetching {
		s.mu.Unlock()
		return
	}
	s.isFetching = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isFetching = false
		s.mu.Unlock()
	}()

	req := s.opts.Request
	req.Page = 0

	snapshot, err := s.opts.Client.GetTorrents(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).
				Int("instanceID", req.InstanceID).
				Msg("Poll fetch failed, keeping previous data")
		}
		// Stale-while-revalidate: a failed fetch never clears the list.
		return
	}

	s.opts.Metrics.PollFetch()
	s.storeSnapshot(req, snapshot)
	s.applySnapshot(snapshot, 0)
}

func (s *Session) fetchPage(ctx context.Context, page int) {
	defer func() {
		s.mu.Lock()
		s.isLoadingMore = false
		s.mu.Unlock()
	}()

	req := s.opts.Request
	req.Page = page

	snapshot, err := s.opts.Client.GetTorrents(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).
				Int("instanceID", req.InstanceID).
				Int("page", page).
				Msg("Failed to fetch page, rewinding page counter")
		}
		s.mu.Lock()
		if s.currentPage == page {
			s.currentPage--
		}
		s.mu.Unlock()
		return
	}

	s.storeSnapshot(req, snapshot)
	s.applySnapshot(snapshot, page)
}

// applyStreamPayload handles one incremental stream snapshot. Updates are
// applied in arrival order; each is a full replacement of its page's address
// range, so no ordering token is needed.
func (s *Session) applyStreamPayload(payload backend.StreamPayload) {
	s.opts.Metrics.StreamPayload()
	s.applySnapshot(&payload.Data, payload.Meta.Page)
}

func (s *Session) applySnapshot(snapshot *models.PageSnapshot, page int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if page <= 0 {
		s.torrents = ReconcilePage(s.torrents, snapshot, page, s.pageSize)
	} else {
		s.torrents = AppendPage(s.torrents, snapshot)
	}
	s.opts.Metrics.Reconcile()

	if snapshot.TotalKnown {
		s.totalCount = snapshot.Total
	}
	if snapshot.Stats != nil {
		s.stats = snapshot.Stats
	}
	if snapshot.CacheMetadata != nil {
		s.cacheMetadata = snapshot.CacheMetadata
	}

	// hasLoadedAll follows the authoritative hasMore of whichever page this
	// update is for.
	s.hasLoadedAll = !snapshot.HasMore
}

func (s *Session) cachedSnapshot(page int) *models.PageSnapshot {
	if s.opts.Cache == nil {
		return nil
	}
	req := s.opts.Request
	req.Page = page
	if snapshot, found := s.opts.Cache.Get(req.CacheKey()); found {
		return snapshot
	}
	return nil
}

func (s *Session) storeSnapshot(req backend.TorrentListRequest, snapshot *models.PageSnapshot) {
	if s.opts.Cache == nil {
		return
	}
	s.opts.Cache.Set(req.CacheKey(), snapshot, ttlcache.DefaultTTL)
}
