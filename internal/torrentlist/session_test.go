// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/quid/internal/backend"
	"github.com/autobrr/quid/internal/models"
)

// backendStub serves page snapshots the way the real backend does and counts
// fetches per page.
type backendStub struct {
	server     *httptest.Server
	pageSize   int
	totalCount int
	fetches    atomic.Int64
}

func newBackendStub(t *testing.T, totalCount, pageSize int) *backendStub {
	t.Helper()

	stub := &backendStub{
		pageSize:   pageSize,
		totalCount: totalCount,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/torrents", func(w http.ResponseWriter, r *http.Request) {
		stub.fetches.Add(1)

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = stub.pageSize
		}

		start := page * limit
		end := min(start+limit, stub.totalCount)

		var torrents []models.TorrentRecord
		for i := start; i < end; i++ {
			torrents = append(torrents, models.TorrentRecord{
				"hash": "hash-" + strconv.Itoa(i),
				"name": "torrent " + strconv.Itoa(i),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"torrents": torrents,
			"total":    stub.totalCount,
			"hasMore":  end < stub.totalCount,
		})
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)

	return stub
}

func newTestSession(t *testing.T, stub *backendStub, pollInterval time.Duration) *Session {
	t.Helper()

	client := backend.NewClient(stub.server.URL, "test-key", "quid-test")
	session := NewSession(SessionOptions{
		Client:        client,
		Request:       backend.TorrentListRequest{InstanceID: 1, Limit: stub.pageSize},
		PollInterval:  pollInterval,
		DisableStream: true,
	})
	t.Cleanup(session.Stop)

	return session
}

func waitForSeed(t *testing.T, session *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		view := session.View()
		return !view.IsLoading && !view.IsFetching
	}, 5*time.Second, 10*time.Millisecond, "session never finished its seed fetch")
}

func TestSessionSeedsFirstPage(t *testing.T) {
	stub := newBackendStub(t, 900, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)

	view := session.View()
	assert.Len(t, view.Torrents, 300)
	assert.Equal(t, 900, view.TotalCount)
	assert.False(t, view.HasLoadedAll)
}

func TestLoadMoreThrottlesRapidCalls(t *testing.T) {
	stub := newBackendStub(t, 900, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)

	// Two calls inside the throttle window advance exactly one page.
	first := session.LoadMore()
	second := session.LoadMore()

	assert.True(t, first)
	assert.False(t, second)

	require.Eventually(t, func() bool {
		return len(session.View().Torrents) == 600
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadMoreIsNoopWhenFullyLoaded(t *testing.T) {
	stub := newBackendStub(t, 200, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)

	view := session.View()
	assert.True(t, view.HasLoadedAll)
	assert.False(t, session.LoadMore())
}

func TestLoadMoreSequenceAccumulatesAllPages(t *testing.T) {
	stub := newBackendStub(t, 900, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)

	for range 2 {
		require.Eventually(t, func() bool {
			return session.LoadMore()
		}, 5*time.Second, 50*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		view := session.View()
		return len(view.Torrents) == 900 && view.HasLoadedAll
	}, 5*time.Second, 10*time.Millisecond)

	// No duplicates across page boundaries.
	view := session.View()
	seen := make(map[string]struct{}, len(view.Torrents))
	for _, record := range view.Torrents {
		_, dup := seen[record.Hash()]
		require.False(t, dup, "duplicate hash %s", record.Hash())
		seen[record.Hash()] = struct{}{}
	}
}

func TestPollingRefreshesHead(t *testing.T) {
	stub := newBackendStub(t, 300, 300)
	session := newTestSession(t, stub, 50*time.Millisecond)

	waitForSeed(t, session)
	initial := stub.fetches.Load()

	// Without a stream, the poll ticker keeps fetching page 0.
	require.Eventually(t, func() bool {
		return stub.fetches.Load() > initial+1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShouldDisablePollingWithoutStream(t *testing.T) {
	stub := newBackendStub(t, 300, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)

	assert.False(t, session.shouldDisablePolling())

	view := session.View()
	assert.False(t, view.IsStreaming)
	assert.Equal(t, backend.StateDisabled, view.Stream.State)
}

func TestSetPollIntervalTakesEffectWithoutRestart(t *testing.T) {
	stub := newBackendStub(t, 300, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)
	initial := stub.fetches.Load()

	session.SetPollInterval(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		return stub.fetches.Load() > initial
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLiveStreamSuppressesPollingAndUpdatesList(t *testing.T) {
	var fetches atomic.Int64

	frame, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"torrents": []models.TorrentRecord{{"hash": "stream-0001", "name": "streamed torrent"}},
			"total":    1,
			"hasMore":  false,
		},
		"meta": map[string]any{"page": 0},
	})
	require.NoError(t, err)

	hold := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"version": "1.6.0"})
	})
	mux.HandleFunc("/api/torrents", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"torrents": makeRecords("poll", 3),
			"total":    3,
			"hasMore":  false,
		})
	})
	mux.HandleFunc("/api/torrents/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		// Repeat the frame so the stream update lands regardless of how it
		// interleaves with the seed fetch.
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			w.(http.Flusher).Flush()
			select {
			case <-hold:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		close(hold)
		server.Close()
	})

	client := backend.NewClient(server.URL, "test-key", "quid-test")
	require.NoError(t, client.Probe(context.Background()))
	require.True(t, client.SupportsStreaming())

	session := NewSession(SessionOptions{
		Client:       client,
		Request:      backend.TorrentListRequest{InstanceID: 1, Limit: 300},
		PollInterval: 50 * time.Millisecond,
	})
	t.Cleanup(session.Stop)

	// The stream payload must reconcile into the accumulated list.
	require.Eventually(t, func() bool {
		view := session.View()
		return view.StreamConnected &&
			len(view.Torrents) == 1 &&
			view.Torrents[0].Hash() == "stream-0001"
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, session.shouldDisablePolling())

	view := session.View()
	assert.True(t, view.IsStreaming)
	assert.False(t, view.StreamError)
	assert.Equal(t, 1, view.TotalCount)

	// With the stream live and healthy, the poll ticker must go quiet:
	// eventually a window spanning several poll intervals sees no fetches.
	require.Eventually(t, func() bool {
		before := fetches.Load()
		time.Sleep(250 * time.Millisecond)
		return fetches.Load() == before && session.View().StreamConnected
	}, 10*time.Second, 10*time.Millisecond)
}

func TestStopDiscardsLateResults(t *testing.T) {
	stub := newBackendStub(t, 900, 300)
	session := newTestSession(t, stub, time.Hour)

	waitForSeed(t, session)
	session.Stop()

	// Applying after stop must not mutate the view.
	before := len(session.View().Torrents)
	session.applySnapshot(snapshotOf(makeRecords("late", 300), 900), 1)
	assert.Len(t, session.View().Torrents, before)

	assert.False(t, session.LoadMore())
}
