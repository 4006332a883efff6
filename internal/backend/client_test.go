// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/quid/internal/models"
)

func TestProbeDeterminesStreamSupport(t *testing.T) {
	tests := []struct {
		name            string
		version         string
		expectStreaming bool
	}{
		{name: "new_enough", version: "1.6.0", expectStreaming: true},
		{name: "exact_minimum", version: "1.5.0", expectStreaming: true},
		{name: "too_old", version: "1.4.2", expectStreaming: false},
		{name: "v_prefixed", version: "v1.7.1", expectStreaming: true},
		{name: "dev_build_assumed_current", version: "dev-abc123", expectStreaming: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/version", r.URL.Path)
				require.Equal(t, "test-key", r.Header.Get("X-API-Key"))
				json.NewEncoder(w).Encode(map[string]string{"version": tt.version})
			}))
			defer server.Close()

			client := NewClient(server.URL, "test-key", "quid-test")
			require.NoError(t, client.Probe(context.Background()))

			assert.Equal(t, tt.expectStreaming, client.SupportsStreaming())
			assert.Equal(t, tt.version, client.BackendVersion())
		})
	}
}

func TestGetTorrentsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"torrents": []models.TorrentRecord{{"hash": "abc"}},
			"total":    1,
			"hasMore":  false,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "quid-test")
	snapshot, err := client.GetTorrents(context.Background(), TorrentListRequest{InstanceID: 1, Limit: 300})

	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, snapshot.Torrents, 1)
	assert.Equal(t, "abc", snapshot.Torrents[0].Hash())
	assert.True(t, snapshot.TotalKnown)
}

func TestGetTorrentsDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "quid-test")
	_, err := client.GetTorrents(context.Background(), TorrentListRequest{InstanceID: 1, Limit: 300})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestRejected))
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetTorrentsBuildsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "7", q.Get("instanceId"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "300", q.Get("limit"))
		assert.Equal(t, "added_on", q.Get("sort"))
		assert.Equal(t, "desc", q.Get("order"))
		assert.Equal(t, "ubuntu iso", q.Get("search"))

		var filters models.FilterOptions
		require.NoError(t, json.Unmarshal([]byte(q.Get("filters")), &filters))
		assert.Equal(t, []string{"downloading"}, filters.Status)

		json.NewEncoder(w).Encode(map[string]any{"torrents": []models.TorrentRecord{}, "total": 0})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "quid-test")
	_, err := client.GetTorrents(context.Background(), TorrentListRequest{
		InstanceID: 7,
		Page:       2,
		Limit:      300,
		Sort:       "added_on",
		Order:      "desc",
		Search:     "ubuntu iso",
		Filters:    models.FilterOptions{Status: []string{"downloading"}},
	})
	require.NoError(t, err)
}

func TestTupleKeyExcludesPage(t *testing.T) {
	a := TorrentListRequest{InstanceID: 1, Page: 0, Limit: 300, Sort: "name"}
	b := TorrentListRequest{InstanceID: 1, Page: 5, Limit: 300, Sort: "name"}

	assert.Equal(t, a.TupleKey(), b.TupleKey())
	assert.NotEqual(t, a.CacheKey(), b.CacheKey())
}

func TestTupleKeyVariesWithIdentity(t *testing.T) {
	base := TorrentListRequest{InstanceID: 1, Limit: 300, Sort: "name", Order: "asc"}

	changedSearch := base
	changedSearch.Search = "linux"

	changedInstance := base
	changedInstance.InstanceID = 2

	changedFilters := base
	changedFilters.Filters = models.FilterOptions{Categories: []string{"movies"}}

	assert.NotEqual(t, base.TupleKey(), changedSearch.TupleKey())
	assert.NotEqual(t, base.TupleKey(), changedInstance.TupleKey())
	assert.NotEqual(t, base.TupleKey(), changedFilters.TupleKey())
}
