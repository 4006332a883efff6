// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filtersort

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/quid/internal/models"
)

func record(fields map[string]any) models.TorrentRecord {
	return models.TorrentRecord(fields)
}

func TestFilterTorrentsSearchSemantics(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "h1", "name": "Ubuntu 24.04 ISO", "category": "linux", "tags": []any{"seeding", "other"}, "state": "uploading"}),
		record(map[string]any{"hash": "h2", "name": "Debian netinst", "category": "linux", "tags": []any{"archive"}, "state": "pausedUP"}),
		record(map[string]any{"hash": "h3", "name": "Some.Show.S01E01.1080p", "category": "tv", "tags": "watched, keep", "state": "downloading"}),
	}

	tests := []struct {
		name     string
		search   string
		expected []string
	}{
		{name: "substring_on_joined_tags", search: "seed", expected: []string{"h1"}},
		{name: "no_match", search: "zzz", expected: []string{}},
		{name: "case_insensitive_name", search: "ubuntu", expected: []string{"h1"}},
		{name: "category_exact", search: "linux", expected: []string{"h1", "h2"}},
		{name: "hash_match", search: "h3", expected: []string{"h3"}},
		{name: "multi_term_all_substrings", search: "ubuntu iso", expected: []string{"h1"}},
		{name: "normalized_separators", search: "some show", expected: []string{"h3"}},
		{name: "tag_element_exact", search: "archive", expected: []string{"h2"}},
		{name: "empty_search_matches_all", search: "", expected: []string{"h1", "h2", "h3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := FilterTorrents(torrents, tt.search)
			got := make([]string, 0, len(filtered))
			for _, r := range filtered {
				got = append(got, r.Hash())
			}
			assert.ElementsMatch(t, tt.expected, got)
		})
	}
}

func TestSortTorrentsMultiKey(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "category": "linux", "size": float64(300)}),
		record(map[string]any{"hash": "b", "category": "TV", "size": float64(100)}),
		record(map[string]any{"hash": "c", "category": "linux", "size": float64(100)}),
		record(map[string]any{"hash": "d", "category": "tv", "size": float64(200)}),
	}

	sorted := SortTorrents(torrents, []models.SortKey{
		{ID: "category"},
		{ID: "size", Desc: true},
	})

	got := make([]string, len(sorted))
	for i, r := range sorted {
		got[i] = r.Hash()
	}

	// Categories case-insensitively ascending, size descending within ties.
	assert.Equal(t, []string{"a", "c", "d", "b"}, got)
}

func TestSortTorrentsNilsSortLast(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a"}),
		record(map[string]any{"hash": "b", "ratio": float64(2.5)}),
		record(map[string]any{"hash": "c", "ratio": float64(0.5)}),
	}

	asc := SortTorrents(torrents, []models.SortKey{{ID: "ratio"}})
	assert.Equal(t, "a", asc[len(asc)-1].Hash(), "missing value must sort last ascending")

	desc := SortTorrents(torrents, []models.SortKey{{ID: "ratio", Desc: true}})
	assert.Equal(t, "a", desc[len(desc)-1].Hash(), "missing value must sort last descending")
	assert.Equal(t, "b", desc[0].Hash())
}

func TestSortTorrentsMixedTypesFallBackToStrings(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "priority": "10"}),
		record(map[string]any{"hash": "b", "priority": float64(2)}),
	}

	sorted := SortTorrents(torrents, []models.SortKey{{ID: "priority"}})

	// "10" < "2" as strings.
	assert.Equal(t, "a", sorted[0].Hash())
}

func TestSortTorrentsIsStable(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "first", "category": "same"}),
		record(map[string]any{"hash": "second", "category": "same"}),
		record(map[string]any{"hash": "third", "category": "same"}),
	}

	sorted := SortTorrents(torrents, []models.SortKey{{ID: "category"}})

	assert.Equal(t, "first", sorted[0].Hash())
	assert.Equal(t, "second", sorted[1].Hash())
	assert.Equal(t, "third", sorted[2].Hash())
}

func TestApplyFiltersByExpression(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "progress": float64(1.0)}),
		record(map[string]any{"hash": "b", "progress": float64(0.4)}),
	}

	filtered := Apply(torrents, "", nil, `progress == 1.0`)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].Hash())

	// An expression that fails to compile filters nothing.
	unfiltered := Apply(torrents, "", nil, `progress ==`)
	assert.Len(t, unfiltered, 2)
}

func TestWorkerProcessesJob(t *testing.T) {
	worker := NewWorker()
	defer worker.Close()

	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "name": "ubuntu iso"}),
		record(map[string]any{"hash": "b", "name": "debian iso"}),
	}

	worker.Submit(Request{Seq: 1, Torrents: torrents, Search: "ubuntu"})

	select {
	case resp := <-worker.Responses():
		assert.EqualValues(t, 1, resp.Seq)
		require.Len(t, resp.Filtered, 1)
		assert.Equal(t, "a", resp.Filtered[0].Hash())
	case <-time.After(5 * time.Second):
		t.Fatal("no response from worker")
	}
}

func TestWorkerHandlesLargeListInBatches(t *testing.T) {
	worker := NewWorker()
	defer worker.Close()

	torrents := make([]models.TorrentRecord, 0, largeListThreshold+100)
	for i := range largeListThreshold + 100 {
		torrents = append(torrents, record(map[string]any{
			"hash": fmt.Sprintf("hash-%05d", i),
			"name": fmt.Sprintf("torrent %d", i),
		}))
	}
	torrents[42]["name"] = "the needle"

	worker.Submit(Request{Seq: 7, Torrents: torrents, Search: "needle"})

	select {
	case resp := <-worker.Responses():
		assert.EqualValues(t, 7, resp.Seq)
		require.Len(t, resp.Filtered, 1)
		assert.Equal(t, "hash-00042", resp.Filtered[0].Hash())
	case <-time.After(10 * time.Second):
		t.Fatal("no response from worker")
	}
}

func TestWorkerNewerJobSupersedesQueued(t *testing.T) {
	worker := NewWorker()
	defer worker.Close()

	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "name": "alpha"}),
		record(map[string]any{"hash": "b", "name": "beta"}),
	}

	// Queue several jobs back to back; the worker may skip straight to the
	// newest. Whatever responses arrive, the final one must be the newest seq.
	for seq := uint64(1); seq <= 5; seq++ {
		search := "alpha"
		if seq == 5 {
			search = "beta"
		}
		worker.Submit(Request{Seq: seq, Torrents: torrents, Search: search})
	}

	deadline := time.After(5 * time.Second)
	var last Response
	for {
		select {
		case resp := <-worker.Responses():
			last = resp
			if resp.Seq == 5 {
				require.Len(t, resp.Filtered, 1)
				assert.Equal(t, "b", resp.Filtered[0].Hash())
				return
			}
		case <-deadline:
			t.Fatalf("never saw newest job complete, last seq %d", last.Seq)
		}
	}
}

func TestFallbackReturnsUnfilteredWhenRerunPanicsToo(t *testing.T) {
	worker := NewWorker()
	t.Cleanup(worker.Close)

	// An input-dependent panic repeats on the synchronous rerun; the worker
	// must survive and hand back the raw list instead of dying.
	worker.apply = func([]models.TorrentRecord, string, []models.SortKey, string) []models.TorrentRecord {
		panic("bad record")
	}

	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "name": "ubuntu"}),
		record(map[string]any{"hash": "b", "name": "debian"}),
	}

	result := worker.safeApply(Request{Seq: 7, Torrents: torrents, Search: "ubuntu"})

	require.Len(t, result, 2)
	assert.Equal(t, "a", result[0].Hash())
	assert.Equal(t, "b", result[1].Hash())

	// The worker goroutine is still alive and serving jobs.
	worker.Submit(Request{Seq: 8, Torrents: torrents, Search: "debian"})
	select {
	case resp := <-worker.Responses():
		assert.Equal(t, uint64(8), resp.Seq)
		require.Len(t, resp.Filtered, 1)
		assert.Equal(t, "b", resp.Filtered[0].Hash())
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped responding")
	}
}

func TestWorkerIsIdempotent(t *testing.T) {
	torrents := []models.TorrentRecord{
		record(map[string]any{"hash": "a", "name": "ubuntu", "size": float64(10)}),
		record(map[string]any{"hash": "b", "name": "ubuntu server", "size": float64(20)}),
	}

	first := Apply(torrents, "ubuntu", []models.SortKey{{ID: "size", Desc: true}}, "")
	second := Apply(torrents, "ubuntu", []models.SortKey{{ID: "size", Desc: true}}, "")

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash(), second[i].Hash())
	}
}
