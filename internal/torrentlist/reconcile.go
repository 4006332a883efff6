// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentlist maintains live, reconciled torrent-list sessions: a
// multi-page accumulated list fed by paginated snapshots and a page-0 event
// stream, with polling fallback when the stream is unavailable.
package torrentlist

import (
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

// ReconcilePage merges a fresh page snapshot into the accumulated list.
//
// The incoming page is a full authoritative replacement for its own address
// range [page*pageSize, (page+1)*pageSize). Records already loaded outside
// that range keep their relative order; any copy of an incoming hash found
// elsewhere in the list is dropped because the incoming page wins. The
// operation is idempotent: applying the same snapshot twice yields the same
// list.
//
// Malformed input degrades to best effort rather than failing: a negative
// page index is clamped to 0, and a snapshot without a total skips the final
// truncation.
func ReconcilePage(current []models.TorrentRecord, snapshot *models.PageSnapshot, page, pageSize int) []models.TorrentRecord {
	if snapshot == nil {
		return current
	}

	// Dataset now empty. This is an authoritative reset, not a fetch error --
	// transient errors never reach reconciliation.
	if (snapshot.TotalKnown && snapshot.Total == 0) || len(snapshot.Torrents) == 0 {
		return []models.TorrentRecord{}
	}

	incoming := snapshot.Torrents

	// Seed case: nothing accumulated yet.
	if len(current) == 0 {
		result := make([]models.TorrentRecord, len(incoming))
		copy(result, incoming)
		return truncateToTotal(result, snapshot)
	}

	if page < 0 {
		log.Debug().Int("page", page).Msg("Reconcile received out-of-range page index, clamping to 0")
		page = 0
	}
	if pageSize <= 0 {
		pageSize = len(incoming)
	}

	// Address range this page previously occupied in the accumulated list.
	rangeStart := min(page*pageSize, len(current))
	rangeEnd := min(rangeStart+pageSize, len(current))

	leading := current[:rangeStart]
	displaced := current[rangeStart:rangeEnd]
	trailing := current[rangeEnd:]

	incomingHashes := make(map[string]struct{}, len(incoming))
	for _, record := range incoming {
		if hash := record.Hash(); hash != "" {
			incomingHashes[hash] = struct{}{}
		}
	}

	// Build leading ++ incoming ++ displaced ++ trailing, where every segment
	// except incoming is stripped of hashes the incoming page now owns. A seen
	// set guards against duplicates that were already present across segments.
	result := make([]models.TorrentRecord, 0, len(current)+len(incoming))
	seen := make(map[string]struct{}, len(current)+len(incoming))

	appendDeduped := func(records []models.TorrentRecord) {
		for _, record := range records {
			hash := record.Hash()
			if hash != "" {
				if _, owned := incomingHashes[hash]; owned {
					continue
				}
				if _, dup := seen[hash]; dup {
					continue
				}
				seen[hash] = struct{}{}
			}
			result = append(result, record)
		}
	}

	appendDeduped(leading)

	for _, record := range incoming {
		if hash := record.Hash(); hash != "" {
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
		}
		result = append(result, record)
	}

	appendDeduped(displaced)
	appendDeduped(trailing)

	return truncateToTotal(result, snapshot)
}

// AppendPage appends a page>0 snapshot to the accumulated list, defensively
// dropping records whose hash is already loaded. Only page 0 gets the full
// splice treatment; later pages extend the tail.
func AppendPage(current []models.TorrentRecord, snapshot *models.PageSnapshot) []models.TorrentRecord {
	if snapshot == nil || len(snapshot.Torrents) == 0 {
		return current
	}

	seen := make(map[string]struct{}, len(current))
	for _, record := range current {
		if hash := record.Hash(); hash != "" {
			seen[hash] = struct{}{}
		}
	}

	result := make([]models.TorrentRecord, len(current), len(current)+len(snapshot.Torrents))
	copy(result, current)

	dropped := 0
	for _, record := range snapshot.Torrents {
		hash := record.Hash()
		if hash != "" {
			if _, dup := seen[hash]; dup {
				dropped++
				continue
			}
			seen[hash] = struct{}{}
		}
		result = append(result, record)
	}

	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("Dropped overlapping records while appending page")
	}

	return truncateToTotal(result, snapshot)
}

// truncateToTotal clamps the list to the server-reported total, handling
// dataset shrinkage. A snapshot without a total leaves the list as is.
func truncateToTotal(records []models.TorrentRecord, snapshot *models.PageSnapshot) []models.TorrentRecord {
	if !snapshot.TotalKnown {
		return records
	}
	if len(records) > snapshot.Total {
		return records[:snapshot.Total]
	}
	return records
}
