// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filtersort

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

// Fields a free-text search is evaluated against.
var searchFields = []string{"name", "category", "tags", "state", "hash"}

func normalizeForSearch(text string) string {
	// Replace common torrent separators with spaces
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	// Collapse multiple spaces
	return strings.Join(strings.Fields(normalized), " ")
}

// matcher holds the pre-lowered and pre-normalized forms of one search query
// so per-record matching does no repeated query work.
type matcher struct {
	terms      []string
	normalized string
	normWords  []string
}

func newMatcher(search string) *matcher {
	m := &matcher{
		terms:      strings.Fields(strings.ToLower(search)),
		normalized: normalizeForSearch(search),
	}
	m.normWords = strings.Fields(m.normalized)
	return m
}

// matches reports whether the record satisfies the query. A record matches if
// any searchable field either equals one of the terms exactly or contains all
// terms as substrings; release names additionally get a normalized pass
// (dots, underscores and brackets folded to spaces) and a tight fuzzy pass.
func (m *matcher) matches(record models.TorrentRecord) bool {
	if len(m.terms) == 0 {
		return true
	}

	for _, field := range searchFields {
		if m.fieldMatches(record, field) {
			return true
		}
	}

	nameNormalized := normalizeForSearch(record.StringField("name"))
	if nameNormalized == "" {
		return false
	}

	if strings.Contains(nameNormalized, m.normalized) {
		return true
	}

	if len(m.normWords) > 1 {
		allWordsFound := true
		for _, word := range m.normWords {
			if !strings.Contains(nameNormalized, word) {
				allWordsFound = false
				break
			}
		}
		if allWordsFound {
			return true
		}
	}

	// Fuzzy match only on the normalized name, and only accept good scores;
	// loose fuzzy matching over every field produces junk results.
	if fuzzy.MatchNormalizedFold(m.normalized, nameNormalized) {
		return fuzzy.RankMatchNormalizedFold(m.normalized, nameNormalized) < 10
	}

	return false
}

func (m *matcher) fieldMatches(record models.TorrentRecord, field string) bool {
	// Array-valued fields (tags) also match each element exactly.
	for _, value := range record.StringValues(field) {
		lowered := strings.ToLower(value)
		for _, term := range m.terms {
			if lowered == term {
				return true
			}
		}
	}

	joined := strings.ToLower(record.StringField(field))
	if joined == "" {
		return false
	}

	for _, term := range m.terms {
		if joined == term {
			return true
		}
	}

	for _, term := range m.terms {
		if !strings.Contains(joined, term) {
			return false
		}
	}
	return true
}

// FilterTorrents returns the records matching a free-text search.
func FilterTorrents(torrents []models.TorrentRecord, search string) []models.TorrentRecord {
	if strings.TrimSpace(search) == "" {
		return torrents
	}

	matcher := newMatcher(search)
	filtered := make([]models.TorrentRecord, 0, len(torrents)/4)
	for _, record := range torrents {
		if matcher.matches(record) {
			filtered = append(filtered, record)
		}
	}

	log.Debug().
		Str("search", search).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(filtered)).
		Msg("Search completed")

	return filtered
}
