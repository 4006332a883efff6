// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filtersort

import (
	"fmt"
	"sort"
	"strings"

	"github.com/autobrr/quid/internal/models"
)

// SortTorrents applies a stable multi-key sort and returns a new slice. Keys
// are applied in priority order with the first non-tie deciding. Numbers
// compare numerically, strings case-insensitively, and records missing a field
// sort last regardless of direction.
func SortTorrents(torrents []models.TorrentRecord, keys []models.SortKey) []models.TorrentRecord {
	if len(keys) == 0 || len(torrents) <= 1 {
		return torrents
	}

	sorted := make([]models.TorrentRecord, len(torrents))
	copy(sorted, torrents)

	// Case-folding dominates sort cost on large lists; memoize per distinct
	// string for the duration of this call.
	folded := make(map[string]string, len(sorted))
	fold := func(s string) string {
		if f, ok := folded[s]; ok {
			return f
		}
		f := strings.ToLower(s)
		folded[s] = f
		return f
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		for _, key := range keys {
			c := compareValues(sorted[i][key.ID], sorted[j][key.ID], key.Desc, fold)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})

	return sorted
}

// compareValues returns the final ordering for one key, with the direction
// already applied. Nil handling happens before direction so absent values land
// at the tail for both ascending and descending sorts.
func compareValues(a, b any, desc bool, fold func(string) string) int {
	aNil := a == nil
	bNil := b == nil
	switch {
	case aNil && bNil:
		return 0
	case aNil:
		return 1
	case bNil:
		return -1
	}

	c := compareNonNil(a, b, fold)
	if desc {
		return -c
	}
	return c
}

func compareNonNil(a, b any, fold func(string) string) int {
	if af, aOK := toFloat(a); aOK {
		if bf, bOK := toFloat(b); bOK {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	// Mixed or non-numeric types fall back to string comparison.
	return strings.Compare(fold(asString(a)), fold(asString(b)))
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
