// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TorrentRecord is one torrent as reported by the backend. The only field the
// synchronization logic relies on is "hash"; everything else is pass-through
// payload so newer backend fields survive a round trip untouched.
type TorrentRecord map[string]any

// Hash returns the record's identity key, or "" if the record is malformed.
func (t TorrentRecord) Hash() string {
	v, ok := t["hash"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StringField returns a payload field coerced to a string. Array values are
// joined with ", " the way qBittorrent serializes tags.
func (t TorrentRecord) StringField(name string) string {
	v, ok := t[name]
	if !ok || v == nil {
		return ""
	}

	switch value := v.(type) {
	case string:
		return value
	case []string:
		return strings.Join(value, ", ")
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return ""
	}
}

// StringValues returns a payload field as individual string values. Scalar
// strings come back as a single element; comma-separated tag strings are split.
func (t TorrentRecord) StringValues(name string) []string {
	v, ok := t[name]
	if !ok || v == nil {
		return nil
	}

	switch value := v.(type) {
	case []string:
		return value
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return parts
	case string:
		if strings.Contains(value, ",") {
			split := strings.Split(value, ",")
			for i := range split {
				split[i] = strings.TrimSpace(split[i])
			}
			return split
		}
		return []string{value}
	default:
		return nil
	}
}

// CacheMetadata provides information about cache state
type CacheMetadata struct {
	Source      string `json:"source"`      // "cache" or "fresh"
	Age         int    `json:"age"`         // Age in seconds
	IsStale     bool   `json:"isStale"`     // Whether data is stale
	NextRefresh string `json:"nextRefresh"` // When next refresh will occur (ISO 8601 string)
}

// TorrentStats represents aggregated torrent statistics
type TorrentStats struct {
	Total              int   `json:"total"`
	Downloading        int   `json:"downloading"`
	Seeding            int   `json:"seeding"`
	Paused             int   `json:"paused"`
	Error              int   `json:"error"`
	Checking           int   `json:"checking"`
	TotalDownloadSpeed int   `json:"totalDownloadSpeed"`
	TotalUploadSpeed   int   `json:"totalUploadSpeed"`
	TotalSize          int64 `json:"totalSize"`
	TotalRemainingSize int64 `json:"totalRemainingSize"`
}

// PageSnapshot is one page's worth of authoritative backend data. Sidebar
// payloads (categories, tags, preferences) are carried as raw JSON so this
// layer never has to understand their shape.
type PageSnapshot struct {
	Torrents      []TorrentRecord `json:"torrents"`
	Total         int             `json:"total"`
	HasMore       bool            `json:"hasMore"`
	Stats         *TorrentStats   `json:"stats,omitempty"`
	CacheMetadata *CacheMetadata  `json:"cacheMetadata,omitempty"`
	Categories    json.RawMessage `json:"categories,omitempty"`
	Tags          json.RawMessage `json:"tags,omitempty"`
	Preferences   json.RawMessage `json:"preferences,omitempty"`

	// TotalKnown distinguishes an explicit total of 0 (dataset empty) from a
	// payload that omitted the field entirely (truncation disabled).
	TotalKnown bool `json:"-"`
}

func (p *PageSnapshot) UnmarshalJSON(data []byte) error {
	type alias PageSnapshot
	tmp := struct {
		*alias
		Total *int `json:"total"`
	}{alias: (*alias)(p)}

	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	if tmp.Total != nil {
		p.Total = *tmp.Total
		p.TotalKnown = true
	} else {
		p.Total = 0
		p.TotalKnown = false
	}

	return nil
}

// FilterOptions represents the backend's torrent filter parameters. The zero
// value means "no filtering".
type FilterOptions struct {
	Status            []string `json:"status,omitempty"`
	ExcludeStatus     []string `json:"excludeStatus,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	ExcludeCategories []string `json:"excludeCategories,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	ExcludeTags       []string `json:"excludeTags,omitempty"`
	Trackers          []string `json:"trackers,omitempty"`
	ExcludeTrackers   []string `json:"excludeTrackers,omitempty"`
	Expr              string   `json:"expr,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f FilterOptions) IsEmpty() bool {
	return len(f.Status) == 0 && len(f.ExcludeStatus) == 0 &&
		len(f.Categories) == 0 && len(f.ExcludeCategories) == 0 &&
		len(f.Tags) == 0 && len(f.ExcludeTags) == 0 &&
		len(f.Trackers) == 0 && len(f.ExcludeTrackers) == 0 &&
		f.Expr == ""
}

// SortKey is one key of a multi-key sort request, in priority order.
type SortKey struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc"`
}
