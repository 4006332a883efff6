// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filtersort runs free-text search and multi-key sorting off the hot
// path. A dedicated worker goroutine receives jobs over a channel and replies
// on a response channel; there is no shared mutable state. Jobs are stateless
// and idempotent — a newer job supersedes an older one, and the host discards
// stale results by sequence number.
package filtersort

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

const (
	// Lists at or above this size are processed in batches with a
	// cooperative yield between them so the worker stays responsive to
	// cancellation and newer jobs.
	largeListThreshold = 5000
	searchBatchSize    = 1000
)

// Request is one filter/sort job. One job fully supersedes the previous.
type Request struct {
	Seq      uint64
	Torrents []models.TorrentRecord
	Search   string
	Sort     []models.SortKey
	Expr     string
}

// Response carries the filtered result for a job. Hosts match responses to
// requests by Seq and drop anything stale.
type Response struct {
	Seq      uint64
	Filtered []models.TorrentRecord
}

// Worker is the background processor. Create with NewWorker, submit jobs with
// Submit, read results from Responses, and Close when done.
type Worker struct {
	requests  chan Request
	responses chan Response
	cancel    context.CancelFunc
	done      chan struct{}
	apply     func([]models.TorrentRecord, string, []models.SortKey, string) []models.TorrentRecord
}

func NewWorker() *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		requests:  make(chan Request, 8),
		responses: make(chan Response, 8),
		cancel:    cancel,
		done:      make(chan struct{}),
		apply:     Apply,
	}

	go w.run(ctx)

	return w
}

// Submit queues a job. It blocks only if the worker is saturated.
func (w *Worker) Submit(req Request) {
	select {
	case w.requests <- req:
	case <-w.done:
	}
}

// Responses returns the result channel.
func (w *Worker) Responses() <-chan Response {
	return w.responses
}

// Close stops the worker. Jobs still queued are dropped.
func (w *Worker) Close() {
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	var pending *Request

	for {
		var req Request
		if pending != nil {
			req = *pending
			pending = nil
		} else {
			select {
			case <-ctx.Done():
				return
			case req = <-w.requests:
			}
		}

		// Skip straight to the newest queued job; a stale job would waste a
		// full pass only to be discarded by the host.
		req = w.drainToNewest(req)

		result, superseded := w.process(ctx, req)
		if superseded != nil {
			pending = superseded
			continue
		}
		if result == nil {
			// cancelled
			continue
		}

		select {
		case w.responses <- Response{Seq: req.Seq, Filtered: result}:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) drainToNewest(req Request) Request {
	for {
		select {
		case newer := <-w.requests:
			req = newer
		default:
			return req
		}
	}
}

// process runs one job. Any panic in the batched path falls back to the
// synchronous path, so the caller always gets a response for a job that was
// not superseded.
func (w *Worker) process(ctx context.Context, req Request) (result []models.TorrentRecord, superseded *Request) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("seq", req.Seq).
				Msg("Worker processing failed, recomputing synchronously")
			result = w.safeApply(req)
			superseded = nil
		}
	}()

	filtered := req.Torrents

	if req.Expr != "" {
		filtered = filterByExpr(filtered, req.Expr)
	}

	if req.Search != "" {
		if len(filtered) >= largeListThreshold {
			var cancelled bool
			filtered, superseded, cancelled = w.searchBatched(ctx, filtered, req.Search)
			if cancelled || superseded != nil {
				return nil, superseded
			}
		} else {
			filtered = FilterTorrents(filtered, req.Search)
		}
	}

	if len(req.Sort) > 0 {
		filtered = SortTorrents(filtered, req.Sort)
	}

	return filtered, nil
}

// safeApply runs the synchronous fallback under its own recover. An
// input-dependent panic would repeat on the rerun, and the worker must still
// answer; the unfiltered list is the last resort.
func (w *Worker) safeApply(req Request) (result []models.TorrentRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("seq", req.Seq).
				Msg("Synchronous fallback failed, returning unfiltered list")
			result = req.Torrents
		}
	}()

	return w.apply(req.Torrents, req.Search, req.Sort, req.Expr)
}

// searchBatched filters in fixed-size batches, yielding between batches. The
// yield checks for shutdown and for a newer job, which abandons the current
// one — its result would be discarded by the host anyway.
func (w *Worker) searchBatched(ctx context.Context, torrents []models.TorrentRecord, search string) ([]models.TorrentRecord, *Request, bool) {
	matcher := newMatcher(search)
	result := make([]models.TorrentRecord, 0, len(torrents)/4)

	for start := 0; start < len(torrents); start += searchBatchSize {
		select {
		case <-ctx.Done():
			return nil, nil, true
		case newer := <-w.requests:
			return nil, &newer, false
		default:
		}

		end := min(start+searchBatchSize, len(torrents))
		for _, record := range torrents[start:end] {
			if matcher.matches(record) {
				result = append(result, record)
			}
		}
	}

	return result, nil, false
}

// Apply is the synchronous path: the same result as the worker, computed
// inline without batching. Used directly for small lists and as the fallback
// when batched processing fails.
func Apply(torrents []models.TorrentRecord, search string, sortKeys []models.SortKey, exprFilter string) []models.TorrentRecord {
	filtered := torrents
	if exprFilter != "" {
		filtered = filterByExpr(filtered, exprFilter)
	}
	if search != "" {
		filtered = FilterTorrents(filtered, search)
	}
	if len(sortKeys) > 0 {
		filtered = SortTorrents(filtered, sortKeys)
	}
	return filtered
}
