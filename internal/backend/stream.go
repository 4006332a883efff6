// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/models"
)

// ConnectionState is the lifecycle state of one stream connection.
type ConnectionState string

const (
	StateDisabled     ConnectionState = "disabled"
	StateConnecting   ConnectionState = "connecting"
	StateLive         ConnectionState = "live"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// Reconnect backoff durations
const (
	streamInitialBackoff = 1 * time.Second
	streamMaxBackoff     = 30 * time.Second

	defaultMaxRetries = 8
)

// StreamMeta carries the page index a stream payload is authoritative for.
type StreamMeta struct {
	Page int `json:"page"`
}

// StreamPayload is one incremental snapshot delivered over the event stream.
// The data is always a full authoritative replacement for its page.
type StreamPayload struct {
	Data models.PageSnapshot `json:"data"`
	Meta StreamMeta          `json:"meta"`
}

// StreamStatus is the connection state exposed to consumers. The session host
// derives its polling decision from Connected and Error.
type StreamStatus struct {
	State        ConnectionState `json:"state"`
	Connected    bool            `json:"connected"`
	Error        bool            `json:"error"`
	Retrying     bool            `json:"retrying"`
	RetryAttempt int             `json:"retryAttempt"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
	LastMeta     *StreamMeta     `json:"lastMeta,omitempty"`
}

// StreamClient maintains one live SSE connection for a single identity tuple.
// It is created when the tuple becomes active and torn down on tuple change;
// a torn-down client never delivers another payload.
type StreamClient struct {
	client     *Client
	listReq    TorrentListRequest
	onPayload  func(StreamPayload)
	maxRetries int

	// OnReconnect, when set, is invoked once per scheduled reconnect attempt.
	OnReconnect func()

	mu           sync.RWMutex
	state        ConnectionState
	retryAttempt int
	nextRetryAt  time.Time
	lastMeta     *StreamMeta

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func NewStreamClient(client *Client, listReq TorrentListRequest, onPayload func(StreamPayload)) *StreamClient {
	return &StreamClient{
		client:     client,
		listReq:    listReq,
		onPayload:  onPayload,
		maxRetries: defaultMaxRetries,
		state:      StateDisabled,
	}
}

// SetMaxRetries overrides the reconnect budget. Must be called before Start.
func (sc *StreamClient) SetMaxRetries(n int) {
	if n > 0 {
		sc.maxRetries = n
	}
}

// Start launches the connection loop. It is a no-op on a client that was
// already started or stopped.
func (sc *StreamClient) Start() {
	sc.mu.Lock()
	if sc.started || sc.stopped {
		sc.mu.Unlock()
		return
	}
	sc.started = true
	sc.state = StateConnecting

	// Not tied to any request lifetime; Stop tears it down.
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.done = make(chan struct{})
	sc.mu.Unlock()

	go sc.run(ctx)
}

// Stop tears down the connection and clears any pending reconnect timer.
func (sc *StreamClient) Stop() {
	sc.mu.Lock()
	cancel := sc.cancel
	done := sc.done
	sc.cancel = nil
	sc.stopped = true
	sc.state = StateDisabled
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// setState transitions the public state unless the client was stopped. A
// connection attempt that was in flight when Stop ran must not resurrect a
// torn-down client.
func (sc *StreamClient) setState(state ConnectionState) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.stopped {
		return
	}
	sc.state = state
}

// Status returns the current connection state snapshot.
func (sc *StreamClient) Status() StreamStatus {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	status := StreamStatus{
		State:        sc.state,
		Connected:    sc.state == StateLive,
		Error:        sc.state == StateReconnecting || sc.state == StateDisconnected,
		Retrying:     sc.state == StateReconnecting,
		RetryAttempt: sc.retryAttempt,
		LastMeta:     sc.lastMeta,
	}
	if !sc.nextRetryAt.IsZero() && sc.state == StateReconnecting {
		at := sc.nextRetryAt
		status.NextRetryAt = &at
	}

	return status
}

func (sc *StreamClient) run(ctx context.Context) {
	defer close(sc.done)

	for {
		err := sc.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		sc.mu.Lock()
		if sc.stopped {
			sc.mu.Unlock()
			return
		}
		sc.retryAttempt++
		attempt := sc.retryAttempt

		if attempt > sc.maxRetries {
			sc.state = StateDisconnected
			sc.mu.Unlock()
			log.Warn().
				Err(err).
				Int("instanceID", sc.listReq.InstanceID).
				Int("attempts", attempt-1).
				Msg("Stream reconnect attempts exhausted, settling on polling")
			return
		}

		backoff := min(time.Duration(1<<(attempt-1))*streamInitialBackoff, streamMaxBackoff)
		sc.state = StateReconnecting
		sc.nextRetryAt = time.Now().Add(backoff)
		sc.mu.Unlock()

		if sc.OnReconnect != nil {
			sc.OnReconnect()
		}

		log.Debug().
			Err(err).
			Int("instanceID", sc.listReq.InstanceID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Stream disconnected, scheduling reconnect")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sc.setState(StateConnecting)
	}
}

// consume opens the SSE connection and delivers payloads until the transport
// fails or the context is cancelled.
func (sc *StreamClient) consume(ctx context.Context) error {
	req, err := sc.client.newRequest(ctx, http.MethodGet, "/api/torrents/stream?"+sc.streamQuery(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// No overall timeout: the stream is long-lived and cancelled via ctx.
	httpClient := &http.Client{Transport: sc.client.httpClient.Transport}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream connect failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}

	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return ctx.Err()
	}
	sc.state = StateLive
	sc.retryAttempt = 0
	sc.nextRetryAt = time.Time{}
	sc.mu.Unlock()

	log.Debug().Int("instanceID", sc.listReq.InstanceID).Msg("Stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				sc.dispatch(data.String())
				data.Reset()
			}
			continue
		}

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
		}
		// event:/id:/retry: fields are ignored; payloads are self-describing
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

func (sc *StreamClient) dispatch(raw string) {
	var payload StreamPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Debug().Err(err).Int("instanceID", sc.listReq.InstanceID).Msg("Dropping malformed stream payload")
		return
	}

	sc.mu.Lock()
	meta := payload.Meta
	sc.lastMeta = &meta
	sc.mu.Unlock()

	sc.onPayload(payload)
}

func (sc *StreamClient) streamQuery() string {
	r := sc.listReq
	q := url.Values{}
	q.Set("instanceId", strconv.Itoa(r.InstanceID))
	q.Set("limit", strconv.Itoa(r.Limit))
	if r.Sort != "" {
		q.Set("sort", r.Sort)
	}
	if r.Order != "" {
		q.Set("order", r.Order)
	}
	if r.Search != "" {
		q.Set("search", r.Search)
	}
	if encoded := encodeFilters(r.Filters); encoded != "" {
		q.Set("filters", encoded)
	}
	return q.Encode()
}
