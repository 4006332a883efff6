// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quid/internal/backend"
	"github.com/autobrr/quid/internal/filtersort"
	"github.com/autobrr/quid/internal/models"
	"github.com/autobrr/quid/internal/torrentlist"
)

// SessionParams is the request body for acquiring a list session. It carries
// the identity tuple plus the page size.
type SessionParams struct {
	InstanceID int                  `json:"instanceId"`
	Limit      int                  `json:"limit"`
	Sort       string               `json:"sort"`
	Order      string               `json:"order"`
	Search     string               `json:"search"`
	Filters    models.FilterOptions `json:"filters"`
}

func (p SessionParams) listRequest() backend.TorrentListRequest {
	return backend.TorrentListRequest{
		InstanceID: p.InstanceID,
		Limit:      p.Limit,
		Sort:       p.Sort,
		Order:      p.Order,
		Search:     p.Search,
		Filters:    p.Filters,
	}
}

// SessionID derives the public session identifier from a tuple key. Tuple keys
// embed filter JSON and are not URL-safe, so routes use this digest instead.
func SessionID(tupleKey string) string {
	return strconv.FormatUint(xxhash.Sum64String(tupleKey), 16)
}

// RefineParams is one filter/sort job over a session's accumulated list.
type RefineParams struct {
	Search string           `json:"search"`
	Sort   []models.SortKey `json:"sort"`
	Expr   string           `json:"expr"`
}

// refineState is the per-session worker plus its latest completed result.
type refineState struct {
	worker *filtersort.Worker
	quit   chan struct{}

	mu        sync.RWMutex
	submitted uint64
	latest    *filtersort.Response
}

func newRefineState() *refineState {
	rs := &refineState{
		worker: filtersort.NewWorker(),
		quit:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-rs.quit:
				return
			case resp := <-rs.worker.Responses():
				rs.mu.Lock()
				rs.latest = &resp
				rs.mu.Unlock()
			}
		}
	}()

	return rs
}

func (rs *refineState) close() {
	close(rs.quit)
	rs.worker.Close()
}

type SessionsHandler struct {
	registry        *torrentlist.Registry
	sessionStore    *models.ListSessionStore
	defaultPageSize int

	mu      sync.Mutex
	refines map[string]*refineState
}

func NewSessionsHandler(registry *torrentlist.Registry, sessionStore *models.ListSessionStore, defaultPageSize int) *SessionsHandler {
	if defaultPageSize <= 0 {
		defaultPageSize = 300
	}
	return &SessionsHandler{
		registry:        registry,
		sessionStore:    sessionStore,
		defaultPageSize: defaultPageSize,
		refines:         make(map[string]*refineState),
	}
}

func (h *SessionsHandler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.AcquireSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetView)
			r.Delete("/", h.ReleaseSession)
			r.Post("/load-more", h.LoadMore)
			r.Get("/stream", h.GetStreamStatus)
			r.Post("/refine", h.Refine)
			r.Get("/refined", h.GetRefined)
		})
	})

	r.Get("/torrents/cross-instance", h.ListCrossInstanceTorrents)
}

// Close stops all refinement workers. Called on server shutdown.
func (h *SessionsHandler) Close() {
	h.mu.Lock()
	states := make([]*refineState, 0, len(h.refines))
	for id, rs := range h.refines {
		states = append(states, rs)
		delete(h.refines, id)
	}
	h.mu.Unlock()

	for _, rs := range states {
		rs.close()
	}
}

// SessionInfo is the list entry for one active session.
type SessionInfo struct {
	ID         string `json:"id"`
	InstanceID int    `json:"instanceId"`
	Sort       string `json:"sort,omitempty"`
	Order      string `json:"order,omitempty"`
	Search     string `json:"search,omitempty"`
}

func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	keys := h.registry.Keys()

	infos := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		session, exists := h.registry.Get(key)
		if !exists {
			continue
		}
		req := session.Request()
		infos = append(infos, SessionInfo{
			ID:         SessionID(key),
			InstanceID: req.InstanceID,
			Sort:       req.Sort,
			Order:      req.Order,
			Search:     req.Search,
		})
	}

	RespondJSON(w, http.StatusOK, infos)
}

// AcquireResponse pairs the session identifier with its initial view.
type AcquireResponse struct {
	ID   string           `json:"id"`
	View torrentlist.View `json:"view"`
}

func (h *SessionsHandler) AcquireSession(w http.ResponseWriter, r *http.Request) {
	var params SessionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if params.InstanceID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return
	}

	if params.Limit <= 0 {
		params.Limit = h.defaultPageSize
	}

	listReq := params.listRequest()
	session := h.registry.Acquire(listReq)
	if session == nil {
		RespondError(w, http.StatusServiceUnavailable, "Registry is shutting down")
		return
	}

	id := SessionID(listReq.TupleKey())

	if h.sessionStore != nil {
		if err := h.sessionStore.Upsert(r.Context(), id, params.InstanceID, params); err != nil {
			log.Error().Err(err).Str("sessionID", id).Msg("Failed to persist list session")
		}
	}

	RespondJSON(w, http.StatusOK, AcquireResponse{ID: id, View: session.View()})
}

func (h *SessionsHandler) GetView(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.resolve(w, r)
	if !ok {
		return
	}

	RespondJSON(w, http.StatusOK, session.View())
}

func (h *SessionsHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	_, key, ok := h.resolve(w, r)
	if !ok {
		return
	}

	id := SessionID(key)

	h.mu.Lock()
	rs := h.refines[id]
	delete(h.refines, id)
	h.mu.Unlock()
	if rs != nil {
		rs.close()
	}

	h.registry.Release(key)

	if h.sessionStore != nil {
		if err := h.sessionStore.Delete(r.Context(), id); err != nil {
			log.Error().Err(err).Str("sessionID", id).Msg("Failed to delete persisted list session")
		}
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *SessionsHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.resolve(w, r)
	if !ok {
		return
	}

	accepted := session.LoadMore()

	RespondJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (h *SessionsHandler) GetStreamStatus(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.resolve(w, r)
	if !ok {
		return
	}

	RespondJSON(w, http.StatusOK, session.View().Stream)
}

// Refine submits a filter/sort job over the session's accumulated list. Jobs
// are processed by a background worker; a newer job supersedes an older one.
// The result is fetched from the refined endpoint and matched by seq.
func (h *SessionsHandler) Refine(w http.ResponseWriter, r *http.Request) {
	session, key, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var params RefineParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := SessionID(key)

	h.mu.Lock()
	rs, exists := h.refines[id]
	if !exists {
		rs = newRefineState()
		h.refines[id] = rs
	}
	h.mu.Unlock()

	view := session.View()

	rs.mu.Lock()
	rs.submitted++
	seq := rs.submitted
	rs.mu.Unlock()

	rs.worker.Submit(filtersort.Request{
		Seq:      seq,
		Torrents: view.Torrents,
		Search:   params.Search,
		Sort:     params.Sort,
		Expr:     params.Expr,
	})

	RespondJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq})
}

func (h *SessionsHandler) GetRefined(w http.ResponseWriter, r *http.Request) {
	_, key, ok := h.resolve(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	rs := h.refines[SessionID(key)]
	h.mu.Unlock()

	if rs == nil {
		RespondError(w, http.StatusNotFound, "No refinement submitted")
		return
	}

	rs.mu.RLock()
	latest := rs.latest
	rs.mu.RUnlock()

	if latest == nil {
		RespondError(w, http.StatusNotFound, "Refinement not ready")
		return
	}

	RespondJSON(w, http.StatusOK, latest)
}

// ListCrossInstanceTorrents fans one page request out to several instances and
// concatenates the results. Individual instance failures yield a partial
// result, not an error.
func (h *SessionsHandler) ListCrossInstanceTorrents(w http.ResponseWriter, r *http.Request) {
	instanceIDs, err := parseInstanceIDs(r.URL.Query().Get("instanceIds"))
	if err != nil || len(instanceIDs) == 0 {
		RespondError(w, http.StatusBadRequest, "Invalid instance IDs")
		return
	}

	listReq := backend.TorrentListRequest{
		Limit:  300,
		Sort:   r.URL.Query().Get("sort"),
		Order:  r.URL.Query().Get("order"),
		Search: r.URL.Query().Get("search"),
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 2000 {
			listReq.Limit = parsed
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 0 {
			listReq.Page = parsed
		}
	}
	if f := r.URL.Query().Get("filters"); f != "" {
		if err := json.Unmarshal([]byte(f), &listReq.Filters); err != nil {
			log.Warn().Err(err).Msg("Failed to parse filters, ignoring")
		}
	}

	result, err := h.registry.FetchAcrossInstances(r.Context(), instanceIDs, listReq)
	if err != nil {
		log.Error().Err(err).Ints("instanceIDs", instanceIDs).Msg("Cross-instance fetch failed")
		RespondError(w, http.StatusBadGateway, "All instances failed")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// resolve maps the sessionID path parameter back to an active session. The
// registry is keyed by tuple key, so this scans active keys for the digest.
func (h *SessionsHandler) resolve(w http.ResponseWriter, r *http.Request) (*torrentlist.Session, string, bool) {
	id := chi.URLParam(r, "sessionID")
	if id == "" {
		RespondError(w, http.StatusBadRequest, "Invalid session ID")
		return nil, "", false
	}

	for _, key := range h.registry.Keys() {
		if SessionID(key) != id {
			continue
		}
		session, exists := h.registry.Get(key)
		if !exists {
			break
		}
		return session, key, true
	}

	RespondError(w, http.StatusNotFound, "Session not found")
	return nil, "", false
}

func parseInstanceIDs(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id <= 0 {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
