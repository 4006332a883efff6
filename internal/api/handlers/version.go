// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/quid/internal/backend"
)

type VersionHandler struct {
	version string
	client  *backend.Client
}

func NewVersionHandler(version string, client *backend.Client) *VersionHandler {
	return &VersionHandler{
		version: version,
		client:  client,
	}
}

// VersionResponse describes the daemon build and the probed backend.
type VersionResponse struct {
	Version               string `json:"version"`
	BackendVersion        string `json:"backendVersion,omitempty"`
	BackendSupportsStream bool   `json:"backendSupportsStream"`
}

func (h *VersionHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, VersionResponse{
		Version:               h.version,
		BackendVersion:        h.client.BackendVersion(),
		BackendSupportsStream: h.client.SupportsStreaming(),
	})
}
