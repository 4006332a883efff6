// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes the Prometheus endpoint on a separate listener so the main
// API surface stays unauthenticated-metrics free.
type Server struct {
	collector      *Collector
	host           string
	port           int
	basicAuthUsers string
}

// NewServer creates the metrics server. basicAuthUsers is a comma-separated
// list of user:password pairs; empty means no authentication.
func NewServer(collector *Collector, host string, port int, basicAuthUsers string) *Server {
	return &Server{
		collector:      collector,
		host:           host,
		port:           port,
		basicAuthUsers: basicAuthUsers,
	}
}

func (s *Server) ListenAndServe() error {
	r := chi.NewRouter()

	if creds := parseBasicAuthUsers(s.basicAuthUsers); len(creds) > 0 {
		r.Use(middleware.BasicAuth("metrics", creds))
	}

	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return srv.ListenAndServe()
}

func parseBasicAuthUsers(raw string) map[string]string {
	creds := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" {
			continue
		}
		creds[user] = pass
	}
	return creds
}
