// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrListSessionNotFound = errors.New("list session not found")

// ListSession is a persisted record of one acquired list session, so active
// views survive a daemon restart.
type ListSession struct {
	ID         string          `json:"id"`
	InstanceID int             `json:"instanceId"`
	Params     json.RawMessage `json:"params"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type ListSessionStore struct {
	db *sql.DB
}

func NewListSessionStore(db *sql.DB) *ListSessionStore {
	return &ListSessionStore{db: db}
}

// Upsert stores or refreshes a session record.
func (s *ListSessionStore) Upsert(ctx context.Context, id string, instanceID int, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode session params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO list_sessions (id, instance_id, params) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET instance_id = excluded.instance_id, params = excluded.params`,
		id, instanceID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to store list session %q: %w", id, err)
	}

	return nil
}

// List returns all persisted sessions.
func (s *ListSessionStore) List(ctx context.Context) ([]ListSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, instance_id, params, created_at FROM list_sessions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ListSession
	for rows.Next() {
		var session ListSession
		var params string
		if err := rows.Scan(&session.ID, &session.InstanceID, &params, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		session.Params = json.RawMessage(params)
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// Get returns one persisted session by ID.
func (s *ListSessionStore) Get(ctx context.Context, id string) (*ListSession, error) {
	var session ListSession
	var params string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, instance_id, params, created_at FROM list_sessions WHERE id = ?", id).
		Scan(&session.ID, &session.InstanceID, &params, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrListSessionNotFound
		}
		return nil, fmt.Errorf("failed to get list session %q: %w", id, err)
	}
	session.Params = json.RawMessage(params)
	return &session, nil
}

// Delete removes a session record. Deleting a missing record is not an error.
func (s *ListSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM list_sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete list session %q: %w", id, err)
	}
	return nil
}
