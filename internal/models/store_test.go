// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/quid/internal/database"
	"github.com/autobrr/quid/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "quid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	store := models.NewSettingsStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "backendVersion", "1.6.0"))

	var version string
	require.NoError(t, store.Get(ctx, "backendVersion", &version))
	assert.Equal(t, "1.6.0", version)

	// Overwrite replaces the previous value.
	require.NoError(t, store.Set(ctx, "backendVersion", "1.7.0"))
	require.NoError(t, store.Get(ctx, "backendVersion", &version))
	assert.Equal(t, "1.7.0", version)
}

func TestSettingsStoreMissingKey(t *testing.T) {
	store := models.NewSettingsStore(newTestDB(t))
	ctx := context.Background()

	var dest string
	err := store.Get(ctx, "missing", &dest)
	assert.True(t, errors.Is(err, models.ErrSettingNotFound))

	// Deleting a missing key is fine.
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestSettingsStoreStructuredValues(t *testing.T) {
	store := models.NewSettingsStore(newTestDB(t))
	ctx := context.Background()

	in := models.FilterOptions{Status: []string{"downloading"}, Categories: []string{"linux"}}
	require.NoError(t, store.Set(ctx, "persistedFilters", in))

	var out models.FilterOptions
	require.NoError(t, store.Get(ctx, "persistedFilters", &out))
	assert.Equal(t, in, out)
}

func TestListSessionStoreRoundTrip(t *testing.T) {
	store := models.NewListSessionStore(newTestDB(t))
	ctx := context.Background()

	params := map[string]any{"limit": 300, "sort": "added_on"}
	require.NoError(t, store.Upsert(ctx, "abc123", 7, params))

	session, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", session.ID)
	assert.Equal(t, 7, session.InstanceID)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(session.Params, &stored))
	assert.Equal(t, "added_on", stored["sort"])
}

func TestListSessionStoreUpsertReplaces(t *testing.T) {
	store := models.NewListSessionStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "abc123", 1, map[string]any{"limit": 300}))
	require.NoError(t, store.Upsert(ctx, "abc123", 2, map[string]any{"limit": 500}))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].InstanceID)
}

func TestListSessionStoreDelete(t *testing.T) {
	store := models.NewListSessionStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "abc123", 1, map[string]any{}))
	require.NoError(t, store.Delete(ctx, "abc123"))

	_, err := store.Get(ctx, "abc123")
	assert.True(t, errors.Is(err, models.ErrListSessionNotFound))

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, "abc123"))
}
