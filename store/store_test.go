package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	strength := 0.8
	entries := []Entry{
		{Version: "v1-5", Prompt: "a cat", Width: 512, Height: 512, Steps: 30, Guidance: 7.5, Seed: 1, CreatedAt: base},
		{Version: "xl", Prompt: "a dog", UncondPrompt: "blurry", Width: 1024, Height: 1024, Steps: 20, Guidance: 5,
			Seed: 1<<63 + 5, Strength: &strength, Scheduler: "ddim", Output: "dog.png", Duration: 1500 * time.Millisecond,
			CreatedAt: base.Add(time.Minute)},
		{ID: "fixed-id", Version: "turbo", Prompt: "a bird", Width: 512, Height: 512, Steps: 1, Seed: 3, CreatedAt: base.Add(2 * time.Minute)},
	}
	var ids []string
	for _, e := range entries {
		id, err := s.Record(t.Context(), e)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, "fixed-id", ids[2])
	assert.Len(t, ids[0], 36, "UUID erwartet")

	got, err := s.List(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a bird", got[0].Prompt)
	assert.Equal(t, "a dog", got[1].Prompt)

	dog := got[1]
	assert.Equal(t, uint64(1<<63+5), dog.Seed)
	require.NotNil(t, dog.Strength)
	assert.InDelta(t, 0.8, *dog.Strength, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, dog.Duration)
	assert.Equal(t, "blurry", dog.UncondPrompt)
	assert.True(t, dog.CreatedAt.Equal(base.Add(time.Minute)), "created_at: %v", dog.CreatedAt)

	all, err := s.List(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Nil(t, all[2].Strength)

	e, err := s.Get(t.Context(), "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "turbo", e.Version)

	_, err = s.Get(t.Context(), "fehlt")
	assert.True(t, errors.Is(err, ErrNotFound), "erwartet ErrNotFound, bekommen %v", err)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(t.Context(), Entry{Version: "v2-1", Prompt: "x", Width: 768, Height: 768, Steps: 30})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.List(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMigrateV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	// Schema der Version 1 ohne scheduler Spalte
	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = conn.Exec(`
		CREATE TABLE generations (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version TEXT NOT NULL,
			prompt TEXT NOT NULL,
			uncond_prompt TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			guidance REAL NOT NULL,
			seed INTEGER NOT NULL,
			strength REAL,
			output TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		INSERT INTO generations (id, version, prompt, width, height, steps, guidance, seed)
			VALUES ('alt', 'v1-5', 'old', 512, 512, 30, 7.5, 9);
		PRAGMA user_version = 1;`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)

	e, err := s.Get(t.Context(), "alt")
	require.NoError(t, err)
	assert.Equal(t, "", e.Scheduler)
	assert.Equal(t, uint64(9), e.Seed)
}
