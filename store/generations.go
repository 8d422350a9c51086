// generations.go - Eintraege im Generierungsverlauf
// Enthält: Entry, Record, List, Get

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("eintrag nicht gefunden")

// Entry ist eine abgeschlossene Generierung
type Entry struct {
	ID           string
	CreatedAt    time.Time
	Version      string
	Prompt       string
	UncondPrompt string
	Width        int
	Height       int
	Steps        int
	Guidance     float64
	Seed         uint64
	// Strength ist nur bei img2img gesetzt
	Strength  *float64
	Scheduler string
	Output    string
	Duration  time.Duration
}

// Record speichert e. Fehlt die ID, wird eine UUID vergeben; fehlt
// CreatedAt, gilt die aktuelle Zeit.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var strength sql.NullFloat64
	if e.Strength != nil {
		strength = sql.NullFloat64{Float64: *e.Strength, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO generations (id, created_at, version, prompt, uncond_prompt, width, height,
			steps, guidance, seed, strength, scheduler, output, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UTC(), e.Version, e.Prompt, e.UncondPrompt, e.Width, e.Height,
		e.Steps, e.Guidance, int64(e.Seed), strength, e.Scheduler, e.Output, e.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("record generation: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `id, created_at, version, prompt, uncond_prompt, width, height,
	steps, guidance, seed, strength, scheduler, output, duration_ms`

// List gibt die letzten limit Eintraege zurueck, neueste zuerst. limit <= 0 liefert alle.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM generations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get liefert den Eintrag mit id
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM generations WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		seed     int64
		strength sql.NullFloat64
		duration int64
	)
	err := row.Scan(&e.ID, &e.CreatedAt, &e.Version, &e.Prompt, &e.UncondPrompt, &e.Width, &e.Height,
		&e.Steps, &e.Guidance, &seed, &strength, &e.Scheduler, &e.Output, &duration)
	if err != nil {
		return Entry{}, err
	}
	e.Seed = uint64(seed)
	e.Duration = time.Duration(duration) * time.Millisecond
	if strength.Valid {
		e.Strength = &strength.Float64
	}
	return e, nil
}
