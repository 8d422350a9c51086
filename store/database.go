// database.go - SQLite-Datenbank fuer den Generierungsverlauf
// Enthält: Store struct, Open, Close, Schema und Migrationen

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// currentSchemaVersion wird bei Schema-Aenderungen erhoeht.
// Gespeichert in PRAGMA user_version.
const currentSchemaVersion = 2

// Store umhuellt die SQLite-Verbindung. SQLite serialisiert Schreiber
// selbst, im WAL-Modus blockieren Leser die Schreiber nicht.
type Store struct {
	conn *sql.DB
}

// Open oeffnet oder erstellt die Datenbank unter path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

// Close schliesst die Datenbankverbindung
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

func (s *Store) init() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	// Neue Datenbank: direkt das aktuelle Schema
	if version == 0 {
		if _, err := s.conn.Exec(schema); err != nil {
			return err
		}
		return s.setSchemaVersion(currentSchemaVersion)
	}
	return s.migrate(version)
}

const schema = `
CREATE TABLE IF NOT EXISTS generations (
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
	scheduler TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_generations_created_at ON generations(created_at);
`

// migrate bringt eine bestehende Datenbank auf currentSchemaVersion
func (s *Store) migrate(version int) error {
	for version < currentSchemaVersion {
		switch version {
		case 1:
			// scheduler Spalte hinzufuegen
			if err := s.migrateV1ToV2(); err != nil {
				return fmt.Errorf("migrate v1 to v2: %w", err)
			}
			version = 2
		default:
			return fmt.Errorf("unbekannte schema version %d", version)
		}
	}
	return s.setSchemaVersion(version)
}

func (s *Store) migrateV1ToV2() error {
	_, err := s.conn.Exec(`ALTER TABLE generations ADD COLUMN scheduler TEXT NOT NULL DEFAULT ''`)
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var v int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

func (s *Store) setSchemaVersion(v int) error {
	// PRAGMA erlaubt keine Platzhalter
	_, err := s.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}
