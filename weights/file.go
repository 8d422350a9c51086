// file.go - Gewichtsdateien lokal oder aus einem Repository
//
// Enthält:
//   - File: lokaler Pfad oder (Repository, relativer Pfad)
//   - Fetcher: Schnittstelle zum Hub-Client
//   - ErrFetch: Fehler beim Aufloesen einer Datei
package weights

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrFetch = errors.New("gewichte nicht verfuegbar")

// Fetcher laedt eine Datei aus einem Repository und gibt den lokalen Pfad zurueck.
// huggingface.Client implementiert dieses Interface.
type Fetcher interface {
	Fetch(ctx context.Context, repo, file string) (string, error)
}

// FetcherFunc erlaubt Funktionen als Fetcher
type FetcherFunc func(ctx context.Context, repo, file string) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context, repo, file string) (string, error) {
	return f(ctx, repo, file)
}

// File ist entweder ein lokaler Pfad oder eine Datei in einem Repository.
type File struct {
	local string
	repo  string
	path  string
}

// LocalFile verweist auf eine bereits vorhandene Datei
func LocalFile(path string) *File {
	return &File{local: path}
}

// RepoFile verweist auf path innerhalb von repo. repo darf auch ein lokales
// Verzeichnis mit derselben Struktur sein.
func RepoFile(repo, path string) *File {
	return &File{repo: repo, path: path}
}

func (f *File) IsLocal() bool { return f.local != "" }

// Repository und Path sind bei lokalen Dateien leer
func (f *File) Repository() string { return f.repo }
func (f *File) Path() string       { return f.path }

func (f *File) String() string {
	if f.IsLocal() {
		return f.local
	}
	return f.repo + ":" + f.path
}

// Fetch gibt den lokalen Pfad der Datei zurueck. Lokale Dateien und Dateien in
// lokalen Repository-Verzeichnissen werden nicht kopiert.
func (f *File) Fetch(ctx context.Context, fetcher Fetcher) (string, error) {
	if f.IsLocal() {
		return f.local, nil
	}
	if stat, err := os.Stat(f.repo); err == nil && stat.IsDir() {
		path := filepath.Join(f.repo, filepath.FromSlash(f.path))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrFetch, f, err)
		}
		return path, nil
	}
	if fetcher == nil {
		return "", fmt.Errorf("%w: %s: kein fetcher konfiguriert", ErrFetch, f)
	}
	path, err := fetcher.Fetch(ctx, f.repo, f.path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, f, err)
	}
	return path, nil
}
