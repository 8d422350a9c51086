// cache.go - Cache-Management fuer HuggingFace Modelle
// Kompatibel mit der Python huggingface_hub Cache-Struktur:
//
//	models--owner--name/
//	  blobs/<etag>
//	  refs/<revision>        -> Commit-Hash
//	  snapshots/<commit>/<datei> -> ../../blobs/<etag>
package huggingface

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache-Konstanten
const (
	CacheRefDir      = "refs"
	CacheBlobDir     = "blobs"
	CacheSnapshotDir = "snapshots"
	CacheLockDir     = ".locks"
	CacheModelPrefix = "models--"
)

var (
	ErrModelNotInCache   = errors.New("modell nicht im cache")
	ErrCacheAccessDenied = errors.New("zugriff auf cache verweigert")
)

// CachedModel repraesentiert ein gecachtes Modell
type CachedModel struct {
	ModelID   string
	CacheDir  string
	Revisions []string
	TotalSize int64
	FileCount int
}

// CacheInfo enthaelt Informationen ueber den gesamten Cache
type CacheInfo struct {
	CacheDir   string
	TotalSize  int64
	ModelCount int
	Models     []CachedModel
}

// Cache ist ein Hub-Cache-Verzeichnis
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) modelDir(modelID string) string {
	return filepath.Join(c.dir, modelIDToCacheDir(modelID))
}

func (c *Cache) blobPath(modelID, etag string) string {
	return filepath.Join(c.modelDir(modelID), CacheBlobDir, etag)
}

func (c *Cache) pointerPath(modelID, commit, filename string) string {
	return filepath.Join(c.modelDir(modelID), CacheSnapshotDir, commit, filepath.FromSlash(filename))
}

func (c *Cache) lockPath(modelID, etag string) string {
	return filepath.Join(c.dir, CacheLockDir, modelIDToCacheDir(modelID), etag+".lock")
}

// resolveRevision liest refs/<rev>; ohne Ref ist rev selbst der Snapshot-Name
func (c *Cache) resolveRevision(modelID, revision string) string {
	data, err := os.ReadFile(filepath.Join(c.modelDir(modelID), CacheRefDir, revision))
	if err != nil {
		return revision
	}
	if commit := strings.TrimSpace(string(data)); commit != "" {
		return commit
	}
	return revision
}

func (c *Cache) writeRef(modelID, revision, commit string) error {
	if revision == commit {
		return nil
	}
	refPath := filepath.Join(c.modelDir(modelID), CacheRefDir, revision)
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(refPath, []byte(commit), 0o644)
}

// GetCachedFile gibt den Pfad einer Datei der Revision zurueck, falls gecacht
func (c *Cache) GetCachedFile(modelID, filename, revision string) (string, bool) {
	if revision == "" {
		revision = DefaultRevision
	}
	path := c.pointerPath(modelID, c.resolveRevision(modelID, revision), filename)
	if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
		return path, true
	}
	return "", false
}

// Info gibt detaillierte Informationen ueber den Cache zurueck
func (c *Cache) Info() (*CacheInfo, error) {
	info := &CacheInfo{CacheDir: c.dir, Models: make([]CachedModel, 0)}
	entries, err := c.modelEntries()
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		modelPath := filepath.Join(c.dir, name)
		cached := CachedModel{ModelID: cacheDirToModelID(name), CacheDir: modelPath}
		if revisions, err := os.ReadDir(filepath.Join(modelPath, CacheSnapshotDir)); err == nil {
			for _, rev := range revisions {
				if rev.IsDir() {
					cached.Revisions = append(cached.Revisions, rev.Name())
				}
			}
		}
		// Nur Blobs zaehlen, Snapshots sind Links darauf
		cached.TotalSize, cached.FileCount = dirSizeAndCount(filepath.Join(modelPath, CacheBlobDir))
		info.Models = append(info.Models, cached)
		info.TotalSize += cached.TotalSize
		info.ModelCount++
	}
	return info, nil
}

// ListCachedModels gibt alle gecachten Model-IDs zurueck
func (c *Cache) ListCachedModels() ([]string, error) {
	entries, err := c.modelEntries()
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(entries))
	for _, name := range entries {
		models = append(models, cacheDirToModelID(name))
	}
	return models, nil
}

// ClearModelCache loescht den Cache fuer ein spezifisches Modell
func (c *Cache) ClearModelCache(modelID string) error {
	if err := validateModelID(modelID); err != nil {
		return err
	}
	modelPath := c.modelDir(modelID)
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrModelNotInCache, modelID)
	}
	if err := os.RemoveAll(modelPath); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(c.dir, CacheLockDir, modelIDToCacheDir(modelID)))
}

// ClearCache loescht alle Modelle im Cache. Fremde Dateien bleiben liegen.
func (c *Cache) ClearCache() error {
	entries, err := c.modelEntries()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, os.RemoveAll(filepath.Join(c.dir, CacheLockDir)))
	return errors.Join(errs...)
}

func (c *Cache) modelEntries() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrCacheAccessDenied
		}
		return nil, fmt.Errorf("cache lesen fehlgeschlagen: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), CacheModelPrefix) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func modelIDToCacheDir(modelID string) string {
	return CacheModelPrefix + strings.ReplaceAll(modelID, "/", "--")
}

func cacheDirToModelID(cacheDir string) string {
	return strings.Replace(strings.TrimPrefix(cacheDir, CacheModelPrefix), "--", "/", 1)
}

func dirSizeAndCount(path string) (int64, int) {
	var size int64
	var count int
	filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count
}
