// download.go - Fetch einzelner Dateien in den Hub-Cache
//
// Enthält:
//   - Fetch: Cache-Treffer, Offline-Modus, HEAD, Blob-Download, Snapshot-Link
//   - lockBlob: prozessuebergreifende Sperre pro Blob (flock + Backoff)
//   - downloadBlob: Download nach .incomplete mit Resume und Fortschrittsbalken
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// LockTimeout begrenzt das Warten auf einen fremden Download desselben Blobs
const LockTimeout = 30 * time.Minute

var errLockHeld = errors.New("blob wird von einem anderen prozess geladen")

// Fetch liefert den lokalen Pfad von file aus repo. Gecachte Dateien werden
// ohne Netzwerkzugriff zurueckgegeben.
func (c *Client) Fetch(ctx context.Context, repo, file string) (string, error) {
	if err := validateModelID(repo); err != nil {
		return "", err
	}
	if file == "" {
		return "", fmt.Errorf("%w: dateiname darf nicht leer sein", ErrModelNotFound)
	}

	if path, ok := c.cache.GetCachedFile(repo, file, c.revision); ok {
		c.logger.Debug("cache hit", "repo", repo, "file", file)
		return path, nil
	}
	if c.offline {
		return "", fmt.Errorf("%w: %s/%s", ErrOfflineMiss, repo, file)
	}

	meta, err := c.fileMetadata(ctx, repo, file)
	if err != nil {
		return "", err
	}
	if err := c.cache.writeRef(repo, c.revision, meta.Commit); err != nil {
		return "", fmt.Errorf("ref schreiben fehlgeschlagen: %w", err)
	}

	blobPath := c.cache.blobPath(repo, meta.ETag)
	pointerPath := c.cache.pointerPath(repo, meta.Commit, file)
	if _, err := os.Stat(pointerPath); err == nil {
		return pointerPath, nil
	}
	if _, err := os.Stat(blobPath); err == nil {
		return pointerPath, linkPointer(blobPath, pointerPath)
	}

	unlock, err := c.lockBlob(ctx, repo, meta.ETag)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Ein anderer Prozess kann den Blob waehrend des Wartens fertiggestellt haben
	if _, err := os.Stat(blobPath); err != nil {
		c.logger.Info("downloading", "repo", repo, "file", file, "size", meta.Size)
		if err := c.downloadBlob(ctx, meta, blobPath, file); err != nil {
			return "", fmt.Errorf("%s/%s: %w", repo, file, err)
		}
	}
	return pointerPath, linkPointer(blobPath, pointerPath)
}

func (c *Client) lockBlob(ctx context.Context, repo, etag string) (func(), error) {
	lockPath := c.cache.lockPath(repo, etag)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("lock-verzeichnis erstellen fehlgeschlagen: %w", err)
	}
	lock := flock.New(lockPath)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = LockTimeout

	waiting := false
	err := backoff.Retry(func() error {
		locked, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			if !waiting {
				c.logger.Info("waiting for concurrent download", "lock", lockPath)
				waiting = true
			}
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return func() { lock.Unlock() }, nil
}

func (c *Client) downloadBlob(ctx context.Context, meta *fileMetadata, blobPath, displayName string) error {
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return err
	}
	tmpPath := blobPath + ".incomplete"

	var resumeSize int64
	if stat, err := os.Stat(tmpPath); err == nil {
		resumeSize = stat.Size()
	}

	req, err := c.newRequest(ctx, http.MethodGet, meta.Location)
	if err != nil {
		return err
	}
	if resumeSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeSize))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeSize > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		// Server ignoriert Range, von vorn beginnen
		resumeSize = 0
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	var body io.Reader = resp.Body
	var bar *mpb.Bar
	if c.progress != nil {
		bar = c.addBar(displayName, meta.Size, resumeSize)
		proxy := bar.ProxyReader(resp.Body)
		defer proxy.Close()
		body = proxy
	}

	written, err := io.Copy(out, body)
	if err != nil {
		if bar != nil {
			bar.Abort(false)
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if bar != nil && meta.Size <= 0 {
		bar.SetTotal(-1, true)
	}
	if meta.Size > 0 && resumeSize+written != meta.Size {
		if bar != nil {
			bar.Abort(false)
		}
		return fmt.Errorf("%w: erwartet %d Bytes, bekommen %d", ErrDownloadFailed, meta.Size, resumeSize+written)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, blobPath)
}

func (c *Client) addBar(name string, size, current int64) *mpb.Bar {
	bar := c.progress.AddBar(size,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(filepath.Base(name), decor.WC{W: 32, C: decor.DindentRight}),
			decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
		),
	)
	if current > 0 {
		bar.SetCurrent(current)
	}
	return bar
}

// linkPointer legt snapshots/<commit>/<datei> als relativen Link auf den Blob an.
// Ohne Symlink-Unterstuetzung wird der Blob kopiert.
func linkPointer(blobPath, pointerPath string) error {
	if err := os.MkdirAll(filepath.Dir(pointerPath), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(pointerPath); err == nil {
		return nil
	}
	rel, err := filepath.Rel(filepath.Dir(pointerPath), blobPath)
	if err == nil {
		if err = os.Symlink(rel, pointerPath); err == nil {
			return nil
		}
	}
	return copyFile(blobPath, pointerPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
