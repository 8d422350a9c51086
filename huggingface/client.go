// client.go - HuggingFace Hub Client
// Stellt einen HTTP-Client fuer den HuggingFace Hub bereit.
//
// Enthält:
//   - Client mit Functional Options (Token, Endpoint, Cache, Offline, Progress)
//   - Fehler-Definitionen fuer HTTP-Status und Offline-Betrieb
//   - fileMetadata: HEAD auf /resolve fuer Commit, ETag und Groesse
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vbauerster/mpb/v8"

	"github.com/7blacky7/sdgen/envconfig"
)

const (
	DefaultRevision  = "main"
	DefaultRetryMax  = 3
	ClientUserAgent  = "sdgen/1.0"
	headerRepoCommit = "X-Repo-Commit"
	headerLinkedETag = "X-Linked-Etag"
	headerLinkedSize = "X-Linked-Size"
)

// Fehler-Definitionen
var (
	ErrModelNotFound  = errors.New("modell oder datei nicht gefunden")
	ErrUnauthorized   = errors.New("authentifizierung fehlgeschlagen")
	ErrRateLimited    = errors.New("rate limit ueberschritten")
	ErrInvalidModelID = errors.New("ungueltige modell-id")
	ErrDownloadFailed = errors.New("download fehlgeschlagen")
	ErrOfflineMiss    = errors.New("offline und nicht im cache")
)

// Client ist der HuggingFace Hub Client. Er implementiert weights.Fetcher.
type Client struct {
	retry     *retryablehttp.Client
	http      *http.Client
	head      *http.Client
	baseURL   string
	token     string
	revision  string
	userAgent string
	offline   bool
	cache     *Cache
	progress  *mpb.Progress
	logger    *slog.Logger
}

// ClientOption ist eine Funktion zur Konfiguration des Clients
type ClientOption func(*Client)

// WithToken setzt den HuggingFace API Token
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithBaseURL setzt eine Custom Base-URL (Mirror oder Test-Server)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithCacheDir setzt das Hub-Cache-Verzeichnis
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) { c.cache = NewCache(dir) }
}

// WithRevision setzt Branch, Tag oder Commit
func WithRevision(rev string) ClientOption {
	return func(c *Client) {
		if rev != "" {
			c.revision = rev
		}
	}
}

// WithHTTPClient setzt den HTTP Client unter der Retry-Schicht
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.retry.HTTPClient = client }
}

// WithRetryMax setzt die maximale Anzahl Wiederholungen pro Request
func WithRetryMax(n int) ClientOption {
	return func(c *Client) {
		c.retry.RetryMax = n
		c.retry.RetryWaitMin = 10 * time.Millisecond
	}
}

// WithProgress zeigt Download-Balken im uebergebenen Container
func WithProgress(p *mpb.Progress) ClientOption {
	return func(c *Client) { c.progress = p }
}

// WithOffline verbietet Netzwerkzugriffe; nur der Cache wird gelesen
func WithOffline(offline bool) ClientOption {
	return func(c *Client) { c.offline = offline }
}

// WithLogger setzt den Logger fuer Client und Retry-Schicht
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient erstellt einen neuen Client. Defaults kommen aus envconfig.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		retry:     retryablehttp.NewClient(),
		baseURL:   envconfig.HFEndpoint(),
		token:     envconfig.HFToken(),
		revision:  DefaultRevision,
		userAgent: ClientUserAgent,
		offline:   envconfig.Offline(),
		cache:     NewCache(envconfig.Models()),
		logger:    slog.Default(),
	}
	c.retry.RetryMax = DefaultRetryMax
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("component", "huggingface")
	c.retry.Logger = c.logger
	// Nach den Retries die letzte Antwort liefern, damit statusError greift
	c.retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.http = c.retry.StandardClient()

	// HEAD folgt keinen Redirects: X-Repo-Commit und X-Linked-Etag stehen nur
	// in der ersten Antwort, das Ziel landet in fileMetadata.Location
	head := retryablehttp.NewClient()
	head.RetryMax = c.retry.RetryMax
	head.RetryWaitMin = c.retry.RetryWaitMin
	head.Logger = c.logger
	head.ErrorHandler = retryablehttp.PassthroughErrorHandler
	base := *c.retry.HTTPClient
	base.CheckRedirect = noRedirect
	head.HTTPClient = &base
	c.head = head.StandardClient()
	c.head.CheckRedirect = noRedirect
	return c
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Cache gibt den vom Client verwendeten Cache zurueck
func (c *Client) Cache() *Cache { return c.cache }

// BaseURL gibt die aktuelle Base-URL zurueck
func (c *Client) BaseURL() string { return c.baseURL }

// HasToken prueft ob ein Token konfiguriert ist
func (c *Client) HasToken() bool { return c.token != "" }

func (c *Client) resolveURL(repo, revision, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repo, revision, file)
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// fileMetadata beschreibt eine Datei im Repo laut HEAD-Antwort
type fileMetadata struct {
	Commit   string
	ETag     string
	Size     int64
	Location string
}

func (c *Client) fileMetadata(ctx context.Context, repo, file string) (*fileMetadata, error) {
	url := c.resolveURL(repo, c.revision, file)
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	// Kompression wuerde Content-Length verfaelschen
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.head.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, file, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", repo, file, err)
	}

	meta := &fileMetadata{
		Commit:   resp.Header.Get(headerRepoCommit),
		ETag:     normalizeETag(firstNonEmpty(resp.Header.Get(headerLinkedETag), resp.Header.Get("ETag"))),
		Location: url,
	}
	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		meta.Location = loc
		if resp.Request != nil {
			if u, err := resp.Request.URL.Parse(loc); err == nil {
				meta.Location = u.String()
			}
		}
	}
	if size := firstNonEmpty(resp.Header.Get(headerLinkedSize), resp.Header.Get("Content-Length")); size != "" {
		meta.Size, _ = strconv.ParseInt(size, 10, 64)
	}
	if meta.Commit == "" {
		meta.Commit = c.revision
	}
	if meta.ETag == "" {
		return nil, fmt.Errorf("%w: %s: server liefert keine ETag", ErrDownloadFailed, file)
	}
	return meta, nil
}

// statusError bildet HTTP-Status auf die Paket-Fehler ab
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrModelNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d - %s", ErrDownloadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func validateModelID(modelID string) error {
	if modelID == "" {
		return fmt.Errorf("%w: modell-id darf nicht leer sein", ErrInvalidModelID)
	}
	parts := strings.Split(modelID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: erwartet format 'owner/model', bekommen %q", ErrInvalidModelID, modelID)
	}
	return nil
}

func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
