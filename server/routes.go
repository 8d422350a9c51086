// Package server - Haupt-Router und Server-Setup fuer sdgen
// Beinhaltet: Server-Struct, Generator-Interface, Router-Registrierung, Host-Middleware
package server

import (
	"context"
	"image"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/huggingface"
	"github.com/7blacky7/sdgen/store"
	"github.com/7blacky7/sdgen/version"
)

var mode string = gin.DebugMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// Generator ist der Teil der Pipeline, den der Server braucht.
// *diffusion.Pipeline erfuellt es.
type Generator interface {
	Generate(ctx context.Context, gp diffusion.GenerationParameters) (*image.RGBA, error)
	Version() diffusion.Version
}

// Config beschreibt einen Server. Cache und History duerfen nil sein.
type Config struct {
	Generator Generator
	Cache     *huggingface.Cache
	History   *store.Store
	Logger    *slog.Logger
	// MaxQueue begrenzt laufende und wartende Requests (0 = SD_MAX_QUEUE)
	MaxQueue int
}

// Server bedient eine Pipeline. Generierungen laufen nacheinander.
type Server struct {
	addr    net.Addr
	gen     Generator
	cache   *huggingface.Cache
	history *store.Store
	logger  *slog.Logger

	sem      *semaphore.Weighted
	pending  atomic.Int64
	maxQueue int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxQueue := int64(cfg.MaxQueue)
	if maxQueue <= 0 {
		maxQueue = int64(envconfig.MaxQueue())
	}
	return &Server{
		gen:      cfg.Generator,
		cache:    cfg.Cache,
		history:  cfg.History,
		logger:   logger,
		sem:      semaphore.NewWeighted(1),
		maxQueue: maxQueue,
	}
}

// isLocalIP prueft ob die IP-Adresse zu einem lokalen Interface gehoert
func isLocalIP(ip netip.Addr) bool {
	if interfaces, err := net.Interfaces(); err == nil {
		for _, iface := range interfaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			for _, a := range addrs {
				if parsed, _, err := net.ParseCIDR(a.String()); err == nil {
					if parsed.String() == ip.String() {
						return true
					}
				}
			}
		}
	}

	return false
}

// allowedHost prueft ob der Host erlaubt ist
func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	// Pruefe ob der Host eine lokale TLD hat
	for _, tld := range []string{"localhost", "local", "internal"} {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}

	return false
}

// allowedHostsMiddleware blockiert Anfragen von nicht erlaubten Hosts,
// solange der Server nur auf Loopback lauscht
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || isLocalIP(addr) {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.Use(gin.Recovery())
	if mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "sdgen is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "sdgen is running") })
	r.HEAD("/api/version", s.VersionHandler)
	r.GET("/api/version", s.VersionHandler)

	r.HEAD("/api/tags", s.ListHandler)
	r.GET("/api/tags", s.ListHandler)
	r.GET("/api/history", s.HistoryHandler)

	r.POST("/api/generate", s.GenerateHandler)

	return r
}

// VersionHandler liefert die Server-Version und die geladene Modellversion
func (s *Server) VersionHandler(c *gin.Context) {
	resp := gin.H{"version": version.Version}
	if s.gen != nil {
		resp["model"] = s.gen.Version().String()
	}
	c.JSON(http.StatusOK, resp)
}
