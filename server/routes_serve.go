// Package server - Server-Start und Shutdown
// Beinhaltet: Serve mit Signal-Behandlung
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/version"
)

// shutdownTimeout wartet auf laufende Generierungen
const shutdownTimeout = 30 * time.Second

// Serve bedient ln bis ctx endet oder SIGINT/SIGTERM eintrifft
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr()
	s.logger.Info("server config", "env", envconfig.Values())

	srvr := &http.Server{Handler: s.GenerateRoutes()}

	// listen for a ctrl+c
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srvr.Serve(ln)
	}()

	s.logger.Info("listening", "addr", ln.Addr(), "version", version.Version)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srvr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
