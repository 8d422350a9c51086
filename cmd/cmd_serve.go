// cmd_serve.go - Serve Command
// Hauptfunktionen: RunServer
package cmd

import (
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/huggingface"
	"github.com/7blacky7/sdgen/server"
)

// RunServer - Laedt die Pipeline und startet den HTTP-Server
func RunServer(cmd *cobra.Command, _ []string) error {
	m, err := readModelOptions(cmd, nil)
	if err != nil {
		return err
	}
	logger := newLogger()

	// Port vor dem Laden der Gewichte belegen
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}
	defer ln.Close()

	pipe, cleanup, err := loadPipeline(cmd.Context(), m, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	history := openHistory(logger)
	if history != nil {
		defer history.Close()
	}

	srv := server.New(server.Config{
		Generator: pipe,
		Cache:     huggingface.NewCache(envconfig.Models()),
		History:   history,
		Logger:    logger,
	})
	err = srv.Serve(cmd.Context(), ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the sdgen HTTP server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	registerModelFlags(cmd)
	return cmd
}
