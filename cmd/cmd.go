// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, newLogger
package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/7blacky7/sdgen/api"
	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/logutil"
	"github.com/7blacky7/sdgen/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// newLogger - Logger nach SD_DEBUG, wird auch Default-Logger
func newLogger() *slog.Logger {
	logger := logutil.NewLogger(os.Stderr, envconfig.LogLevel())
	slog.SetDefault(logger)
	return logger
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "sdgen",
		Short:         "Stable Diffusion image generator",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	generateCmd := newGenerateCmd()
	pullCmd := newPullCmd()
	cacheCmd := newCacheCmd()
	historyCmd := newHistoryCmd()
	serveCmd := newServeCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	hub := []envconfig.EnvVar{envVars["SD_MODELS"], envVars["HF_ENDPOINT"], envVars["HF_TOKEN"], envVars["SD_OFFLINE"]}
	runtimeVars := []envconfig.EnvVar{envVars["SD_DEBUG"], envVars["SD_ORT_LIBRARY"], envVars["SD_NUM_THREADS"], envVars["SD_USE_GPU"]}

	for _, cmd := range []*cobra.Command{generateCmd, pullCmd, cacheCmd, historyCmd, serveCmd} {
		switch cmd {
		case generateCmd:
			appendEnvDocs(cmd, append(append([]envconfig.EnvVar{envVars["SD_HOST"], envVars["SD_HISTORY"]}, hub...), runtimeVars...))
		case pullCmd:
			appendEnvDocs(cmd, hub)
		case cacheCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["SD_MODELS"]})
		case historyCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["SD_HOST"], envVars["SD_HISTORY"]})
		case serveCmd:
			appendEnvDocs(cmd, append(append([]envconfig.EnvVar{
				envVars["SD_HOST"],
				envVars["SD_MAX_QUEUE"],
				envVars["SD_ORIGINS"],
				envVars["SD_HISTORY"],
			}, hub...), runtimeVars...))
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		generateCmd,
		pullCmd,
		cacheCmd,
		historyCmd,
	)

	return rootCmd
}

// versionHandler - Zeigt Client- und Server-Version an
func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running sdgen server")
	}

	if serverVersion != "" {
		fmt.Printf("sdgen server version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}
