// cmd_cache.go - Pull und Cache Commands
// Hauptfunktionen: PullHandler, CacheListHandler, CacheClearHandler
package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/huggingface"
	"github.com/7blacky7/sdgen/weights"
)

// PullHandler - Laedt alle Gewichte einer Version in den Cache
func PullHandler(cmd *cobra.Command, _ []string) error {
	m, err := readModelOptions(cmd, nil)
	if err != nil {
		return err
	}
	logger := newLogger()

	hf, progress := newHubClient(logger)
	paths, err := fetchWeights(cmd.Context(), m, hf, logger)
	progress.Wait()
	if err != nil {
		return err
	}

	var data [][]string
	for _, role := range weights.Roles {
		if path, ok := paths[role]; ok {
			data = append(data, []string{role.String(), path})
		}
	}
	renderTable(cmd.OutOrStdout(), []string{"ROLE", "PATH"}, data)
	return nil
}

// CacheListHandler - Listet die Modelle im Hub-Cache
func CacheListHandler(cmd *cobra.Command, args []string) error {
	cache := huggingface.NewCache(envconfig.Models())
	info, err := cache.Info()
	if err != nil {
		return err
	}

	models := info.Models
	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })

	var data [][]string
	for _, m := range models {
		if len(args) > 0 && !strings.HasPrefix(strings.ToLower(m.ModelID), strings.ToLower(args[0])) {
			continue
		}
		data = append(data, []string{m.ModelID, humanBytes(m.TotalSize), strconv.Itoa(m.FileCount), strconv.Itoa(len(m.Revisions))})
	}
	renderTable(cmd.OutOrStdout(), []string{"NAME", "SIZE", "FILES", "REVISIONS"}, data)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s in %s\n", humanBytes(info.TotalSize), info.CacheDir)
	return nil
}

// CacheClearHandler - Loescht ein Modell oder mit --all den ganzen Cache
func CacheClearHandler(cmd *cobra.Command, args []string) error {
	cache := huggingface.NewCache(envconfig.Models())
	all, _ := cmd.Flags().GetBool("all")

	switch {
	case all && len(args) > 0:
		return errors.New("--all and a model name are mutually exclusive")
	case all:
		if err := cache.ClearCache(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "cleared %s\n", cache.Dir())
	case len(args) == 1:
		if err := cache.ClearModelCache(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "deleted '%s'\n", args[0])
	default:
		return errors.New("specify a model or --all")
	}
	return nil
}

// newPullCmd - Erstellt den pull Command
func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download the weights of a Stable Diffusion version",
		Args:  cobra.ExactArgs(0),
		RunE:  PullHandler,
	}
	registerModelFlags(cmd)
	return cmd
}

// newCacheCmd - Erstellt den cache Command mit list und clear
func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clean the weight cache",
	}

	listCmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List cached models",
		Args:    cobra.MaximumNArgs(1),
		RunE:    CacheListHandler,
	}

	clearCmd := &cobra.Command{
		Use:     "clear [MODEL]",
		Aliases: []string{"rm"},
		Short:   "Remove a cached model",
		Args:    cobra.MaximumNArgs(1),
		RunE:    CacheClearHandler,
	}
	clearCmd.Flags().Bool("all", false, "Remove every cached model")

	cacheCmd.AddCommand(listCmd, clearCmd)
	return cacheCmd
}
