// cmd_history.go - History Command
// Hauptfunktionen: HistoryHandler, historyRows
package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/7blacky7/sdgen/api"
	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/store"
)

// HistoryHandler - Zeigt die letzten Generierungen (lokal oder vom Server)
func HistoryHandler(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	remote, _ := cmd.Flags().GetBool("remote")

	var entries []api.HistoryEntry
	if remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}
		hr, err := client.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		entries = hr.Entries
	} else {
		path := envconfig.HistoryPath()
		if path == "" {
			return errors.New("history is disabled (SD_HISTORY=off)")
		}
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		for _, e := range list {
			entries = append(entries, api.HistoryEntry{
				ID:        e.ID,
				CreatedAt: e.CreatedAt,
				Version:   e.Version,
				Prompt:    e.Prompt,
				Width:     e.Width,
				Height:    e.Height,
				Steps:     e.Steps,
				Guidance:  e.Guidance,
				Seed:      e.Seed,
				Strength:  e.Strength,
				Duration:  e.Duration,
			})
		}
	}

	renderTable(cmd.OutOrStdout(), []string{"ID", "CREATED", "VERSION", "SIZE", "STEPS", "GUIDANCE", "SEED", "DURATION", "PROMPT"}, historyRows(entries))
	return nil
}

func historyRows(entries []api.HistoryEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		prompt := e.Prompt
		if len(prompt) > 40 {
			prompt = prompt[:37] + "..."
		}
		if e.Strength != nil {
			prompt = fmt.Sprintf("[img2img %.2f] %s", *e.Strength, prompt)
		}
		id := e.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			id,
			e.CreatedAt.Local().Format(time.DateTime),
			e.Version,
			fmt.Sprintf("%dx%d", e.Width, e.Height),
			strconv.Itoa(e.Steps),
			strconv.FormatFloat(e.Guidance, 'g', -1, 64),
			strconv.FormatUint(e.Seed, 10),
			e.Duration.Round(time.Millisecond).String(),
			prompt,
		})
	}
	return rows
}

// newHistoryCmd - Erstellt den history Command
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent generations",
		Args:  cobra.ExactArgs(0),
		RunE:  HistoryHandler,
	}
	cmd.Flags().IntP("limit", "n", 20, "Number of entries (0 = all)")
	cmd.Flags().Bool("remote", false, "Show the history of the server at SD_HOST")
	return cmd
}
