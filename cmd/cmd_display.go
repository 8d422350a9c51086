// cmd_display.go - Terminal-Ausgabe
// Hauptfunktionen: newStepBar, displayImageInTerminal, sanitizeFilename, renderTable, humanBytes
package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// newStepBar - Fortschritt der Sampling-Schritte auf stderr. Die Laenge kommt
// mit dem ersten Callback.
func newStepBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

// sanitizeFilename removes characters that aren't safe for filenames.
func sanitizeFilename(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// displayImageInTerminal zeigt ein PNG inline an (iTerm2, WezTerm, Kitty,
// Ghostty). false, wenn das Terminal es nicht kann.
func displayImageInTerminal(imagePath string) bool {
	termProgram := os.Getenv("TERM_PROGRAM")
	kittyWindowID := os.Getenv("KITTY_WINDOW_ID")
	weztermPane := os.Getenv("WEZTERM_PANE")
	ghostty := os.Getenv("GHOSTTY_RESOURCES_DIR")

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return false
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	switch {
	case termProgram == "iTerm.app" || termProgram == "WezTerm" || weztermPane != "":
		// ESC ] 1337 ; File = [arguments] : base64 BEL
		fmt.Printf("\033]1337;File=inline=1;preserveAspectRatio=1:%s\a\n", encoded)
		return true

	case kittyWindowID != "" || ghostty != "" || termProgram == "ghostty":
		writeKittyImage(os.Stdout, encoded)
		return true

	default:
		return false
	}
}

// writeKittyImage - Kitty-Grafikprotokoll in 4096er Bloecken, m=1 solange
// weitere folgen
func writeKittyImage(w io.Writer, encoded string) {
	const chunkSize = 4096
	for i := 0; i < len(encoded); i += chunkSize {
		end := min(i+chunkSize, len(encoded))
		more := 1
		if end >= len(encoded) {
			more = 0
		}
		if i == 0 {
			fmt.Fprintf(w, "\033_Ga=T,f=100,m=%d;%s\033\\", more, encoded[i:end])
		} else {
			fmt.Fprintf(w, "\033_Gm=%d;%s\033\\", more, encoded[i:end])
		}
	}
	fmt.Fprintln(w)
}

// renderTable - Tabellen im Stil von "list"
func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}

// humanBytes formatiert Groessen mit Dezimal-Einheiten (1 KB = 1000 B)
func humanBytes(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	value := float64(b) / float64(div)
	if value < 10 {
		return fmt.Sprintf("%.1f %cB", value, "KMGTPE"[exp])
	}
	return fmt.Sprintf("%.0f %cB", value, "KMGTPE"[exp])
}
