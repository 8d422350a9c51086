// cmd_generate.go - Generate Command (lokal oder ueber einen Server)
// Hauptfunktionen: GenerateHandler, generateLocal, generateRemote
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/7blacky7/sdgen/api"
	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/imageutil"
	"github.com/7blacky7/sdgen/scheduler"
	"github.com/7blacky7/sdgen/store"
)

// defaultImg2ImgStrength gilt fuer --img2img ohne --img2img-strength
const defaultImg2ImgStrength = 0.8

// generateOptions - Parameter einer Generierung aus Flags und Profil
type generateOptions struct {
	Prompt            string
	UncondPrompt      string
	StylePrompt       *string
	UncondStylePrompt *string
	Width             int
	Height            int
	Steps             int
	GuidanceScale     *float64
	Image             string
	Strength          float64
	Seed              uint64
	NumSamples        int
	Output            string
	Remote            bool
	NoDisplay         bool
}

func readGenerateOptions(cmd *cobra.Command, args []string) (*generateOptions, *modelOptions, error) {
	flags := cmd.Flags()
	g := &generateOptions{}
	g.Prompt, _ = flags.GetString("prompt")
	if g.Prompt == "" && len(args) > 0 {
		g.Prompt = strings.Join(args, " ")
	}
	g.UncondPrompt, _ = flags.GetString("uncond-prompt")
	if flags.Changed("style-prompt") {
		s, _ := flags.GetString("style-prompt")
		g.StylePrompt = &s
	}
	if flags.Changed("uncond-style-prompt") {
		s, _ := flags.GetString("uncond-style-prompt")
		g.UncondStylePrompt = &s
	}
	g.Width, _ = flags.GetInt("width")
	g.Height, _ = flags.GetInt("height")
	g.Steps, _ = flags.GetInt("n-steps")
	if flags.Changed("guidance-scale") {
		gs, _ := flags.GetFloat64("guidance-scale")
		g.GuidanceScale = &gs
	}
	g.Image, _ = flags.GetString("img2img")
	g.Strength, _ = flags.GetFloat64("img2img-strength")
	g.Seed, _ = flags.GetUint64("seed")
	g.NumSamples, _ = flags.GetInt("num-samples")
	g.Output, _ = flags.GetString("output")
	g.Remote, _ = flags.GetBool("remote")
	g.NoDisplay, _ = flags.GetBool("no-display")

	m, err := readModelOptions(cmd, g)
	if err != nil {
		return nil, nil, err
	}
	if g.Prompt == "" {
		return nil, nil, errors.New("a prompt is required (--prompt or argument)")
	}
	if g.NumSamples < 1 {
		return nil, nil, fmt.Errorf("--num-samples must be at least 1, got %d", g.NumSamples)
	}
	return g, m, nil
}

// parameters - GenerationParameters ohne Seed und Fortschritt
func (g *generateOptions) parameters() (diffusion.GenerationParameters, error) {
	gp := diffusion.NewGenerationParameters(g.Prompt).WithUncondPrompt(g.UncondPrompt)
	if g.StylePrompt != nil {
		gp = gp.WithStylePrompt(*g.StylePrompt)
	}
	if g.UncondStylePrompt != nil {
		gp = gp.WithUncondStylePrompt(*g.UncondStylePrompt)
	}
	if g.Width > 0 {
		gp = gp.WithWidth(g.Width)
	}
	if g.Height > 0 {
		gp = gp.WithHeight(g.Height)
	}
	if g.Steps > 0 {
		gp = gp.WithSteps(g.Steps)
	}
	if g.GuidanceScale != nil {
		gp = gp.WithGuidanceScale(*g.GuidanceScale)
	}
	if g.Image != "" {
		img, err := imageutil.Load(g.Image)
		if err != nil {
			return gp, err
		}
		src, err := imageutil.PrepareSource(img)
		if err != nil {
			return gp, fmt.Errorf("%s: %w", g.Image, err)
		}
		gp = gp.WithImage(src).WithStrength(g.Strength)
	}
	return gp, nil
}

// seed - 0 bedeutet zufaellig, Sample i nutzt seed+i
func (g *generateOptions) seed() uint64 {
	if g.Seed != 0 {
		return g.Seed
	}
	return rand.Uint64N(math.MaxUint32) + 1
}

// outputPath - Ohne --output wird der Name aus dem Prompt gebildet
func (g *generateOptions) outputPath(now time.Time) string {
	if g.Output != "" {
		return g.Output
	}
	safeName := sanitizeFilename(g.Prompt)
	if len(safeName) > 50 {
		safeName = safeName[:50]
	}
	if safeName == "" {
		safeName = "sdgen"
	}
	return fmt.Sprintf("%s-%s.png", safeName, now.Format("20060102-150405"))
}

// GenerateHandler - Fuehrt eine Generierung aus
func GenerateHandler(cmd *cobra.Command, args []string) error {
	g, m, err := readGenerateOptions(cmd, args)
	if err != nil {
		return err
	}
	logger := newLogger()
	if g.Remote {
		return generateRemote(cmd, g, m)
	}
	return generateLocal(cmd, g, m, logger)
}

func generateLocal(cmd *cobra.Command, g *generateOptions, m *modelOptions, logger *slog.Logger) error {
	ctx := cmd.Context()
	gp, err := g.parameters()
	if err != nil {
		return err
	}

	pipe, cleanup, err := loadPipeline(ctx, m, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	history := openHistory(logger)
	if history != nil {
		defer history.Close()
	}

	v := pipe.Version()
	seed := g.seed()
	output := g.outputPath(time.Now())
	for i := range g.NumSamples {
		bar := newStepBar(fmt.Sprintf("sample %d/%d", i+1, g.NumSamples))
		p := gp.WithSeed(seed + uint64(i)).WithProgress(func(step, total int) {
			bar.ChangeMax(total)
			bar.Set(step)
		})

		start := time.Now()
		img, err := pipe.Generate(ctx, p)
		bar.Finish()
		if err != nil {
			return err
		}

		path := imageutil.SamplePath(output, i, g.NumSamples)
		if err := imageutil.SavePNG(path, img); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Image saved to: %s (seed %d)\n", path, seed+uint64(i))
		if !g.NoDisplay && isTerminal() {
			displayImageInTerminal(path)
		}

		if history != nil {
			e := g.entry(v, m, img.Bounds().Dx(), img.Bounds().Dy(), seed+uint64(i))
			e.Output = path
			e.Duration = time.Since(start)
			if _, err := history.Record(ctx, e); err != nil {
				logger.Warn("failed to record generation", "error", err)
			}
		}
	}
	return nil
}

// entry - Verlaufseintrag mit aufgeloesten Defaults
func (g *generateOptions) entry(v diffusion.Version, m *modelOptions, width, height int, seed uint64) store.Entry {
	e := store.Entry{
		Version:      v.String(),
		Prompt:       g.Prompt,
		UncondPrompt: g.UncondPrompt,
		Width:        width,
		Height:       height,
		Steps:        v.DefaultSteps(),
		Guidance:     v.DefaultGuidanceScale(),
		Seed:         seed,
		Scheduler:    v.SchedulerConfig().Kind.String(),
	}
	if kind, err := scheduler.ParseKind(m.Scheduler); err == nil {
		e.Scheduler = kind.String()
	}
	if g.Steps > 0 {
		e.Steps = g.Steps
	}
	if g.GuidanceScale != nil {
		e.Guidance = *g.GuidanceScale
	}
	if g.Image != "" {
		s := g.Strength
		e.Strength = &s
	}
	return e
}

// openHistory - nil wenn SD_HISTORY=off oder die Datenbank nicht aufgeht
func openHistory(logger *slog.Logger) *store.Store {
	path := envconfig.HistoryPath()
	if path == "" {
		return nil
	}
	st, err := store.Open(path)
	if err != nil {
		logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return st
}

func generateRemote(cmd *cobra.Command, g *generateOptions, m *modelOptions) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req := &api.GenerateRequest{
		Prompt:            g.Prompt,
		UncondPrompt:      g.UncondPrompt,
		StylePrompt:       g.StylePrompt,
		UncondStylePrompt: g.UncondStylePrompt,
		Width:             g.Width,
		Height:            g.Height,
		Steps:             g.Steps,
		GuidanceScale:     g.GuidanceScale,
		Seed:              g.Seed,
		NumSamples:        g.NumSamples,
	}
	if g.Image != "" {
		data, err := os.ReadFile(g.Image)
		if err != nil {
			return err
		}
		req.Image = data
		req.Strength = &g.Strength
	}
	if cmd.Flags().Changed("sd-version") {
		fmt.Fprintf(os.Stderr, "Remote generation uses the server's model, ignoring --sd-version %s\n", m.Version)
	}

	var bar *progressbar.ProgressBar
	var final api.GenerateResponse
	err = client.Generate(cmd.Context(), req, func(r api.GenerateResponse) error {
		if r.Done {
			final = r
			return nil
		}
		if bar == nil || r.Completed == 1 {
			if bar != nil {
				bar.Finish()
			}
			bar = newStepBar(fmt.Sprintf("sample %d/%d", r.Sample+1, g.NumSamples))
		}
		bar.ChangeMax(r.Total)
		bar.Set(r.Completed)
		return nil
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	output := g.outputPath(time.Now())
	for i, data := range final.Images {
		path := imageutil.SamplePath(output, i, len(final.Images))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to save image: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Image saved to: %s (seed %d)\n", path, final.Seed+uint64(i))
		if !g.NoDisplay && isTerminal() {
			displayImageInTerminal(path)
		}
	}
	final.Summary()
	return nil
}

// newGenerateCmd - Erstellt den generate Command
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generate [PROMPT]",
		Aliases: []string{"gen"},
		Short:   "Generate images from a text prompt",
		RunE:    GenerateHandler,
	}

	cmd.Flags().String("prompt", "", "The prompt to be used for image generation")
	cmd.Flags().String("uncond-prompt", "", "Negative prompt")
	cmd.Flags().String("style-prompt", "", "Prompt for the second text encoder (xl, turbo; default: --prompt)")
	cmd.Flags().String("uncond-style-prompt", "", "Negative prompt for the second text encoder (default: empty)")
	cmd.Flags().Int("width", 0, "Image width (0 = version default)")
	cmd.Flags().Int("height", 0, "Image height (0 = version default)")
	cmd.Flags().Int("n-steps", 0, "Number of sampling steps (0 = version default)")
	cmd.Flags().Float64("guidance-scale", 0, "Classifier-free guidance scale (default: version default)")
	cmd.Flags().String("img2img", "", "Start from this image instead of pure noise")
	cmd.Flags().Float64("img2img-strength", defaultImg2ImgStrength, "How much of the schedule to run on the input image (0..1)")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 for random)")
	cmd.Flags().Int("num-samples", 1, "Number of images to generate")
	cmd.Flags().StringP("output", "o", "", "Output file (default: derived from the prompt)")
	cmd.Flags().Bool("remote", false, "Generate on the server at SD_HOST")
	cmd.Flags().Bool("no-display", false, "Do not show the image inline in the terminal")
	registerModelFlags(cmd)

	return cmd
}
