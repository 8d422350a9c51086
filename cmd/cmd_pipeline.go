// cmd_pipeline.go - Modell-Flags und Pipeline-Aufbau
// Hauptfunktionen: registerModelFlags, readModelOptions, loadPipeline, fetchWeights
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/huggingface"
	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/onnx"
	"github.com/7blacky7/sdgen/scheduler"
	"github.com/7blacky7/sdgen/tokenizer"
	"github.com/7blacky7/sdgen/weights"
)

// backendONNX ist derzeit das einzige Operator-Backend
const backendONNX = "onnx"

// weightFlags - Flag je Gewichtsrolle, Werte sind lokale Dateien
var weightFlags = map[weights.Role]string{
	weights.Denoiser:    "unet-weights",
	weights.Autoencoder: "vae-weights",
	weights.Encoder:     "clip-weights",
	weights.Encoder2:    "clip2-weights",
	weights.Tokenizer:   "tokenizer",
	weights.Tokenizer2:  "tokenizer-2",
}

// modelOptions - alles, was den Aufbau der Pipeline bestimmt
type modelOptions struct {
	Version     string
	Repository  string
	DType       string
	Scheduler   string
	Backend     string
	CPU         bool
	Truncate    bool
	CheckFinite bool
	Weights     map[weights.Role]string
}

// registerModelFlags - Flags fuer generate, pull und serve
func registerModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("sd-version", diffusion.V2_1.String(), "Stable Diffusion version (v1-5, v2-1, xl, turbo)")
	cmd.Flags().String("repository", "", "Hub repository or local directory with the ONNX export (default: known export of xl and turbo)")
	cmd.Flags().String("dtype", "f32", "Weight precision (f32, f16, bf16)")
	cmd.Flags().String("scheduler", "", "Override the version's scheduler (ddim, euler)")
	cmd.Flags().String("backend", backendONNX, "Operator backend")
	cmd.Flags().Bool("cpu", false, "Run on the CPU even if SD_USE_GPU is set")
	cmd.Flags().Bool("truncate", false, "Truncate prompts longer than the tokenizer context")
	cmd.Flags().Bool("check-finite", false, "Abort when latents contain NaN or Inf")
	cmd.Flags().String("config", "", "YAML profile with default settings")
	cmd.Flags().String(weightFlags[weights.Denoiser], "", "Local UNet weights")
	cmd.Flags().String(weightFlags[weights.Autoencoder], "", "Local VAE weights")
	cmd.Flags().String(weightFlags[weights.Encoder], "", "Local CLIP text encoder weights")
	cmd.Flags().String(weightFlags[weights.Encoder2], "", "Local second CLIP text encoder weights (xl, turbo)")
	cmd.Flags().String(weightFlags[weights.Tokenizer], "", "Local tokenizer.json")
	cmd.Flags().String(weightFlags[weights.Tokenizer2], "", "Local tokenizer.json for the second encoder (xl, turbo)")
}

// readModelOptions - Liest die Modell-Flags und optional das Profil
func readModelOptions(cmd *cobra.Command, g *generateOptions) (*modelOptions, error) {
	flags := cmd.Flags()
	m := &modelOptions{Weights: map[weights.Role]string{}}
	m.Version, _ = flags.GetString("sd-version")
	m.Repository, _ = flags.GetString("repository")
	m.DType, _ = flags.GetString("dtype")
	m.Scheduler, _ = flags.GetString("scheduler")
	m.Backend, _ = flags.GetString("backend")
	m.CPU, _ = flags.GetBool("cpu")
	m.Truncate, _ = flags.GetBool("truncate")
	m.CheckFinite, _ = flags.GetBool("check-finite")
	for role, name := range weightFlags {
		if path, _ := flags.GetString(name); path != "" {
			m.Weights[role] = path
		}
	}

	if path, _ := flags.GetString("config"); path != "" {
		p, err := loadProfile(path)
		if err != nil {
			return nil, err
		}
		p.apply(m, g, flags.Changed)
	}

	if m.Backend != backendONNX {
		return nil, fmt.Errorf("unknown backend %q, supported: %s", m.Backend, backendONNX)
	}
	return m, nil
}

func (m *modelOptions) version() (diffusion.Version, error) {
	return diffusion.ParseVersion(m.Version)
}

// weightSet - ONNX-Layout der Version, lokale Dateien ersetzen einzelne Rollen
func (m *modelOptions) weightSet(v diffusion.Version) (*weights.WeightSet, error) {
	ws, err := onnx.WeightSet(v, m.Repository)
	if err != nil {
		return nil, err
	}
	for role, path := range m.Weights {
		ws = ws.With(role, weights.LocalFile(path))
	}
	return ws, nil
}

// repository - Repo des ONNX-Exports; nur nach erfolgreichem weightSet aufrufen
func (m *modelOptions) repository(v diffusion.Version) string {
	repo, _ := onnx.Repository(v, m.Repository)
	return repo
}

// newHubClient - Hub-Client mit mpb-Fortschritt auf stderr
func newHubClient(logger *slog.Logger) (*huggingface.Client, *mpb.Progress) {
	progress := mpb.New(mpb.WithOutput(os.Stderr))
	return huggingface.NewClient(huggingface.WithProgress(progress), huggingface.WithLogger(logger)), progress
}

// fetchCompanions laedt optionale Dateien des ONNX-Exports. Fehlt eine, geht
// es ohne weiter (z.B. kein VAE-Encoder: dann kein img2img).
func fetchCompanions(ctx context.Context, hf weights.Fetcher, v diffusion.Version, repo string, logger *slog.Logger) {
	for _, file := range onnx.CompanionFiles(v) {
		if _, err := hf.Fetch(ctx, repo, file); err != nil {
			logger.Debug("optional file not available", "repo", repo, "file", file, "error", err)
		}
	}
}

// fetchWeights laedt alle Dateien einer Version in den Cache
func fetchWeights(ctx context.Context, m *modelOptions, hf weights.Fetcher, logger *slog.Logger) (map[weights.Role]string, error) {
	v, err := m.version()
	if err != nil {
		return nil, err
	}
	ws, err := m.weightSet(v)
	if err != nil {
		return nil, err
	}
	paths, err := ws.FetchAll(ctx, hf)
	if err != nil {
		return nil, err
	}
	fetchCompanions(ctx, hf, v, m.repository(v), logger)
	return paths, nil
}

// loadPipeline baut die Pipeline. cleanup gibt die Runtime-Sessions frei.
func loadPipeline(ctx context.Context, m *modelOptions, logger *slog.Logger) (pipe *diffusion.Pipeline, cleanup func(), err error) {
	v, err := m.version()
	if err != nil {
		return nil, nil, err
	}
	dtype, err := ml.ParseDType(m.DType)
	if err != nil {
		return nil, nil, err
	}

	ws, err := m.weightSet(v)
	if err != nil {
		return nil, nil, err
	}

	params := diffusion.Parameters{
		Version:     v,
		Weights:     ws,
		DType:       dtype,
		Logger:      logger,
		CheckFinite: m.CheckFinite,
	}
	if m.Scheduler != "" {
		kind, err := scheduler.ParseKind(m.Scheduler)
		if err != nil {
			return nil, nil, err
		}
		params.Scheduler = &kind
	}
	if m.Truncate {
		params.TokenizerOptions = append(params.TokenizerOptions, tokenizer.WithTruncation())
	}

	hf, progress := newHubClient(logger)
	params.Fetcher = hf
	fetchCompanions(ctx, hf, v, m.repository(v), logger)

	opts := onnx.DefaultOptions()
	if m.CPU {
		opts.UseGPU = false
	}
	backend, err := onnx.NewBackend(opts)
	if err != nil {
		progress.Wait()
		return nil, nil, err
	}
	params.Backend = backend

	pipe, err = diffusion.New(ctx, params)
	progress.Wait()
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return pipe, func() { backend.Close() }, nil
}
