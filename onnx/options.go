// MODUL: onnx/options
// ZWECK: Optionen, Tensor-Namen und Dateilayout des ONNX-Backends
// INPUT: Modell-Pfade (Datei oder Verzeichnis), Environment
// OUTPUT: Options, aufgeloeste .onnx-Pfade, Gewichtssatz im ONNX-Layout
// ABHAENGIGKEITEN: envconfig, diffusion, weights
// HINWEISE: Ohne Build-Tag, damit Pfadlogik auch ohne CGO testbar ist

package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/envconfig"
	"github.com/7blacky7/sdgen/weights"
)

// DefaultModelFile ist der Dateiname in einem Modell-Verzeichnis
const DefaultModelFile = "model.onnx"

var (
	ErrModelPath     = errors.New("onnx: kein modell gefunden")
	ErrSessionCreate = errors.New("onnx: session erstellen fehlgeschlagen")
	ErrInference     = errors.New("onnx: inference fehlgeschlagen")
	ErrNoEncoder     = errors.New("onnx: kein vae encoder vorhanden")
	ErrUnsupported   = errors.New("onnx: datentyp nicht unterstuetzt")
	ErrNoExport      = errors.New("onnx: kein bekannter onnx-export")
)

// exportRepositories sind Hub-Repos mit ONNX-Export im Diffusers-Layout
// (unet/, text_encoder/, vae_decoder/). Die Repos von v1-5 und v2-1 haben
// nur PyTorch- und safetensors-Gewichte.
var exportRepositories = map[diffusion.Version]string{
	diffusion.XL:    "stabilityai/stable-diffusion-xl-base-1.0",
	diffusion.Turbo: "onnxruntime/sdxl-turbo",
}

// Names sind die Tensor-Namen der exportierten Modelle
type Names struct {
	// Text-Encoder
	InputIDs     string
	HiddenStates string
	PooledOutput string // optional, nur CLIPTextModelWithProjection

	// UNet
	Sample         string
	Timestep       string
	EncoderHidden  string
	TextEmbeds     string // nur XL-Exporte
	TimeIDs        string // nur XL-Exporte
	NoisePredicted string

	// VAE
	EncoderInput  string
	LatentMoments string
	LatentSample  string
	DecodedSample string
}

// DefaultNames entspricht dem Layout der gaengigen Diffusers-Exporte
func DefaultNames() Names {
	return Names{
		InputIDs:       "input_ids",
		HiddenStates:   "last_hidden_state",
		PooledOutput:   "text_embeds",
		Sample:         "sample",
		Timestep:       "timestep",
		EncoderHidden:  "encoder_hidden_states",
		TextEmbeds:     "text_embeds",
		TimeIDs:        "time_ids",
		NoisePredicted: "out_sample",
		EncoderInput:   "sample",
		LatentMoments:  "latent_parameters",
		LatentSample:   "latent_sample",
		DecodedSample:  "sample",
	}
}

// Options konfiguriert das Backend
type Options struct {
	Names Names

	// Library ist der Pfad zur onnxruntime Shared Library ("" = System-Default)
	Library string

	// NumThreads fuer Intra-Op Parallelisierung (0 = auto)
	NumThreads int

	// UseGPU aktiviert den CUDA Execution Provider, Fallback auf CPU
	UseGPU      bool
	GPUDeviceID int
}

// DefaultOptions liest SD_ORT_LIBRARY, SD_NUM_THREADS und SD_USE_GPU
func DefaultOptions() Options {
	return Options{
		Names:      DefaultNames(),
		Library:    envconfig.ORTLibrary(),
		NumThreads: int(envconfig.NumThreads()),
		UseGPU:     envconfig.UseGPU(),
	}
}

// ResolveModelPath akzeptiert eine .onnx-Datei oder ein Verzeichnis mit model.onnx
func ResolveModelPath(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelPath, err)
	}
	if fi.IsDir() {
		p := filepath.Join(path, DefaultModelFile)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: %s enthaelt kein %s", ErrModelPath, path, DefaultModelFile)
		}
		return p, nil
	}
	if !strings.EqualFold(filepath.Ext(path), ".onnx") {
		return "", fmt.Errorf("%w: %s ist keine .onnx-Datei", ErrModelPath, path)
	}
	return path, nil
}

// encoderPath sucht den VAE-Encoder neben dem Decoder:
// .../vae_decoder/model.onnx -> .../vae_encoder/model.onnx
func encoderPath(decoderPath string) (string, bool) {
	dir := filepath.Dir(decoderPath)
	if filepath.Base(dir) != "vae_decoder" {
		return "", false
	}
	p := filepath.Join(filepath.Dir(dir), "vae_encoder", filepath.Base(decoderPath))
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Repository gibt das Repo mit dem ONNX-Export zurueck. Ohne Angabe wird der
// bekannte Export der Version genommen; gibt es keinen, ist das ein Fehler.
func Repository(v diffusion.Version, repository string) (string, error) {
	if repository != "" {
		return repository, nil
	}
	if repo, ok := exportRepositories[v]; ok {
		return repo, nil
	}
	return "", fmt.Errorf("%w fuer %s: --repository mit unet/, text_encoder/ und vae_decoder/ angeben", ErrNoExport, v)
}

// WeightSet erstellt den Gewichtssatz im Layout eines ONNX-Exports.
// Die Tokenizer kommen weiterhin aus den CLIP-Repos der Version.
func WeightSet(v diffusion.Version, repository string) (*weights.WeightSet, error) {
	repository, err := Repository(v, repository)
	if err != nil {
		return nil, err
	}
	ws := weights.NewWeightSet(v.WeightSpec(), 0, repository).
		With(weights.Denoiser, weights.RepoFile(repository, "unet/"+DefaultModelFile)).
		With(weights.Autoencoder, weights.RepoFile(repository, "vae_decoder/"+DefaultModelFile)).
		With(weights.Encoder, weights.RepoFile(repository, "text_encoder/"+DefaultModelFile))
	if v.DualEncoder() {
		ws = ws.With(weights.Encoder2, weights.RepoFile(repository, "text_encoder_2/"+DefaultModelFile))
	}
	return ws, nil
}

// CompanionFiles sind optionale Dateien neben den Hauptmodellen: der
// VAE-Encoder fuer img2img und externe Gewichte grosser Exporte.
func CompanionFiles(v diffusion.Version) []string {
	files := []string{
		"vae_encoder/" + DefaultModelFile,
		"unet/" + DefaultModelFile + "_data",
	}
	if v.DualEncoder() {
		files = append(files, "text_encoder_2/"+DefaultModelFile+"_data")
	}
	return files
}

// timeIDs sind die Zusatzbedingungen der XL-UNet: Originalgroesse,
// Crop-Offset und Zielgroesse
func timeIDs(height, width int) []float32 {
	h, w := float32(height), float32(width)
	return []float32{h, w, 0, 0, h, w}
}
