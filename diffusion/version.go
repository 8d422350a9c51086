// version.go - Modellversionen und ihre Eckdaten
//
// Enthält:
//   - Version: V1_5, V2_1, XL, Turbo
//   - versionTable: Repository, Aufloesung, Defaults, VAE-Skalierung, Scheduler
//   - ParseVersion: Namensaufloesung mit Vorschlag bei Tippfehlern
package diffusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/scheduler"
	"github.com/7blacky7/sdgen/tokenizer"
	"github.com/7blacky7/sdgen/weights"
)

type Version int

const (
	V1_5 Version = iota
	V2_1
	XL
	Turbo
)

// Versions in fester Reihenfolge
var Versions = []Version{V1_5, V2_1, XL, Turbo}

const (
	clipBaseRepo  = "openai/clip-vit-base-patch32"
	clipLargeRepo = "openai/clip-vit-large-patch14"
	clipBigGRepo  = "laion/CLIP-ViT-bigG-14-laion2B-39B-b160k"
	sdxlHalfVAE   = "madebyollin/sdxl-vae-fp16-fix"
	padEndOfText  = "<|endoftext|>"
	padBang       = "!"
)

type versionInfo struct {
	name       string
	repo       string
	size       int
	guidance   float64
	steps      int
	vaeScale   float64
	dual       bool
	prediction scheduler.Prediction
	kind       scheduler.Kind
	spacing    scheduler.Spacing
	pad        string
	embDims    [2]int
}

var versionTable = map[Version]versionInfo{
	V1_5: {
		name: "v1-5", repo: "runwayml/stable-diffusion-v1-5",
		size: 512, guidance: 7.5, steps: 30, vaeScale: 0.18215,
		kind: scheduler.KindDDIM, spacing: scheduler.SpacingLeading, prediction: scheduler.PredictEpsilon,
		pad: padEndOfText, embDims: [2]int{768, 0},
	},
	V2_1: {
		name: "v2-1", repo: "stabilityai/stable-diffusion-2-1",
		size: 768, guidance: 7.5, steps: 30, vaeScale: 0.18215,
		kind: scheduler.KindDDIM, spacing: scheduler.SpacingLeading, prediction: scheduler.PredictVelocity,
		pad: padBang, embDims: [2]int{1024, 0},
	},
	XL: {
		name: "xl", repo: "stabilityai/stable-diffusion-xl-base-1.0",
		size: 1024, guidance: 7.5, steps: 30, vaeScale: 0.18215, dual: true,
		kind: scheduler.KindDDIM, spacing: scheduler.SpacingLeading, prediction: scheduler.PredictEpsilon,
		pad: padBang, embDims: [2]int{768, 1280},
	},
	Turbo: {
		name: "turbo", repo: "stabilityai/sdxl-turbo",
		size: 512, guidance: 0, steps: 1, vaeScale: 0.13025, dual: true,
		kind: scheduler.KindEulerDiscrete, spacing: scheduler.SpacingTrailing, prediction: scheduler.PredictEpsilon,
		pad: padBang, embDims: [2]int{768, 1280},
	},
}

func (v Version) info() versionInfo {
	info, ok := versionTable[v]
	if !ok {
		panic(fmt.Sprintf("diffusion: unbekannte Version %d", int(v)))
	}
	return info
}

func (v Version) String() string {
	if info, ok := versionTable[v]; ok {
		return info.name
	}
	return fmt.Sprintf("Version(%d)", int(v))
}

// ParseVersion liest "v1-5", "v2-1", "xl" oder "turbo"
func ParseVersion(s string) (Version, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.NewReplacer("_", "-", ".", "-").Replace(name)

	best, score := "", math.MaxInt
	for _, v := range Versions {
		n := v.info().name
		if n == name {
			return v, nil
		}
		if d := levenshtein.ComputeDistance(name, n); d < score {
			best, score = n, d
		}
	}
	if score <= 2 {
		return 0, fmt.Errorf("unbekannte version %q, meinten sie %q?", s, best)
	}
	return 0, fmt.Errorf("unbekannte version %q (erlaubt: v1-5, v2-1, xl, turbo)", s)
}

func (v Version) Repository() string { return v.info().repo }

// DefaultSize ist Breite und Hoehe in Pixeln, wenn nichts angegeben ist
func (v Version) DefaultSize() int { return v.info().size }

func (v Version) DefaultGuidanceScale() float64 { return v.info().guidance }
func (v Version) DefaultSteps() int             { return v.info().steps }

// VAEScale skaliert Latents zwischen VAE und Denoiser
func (v Version) VAEScale() float64 { return v.info().vaeScale }

// DualEncoder meldet ob die Version einen zweiten Tokenizer und Encoder nutzt
func (v Version) DualEncoder() bool { return v.info().dual }

// PadToken ist das Fuelltoken der Tokenizer dieser Version
func (v Version) PadToken() string { return v.info().pad }

// EmbeddingDim ist die Feature-Breite des zusammengesetzten Text-Embeddings
func (v Version) EmbeddingDim() int {
	d := v.info().embDims
	return d[0] + d[1]
}

// SchedulerConfig gibt den Scheduler der Version zurueck
func (v Version) SchedulerConfig() scheduler.Config {
	info := v.info()
	cfg := scheduler.DefaultConfig()
	cfg.Kind = info.kind
	cfg.Spacing = info.spacing
	cfg.Prediction = info.prediction
	return cfg
}

// WeightSpec liefert die Angaben, die weights.NewWeightSet braucht
func (v Version) WeightSpec() weights.Spec {
	spec := weights.Spec{
		Name:          v.String(),
		Repository:    v.Repository(),
		TokenizerRepo: clipBaseRepo,
	}
	if v.DualEncoder() {
		spec.DualEncoder = true
		spec.TokenizerRepo = clipLargeRepo
		spec.Tokenizer2Repo = clipBigGRepo
		spec.HalfVAERepo = sdxlHalfVAE
	}
	return spec
}

// WeightSet erstellt den Standard-Gewichtssatz; repository "" nutzt das Default-Repo
func (v Version) WeightSet(dtype ml.DType, repository string) *weights.WeightSet {
	return weights.NewWeightSet(v.WeightSpec(), dtype, repository)
}

// NewTokenizer laedt den Tokenizer fuer role und setzt das Pad-Token der Version
func (v Version) NewTokenizer(path string, role weights.Role, opts ...tokenizer.AdapterOption) (*tokenizer.Adapter, error) {
	tok, err := tokenizer.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	return tokenizer.NewAdapter(tok, v.PadToken(), tokenizer.DefaultMaxLength, opts...)
}
