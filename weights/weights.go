// weights.go - Gewichtssatz einer Modellversion
//
// Enthält:
//   - Role: Denoiser, Autoencoder, Encoder, Encoder2, Tokenizer, Tokenizer2
//   - Spec: versionsabhaengige Fakten (Repository, zweiter Encoder, Tokenizer-Repos)
//   - WeightSet: eine File pro Rolle, einzeln ueberschreibbar
//   - FetchAll: alle Dateien parallel aufloesen
package weights

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/sdgen/ml"
)

// MaxParallelFetches begrenzt gleichzeitige Downloads in FetchAll
const MaxParallelFetches = 4

type Role int

const (
	Denoiser Role = iota
	Autoencoder
	Encoder
	Encoder2
	Tokenizer
	Tokenizer2
)

// Roles in fester Reihenfolge
var Roles = []Role{Denoiser, Autoencoder, Encoder, Encoder2, Tokenizer, Tokenizer2}

func (r Role) String() string {
	switch r {
	case Denoiser:
		return "unet"
	case Autoencoder:
		return "vae"
	case Encoder:
		return "clip"
	case Encoder2:
		return "clip2"
	case Tokenizer:
		return "tokenizer"
	case Tokenizer2:
		return "tokenizer2"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole akzeptiert die Namen aus Role.String
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unbekannte rolle %q", s)
}

// Spec enthaelt was der Gewichtssatz ueber eine Modellversion wissen muss
type Spec struct {
	Name           string
	Repository     string
	DualEncoder    bool
	TokenizerRepo  string
	Tokenizer2Repo string
	// HalfVAERepo ersetzt den Autoencoder bei halber Praezision, falls gesetzt
	HalfVAERepo string
}

const tokenizerFile = "tokenizer.json"

// WeightSet buendelt die Dateien einer Pipeline. Wird einmal beim Aufbau der
// Pipeline aufgeloest.
type WeightSet struct {
	Spec  Spec
	DType ml.DType
	Files map[Role]*File
}

// NewWeightSet erstellt den Standard-Gewichtssatz. repository "" bedeutet
// Spec.Repository.
func NewWeightSet(spec Spec, dtype ml.DType, repository string) *WeightSet {
	if repository == "" {
		repository = spec.Repository
	}
	half := dtype == ml.DTypeFloat16 || dtype == ml.DTypeBfloat16
	suffix := ".safetensors"
	if half {
		suffix = ".fp16.safetensors"
	}

	files := map[Role]*File{
		Denoiser:  RepoFile(repository, "unet/diffusion_pytorch_model"+suffix),
		Encoder:   RepoFile(repository, "text_encoder/model"+suffix),
		Tokenizer: RepoFile(spec.TokenizerRepo, tokenizerFile),
	}
	switch {
	case half && spec.HalfVAERepo != "":
		files[Autoencoder] = RepoFile(spec.HalfVAERepo, "diffusion_pytorch_model.safetensors")
	default:
		files[Autoencoder] = RepoFile(repository, "vae/diffusion_pytorch_model"+suffix)
	}
	if spec.DualEncoder {
		files[Encoder2] = RepoFile(repository, "text_encoder_2/model"+suffix)
		files[Tokenizer2] = RepoFile(spec.Tokenizer2Repo, tokenizerFile)
	}
	return &WeightSet{Spec: spec, DType: dtype, Files: files}
}

// With gibt eine Kopie zurueck, in der role auf f zeigt
func (w *WeightSet) With(role Role, f *File) *WeightSet {
	c := w.clone()
	c.Files[role] = f
	return c
}

// Without gibt eine Kopie ohne role zurueck
func (w *WeightSet) Without(role Role) *WeightSet {
	c := w.clone()
	delete(c.Files, role)
	return c
}

func (w *WeightSet) File(role Role) (*File, bool) {
	f, ok := w.Files[role]
	return f, ok
}

func (w *WeightSet) clone() *WeightSet {
	return &WeightSet{Spec: w.Spec, DType: w.DType, Files: maps.Clone(w.Files)}
}

// FetchAll loest alle vorhandenen Dateien parallel auf. Der erste Fehler
// bricht die uebrigen Downloads ab.
func (w *WeightSet) FetchAll(ctx context.Context, fetcher Fetcher) (map[Role]string, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelFetches)

	var mu sync.Mutex
	paths := make(map[Role]string, len(w.Files))
	for _, role := range Roles {
		f, ok := w.Files[role]
		if !ok || f == nil {
			continue
		}
		g.Go(func() error {
			path, err := f.Fetch(ctx, fetcher)
			if err != nil {
				return fmt.Errorf("%s: %w", role, err)
			}
			slog.Debug("weights resolved", "role", role, "file", f, "path", path)
			mu.Lock()
			paths[role] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
