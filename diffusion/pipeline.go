// pipeline.go - Aufbau der Stable-Diffusion-Pipeline
//
// Enthält:
//   - Parameters: Gewichte, Backend, Fetcher und Optionen fuer New
//   - Components: bereits gebaute Operatoren fuer NewFromOperators
//   - Pipeline: unveraenderlich nach dem Aufbau, Generate ist parallel nutzbar
//     sofern die Operatoren es sind
package diffusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/scheduler"
	"github.com/7blacky7/sdgen/tokenizer"
	"github.com/7blacky7/sdgen/weights"
)

// Parameters beschreibt eine Pipeline fuer New
type Parameters struct {
	Version Version
	// Weights "nil" bedeutet Version.WeightSet(DType, "")
	Weights *weights.WeightSet
	DType   ml.DType
	Backend Backend
	Fetcher weights.Fetcher
	Logger  *slog.Logger

	// Tokenizers ersetzt das Laden aus den Gewichten fuer Tokenizer und Tokenizer2
	Tokenizers map[weights.Role]Tokenizer
	// TokenizerOptions steuert z.B. das Kuerzen ueberlanger Prompts
	TokenizerOptions []tokenizer.AdapterOption
	// Scheduler ueberschreibt den Scheduler der Version
	Scheduler *scheduler.Kind
	// CheckFinite bricht ab, sobald ein Latent NaN oder Inf enthaelt
	CheckFinite bool
}

// Components sind die fertigen Operatoren einer Pipeline
type Components struct {
	Tokenizer   Tokenizer
	Tokenizer2  Tokenizer
	Encoder     TextEncoder
	Encoder2    TextEncoder
	Denoiser    Denoiser
	Autoencoder Autoencoder
}

type Pipeline struct {
	version     Version
	dtype       ml.DType
	scheduler   scheduler.Config
	checkFinite bool
	logger      *slog.Logger

	tokenizer  Tokenizer
	tokenizer2 Tokenizer
	encoder    TextEncoder
	encoder2   TextEncoder
	unet       Denoiser
	vae        Autoencoder
}

// New laedt alle Gewichte und baut die Operatoren. Jeder Fehler liefert einen
// ConstructionError, eine teilweise gebaute Pipeline gibt es nicht.
func New(ctx context.Context, p Parameters) (*Pipeline, error) {
	if p.Backend == nil {
		return nil, constructionError("backend", errors.New("kein backend konfiguriert"))
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := p.Weights
	if ws == nil {
		ws = p.Version.WeightSet(p.DType, "")
	}
	// Vorgebaute Tokenizer brauchen keine Dateien
	for role := range p.Tokenizers {
		ws = ws.Without(role)
	}

	logger.Info("fetching weights", "version", p.Version, "dtype", p.DType)
	paths, err := ws.FetchAll(ctx, p.Fetcher)
	if err != nil {
		return nil, constructionError("weights", err)
	}

	c := Components{}
	if t, ok := p.Tokenizers[weights.Tokenizer]; ok {
		c.Tokenizer = t
	}
	if t, ok := p.Tokenizers[weights.Tokenizer2]; ok {
		c.Tokenizer2 = t
	}

	for _, role := range []weights.Role{weights.Tokenizer, weights.Tokenizer2} {
		path, ok := paths[role]
		if !ok {
			continue
		}
		tok, err := p.Version.NewTokenizer(path, role, p.TokenizerOptions...)
		if err != nil {
			return nil, constructionError(role.String(), err)
		}
		if role == weights.Tokenizer {
			c.Tokenizer = tok
		} else {
			c.Tokenizer2 = tok
		}
	}

	logger.Info("building the unet")
	if path, ok := paths[weights.Denoiser]; ok {
		if c.Denoiser, err = p.Backend.Denoiser(path, p.Version, p.DType); err != nil {
			return nil, constructionError(weights.Denoiser.String(), err)
		}
	}

	logger.Info("building the autoencoder")
	if path, ok := paths[weights.Autoencoder]; ok {
		if c.Autoencoder, err = p.Backend.Autoencoder(path, p.Version, p.DType); err != nil {
			return nil, constructionError(weights.Autoencoder.String(), err)
		}
	}

	logger.Info("building the text encoders")
	if path, ok := paths[weights.Encoder]; ok {
		if c.Encoder, err = p.Backend.TextEncoder(weights.Encoder, path, p.Version, p.DType); err != nil {
			return nil, constructionError(weights.Encoder.String(), err)
		}
	}
	if path, ok := paths[weights.Encoder2]; ok && p.Version.DualEncoder() {
		if c.Encoder2, err = p.Backend.TextEncoder(weights.Encoder2, path, p.Version, p.DType); err != nil {
			return nil, constructionError(weights.Encoder2.String(), err)
		}
	}

	pipe, err := NewFromOperators(p.Version, p.DType, c)
	if err != nil {
		return nil, err
	}
	pipe.logger = logger
	pipe.checkFinite = p.CheckFinite
	if p.Scheduler != nil {
		pipe.scheduler.Kind = *p.Scheduler
	}
	return pipe, nil
}

// NewFromOperators setzt eine Pipeline aus fertigen Operatoren zusammen.
// XL und Turbo brauchen Tokenizer2 und Encoder2.
func NewFromOperators(v Version, dtype ml.DType, c Components) (*Pipeline, error) {
	if _, ok := versionTable[v]; !ok {
		return nil, constructionError("version", fmt.Errorf("unbekannte version %d", int(v)))
	}

	missing := func(name string) error {
		return constructionError(name, fmt.Errorf("fehlt fuer version %s", v))
	}
	switch {
	case c.Tokenizer == nil:
		return nil, missing(weights.Tokenizer.String())
	case c.Encoder == nil:
		return nil, missing(weights.Encoder.String())
	case c.Denoiser == nil:
		return nil, missing(weights.Denoiser.String())
	case c.Autoencoder == nil:
		return nil, missing(weights.Autoencoder.String())
	case v.DualEncoder() && c.Tokenizer2 == nil:
		return nil, missing(weights.Tokenizer2.String())
	case v.DualEncoder() && c.Encoder2 == nil:
		return nil, missing(weights.Encoder2.String())
	}

	p := &Pipeline{
		version:   v,
		dtype:     dtype,
		scheduler: v.SchedulerConfig(),
		logger:    slog.Default(),
		tokenizer: c.Tokenizer,
		encoder:   c.Encoder,
		unet:      c.Denoiser,
		vae:       c.Autoencoder,
	}
	// Zweiter Encoder nur fuer XL und Turbo
	if v.DualEncoder() {
		p.tokenizer2 = c.Tokenizer2
		p.encoder2 = c.Encoder2
	}
	return p, nil
}

func (p *Pipeline) Version() Version { return p.version }
func (p *Pipeline) DType() ml.DType  { return p.dtype }

// WithScheduler gibt eine Kopie mit anderem Scheduler zurueck
func (p *Pipeline) WithScheduler(kind scheduler.Kind) *Pipeline {
	c := *p
	c.scheduler.Kind = kind
	return &c
}

// WithCheckFinite gibt eine Kopie mit aktivierter oder deaktivierter NaN-Pruefung zurueck
func (p *Pipeline) WithCheckFinite(on bool) *Pipeline {
	c := *p
	c.checkFinite = on
	return &c
}
