// Package scheduler implementiert die Rausch-Scheduler fuer den Sampling-Loop.
//
// Dieses Modul enthaelt:
//   - Scheduler: Interface, das die Pipeline konsumiert
//   - Config: Beta-Schedule, Prediction-Typ und Timestep-Spacing
//   - New: Factory fuer DDIM und Euler
//
// Alle Scheduler sind deterministisch: Step haengt nur von seinen drei
// Argumenten und dem beim Erstellen berechneten Schedule ab.
package scheduler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/7blacky7/sdgen/ml"
)

var (
	ErrInvalidSteps     = errors.New("ungueltige Schrittzahl")
	ErrUnknownTimestep  = errors.New("timestep nicht im Schedule")
	ErrUnknownScheduler = errors.New("unbekannter Scheduler")
)

// Scheduler ist der Vertrag, den der Sampling-Loop benutzt
type Scheduler interface {
	// Timesteps gibt die absteigende Timestep-Folge zurueck (Laenge = Schritte)
	Timesteps() []int
	// InitNoiseSigma skaliert das initiale Rauschen
	InitNoiseSigma() float64
	// ScaleModelInput transformiert das Latent vor dem Denoiser-Aufruf
	ScaleModelInput(latent *ml.Tensor, timestep int) (*ml.Tensor, error)
	// Step berechnet das Latent des naechsten Timesteps
	Step(noisePred *ml.Tensor, timestep int, latent *ml.Tensor) (*ml.Tensor, error)
	// AddNoise verrauscht ein sauberes Latent bis zum gegebenen Timestep
	AddNoise(latent, noise *ml.Tensor, timestep int) (*ml.Tensor, error)
}

type Kind int

const (
	KindDDIM Kind = iota
	KindEulerDiscrete
)

func (k Kind) String() string {
	switch k {
	case KindDDIM:
		return "ddim"
	case KindEulerDiscrete:
		return "euler"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind liest den Scheduler-Namen aus Flags oder Profilen
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ddim":
		return KindDDIM, nil
	case "euler", "euler-discrete":
		return KindEulerDiscrete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownScheduler, s)
	}
}

type BetaSchedule int

const (
	BetaScaledLinear BetaSchedule = iota
	BetaLinear
)

// Prediction beschreibt, was der Denoiser vorhersagt
type Prediction int

const (
	PredictEpsilon Prediction = iota
	PredictVelocity
)

// Spacing bestimmt, wie die Inferenz-Timesteps aus dem Trainings-Schedule gewaehlt werden
type Spacing int

const (
	SpacingLeading Spacing = iota
	SpacingLinspace
	SpacingTrailing
)

// Config beschreibt einen Scheduler vollstaendig
type Config struct {
	Kind           Kind
	TrainTimesteps int
	BetaStart      float64
	BetaEnd        float64
	BetaSchedule   BetaSchedule
	Prediction     Prediction
	Spacing        Spacing
	StepsOffset    int
}

// DefaultConfig gibt den Stable-Diffusion-Standard zurueck (DDIM, scaled_linear)
func DefaultConfig() Config {
	return Config{
		Kind:           KindDDIM,
		TrainTimesteps: 1000,
		BetaStart:      0.00085,
		BetaEnd:        0.012,
		BetaSchedule:   BetaScaledLinear,
		Prediction:     PredictEpsilon,
		Spacing:        SpacingLeading,
		StepsOffset:    1,
	}
}

// New erstellt einen Scheduler fuer die gegebene Schrittzahl
func New(cfg Config, steps int) (Scheduler, error) {
	if cfg.TrainTimesteps <= 0 {
		cfg.TrainTimesteps = 1000
	}
	if steps <= 0 || steps > cfg.TrainTimesteps {
		return nil, fmt.Errorf("%w: %d (erlaubt 1..%d)", ErrInvalidSteps, steps, cfg.TrainTimesteps)
	}

	switch cfg.Kind {
	case KindDDIM:
		return newDDIM(cfg, steps), nil
	case KindEulerDiscrete:
		return newEulerDiscrete(cfg, steps), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheduler, cfg.Kind)
	}
}

// alphasCumprod berechnet cumprod(1 - beta) fuer den Trainings-Schedule
func alphasCumprod(cfg Config) []float64 {
	n := cfg.TrainTimesteps
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case BetaLinear:
		floats.Span(betas, cfg.BetaStart, cfg.BetaEnd)
	default:
		floats.Span(betas, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		floats.Mul(betas, betas)
	}

	alphas := make([]float64, n)
	for i, b := range betas {
		alphas[i] = 1 - b
	}
	return floats.CumProd(make([]float64, n), alphas)
}

// timesteps waehlt steps Timesteps absteigend aus dem Trainings-Schedule
func timesteps(cfg Config, steps int) []int {
	n := cfg.TrainTimesteps
	ts := make([]int, steps)
	switch cfg.Spacing {
	case SpacingLinspace:
		span := floats.Span(make([]float64, max(steps, 2)), 0, float64(n-1))
		if steps == 1 {
			span = span[1:]
		}
		for i := range steps {
			ts[i] = int(math.Round(span[steps-1-i]))
		}
	case SpacingTrailing:
		ratio := float64(n) / float64(steps)
		for i := range steps {
			ts[i] = int(math.Round(float64(n)-float64(i)*ratio)) - 1
		}
	default:
		ratio := n / steps
		for i := range steps {
			ts[i] = (steps-1-i)*ratio + cfg.StepsOffset
		}
	}
	return ts
}

// alphaAt liest alphas_cumprod, Timesteps jenseits des Schedules zeigen auf den letzten Eintrag
func alphaAt(ac []float64, t int) float64 {
	return ac[min(max(t, 0), len(ac)-1)]
}
