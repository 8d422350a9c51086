// euler.go - Euler-Discrete-Scheduler ohne stochastischen Anteil
package scheduler

import (
	"fmt"
	"math"
	"slices"

	"github.com/7blacky7/sdgen/ml"
)

// EulerDiscrete integriert die Probability-Flow-ODE im Sigma-Raum.
// sigmas[i] gehoert zu timesteps[i], sigmas[len] = 0.
type EulerDiscrete struct {
	cfg       Config
	timesteps []int
	sigmas    []float64
	initSigma float64
}

func newEulerDiscrete(cfg Config, steps int) *EulerDiscrete {
	ac := alphasCumprod(cfg)
	ts := timesteps(cfg, steps)

	sigmas := make([]float64, len(ts)+1)
	for i, t := range ts {
		a := alphaAt(ac, t)
		sigmas[i] = math.Sqrt((1 - a) / a)
	}

	maxSigma := slices.Max(sigmas)
	initSigma := maxSigma
	if cfg.Spacing == SpacingLeading {
		initSigma = math.Sqrt(maxSigma*maxSigma + 1)
	}

	return &EulerDiscrete{cfg: cfg, timesteps: ts, sigmas: sigmas, initSigma: initSigma}
}

func (s *EulerDiscrete) Timesteps() []int {
	return append([]int(nil), s.timesteps...)
}

func (s *EulerDiscrete) InitNoiseSigma() float64 { return s.initSigma }

func (s *EulerDiscrete) index(timestep int) (int, error) {
	if i := slices.Index(s.timesteps, timestep); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownTimestep, timestep)
}

// ScaleModelInput: x / sqrt(sigma^2 + 1)
func (s *EulerDiscrete) ScaleModelInput(latent *ml.Tensor, timestep int) (*ml.Tensor, error) {
	i, err := s.index(timestep)
	if err != nil {
		return nil, err
	}
	sigma := s.sigmas[i]
	return latent.Scale(1 / math.Sqrt(sigma*sigma+1)), nil
}

func (s *EulerDiscrete) Step(noisePred *ml.Tensor, timestep int, latent *ml.Tensor) (*ml.Tensor, error) {
	i, err := s.index(timestep)
	if err != nil {
		return nil, err
	}
	sigma, next := s.sigmas[i], s.sigmas[i+1]

	derivative := noisePred
	if s.cfg.Prediction == PredictVelocity {
		// x0 = -sigma/sqrt(sigma^2+1)*v + x/(sigma^2+1), derivative = (x - x0)/sigma
		c := sigma*sigma + 1
		x0, err := noisePred.Scale(-sigma / math.Sqrt(c)).Add(latent.Scale(1 / c))
		if err != nil {
			return nil, err
		}
		d, err := latent.Sub(x0)
		if err != nil {
			return nil, err
		}
		derivative = d.Scale(1 / sigma)
	}

	return latent.Add(derivative.Scale(next - sigma))
}

// AddNoise: x + noise*sigma_t
func (s *EulerDiscrete) AddNoise(latent, noise *ml.Tensor, timestep int) (*ml.Tensor, error) {
	i, err := s.index(timestep)
	if err != nil {
		return nil, err
	}
	return latent.Add(noise.Scale(s.sigmas[i]))
}
