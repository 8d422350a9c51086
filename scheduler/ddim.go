// ddim.go - Deterministischer DDIM-Scheduler (eta = 0)
package scheduler

import (
	"math"

	"github.com/7blacky7/sdgen/ml"
)

// DDIM implementiert DDIM-Sampling fuer epsilon- und v-Prediction
type DDIM struct {
	cfg           Config
	timesteps     []int
	stepRatio     int
	alphasCumprod []float64
}

func newDDIM(cfg Config, steps int) *DDIM {
	return &DDIM{
		cfg:           cfg,
		timesteps:     timesteps(cfg, steps),
		stepRatio:     cfg.TrainTimesteps / steps,
		alphasCumprod: alphasCumprod(cfg),
	}
}

func (s *DDIM) Timesteps() []int {
	return append([]int(nil), s.timesteps...)
}

func (s *DDIM) InitNoiseSigma() float64 { return 1 }

func (s *DDIM) ScaleModelInput(latent *ml.Tensor, _ int) (*ml.Tensor, error) {
	return latent, nil
}

// Step berechnet x_{t-1} aus der Vorhersage des Denoisers
//
//	x0   = (x - sqrt(1-a_t)*eps) / sqrt(a_t)
//	prev = sqrt(a_prev)*x0 + sqrt(1-a_prev)*eps
func (s *DDIM) Step(noisePred *ml.Tensor, timestep int, latent *ml.Tensor) (*ml.Tensor, error) {
	prevTimestep := 0
	if timestep > s.stepRatio {
		prevTimestep = timestep - s.stepRatio
	}

	alphaT := alphaAt(s.alphasCumprod, timestep)
	alphaPrev := alphaAt(s.alphasCumprod, prevTimestep)
	sqrtA, sqrt1mA := math.Sqrt(alphaT), math.Sqrt(1-alphaT)

	var x0, eps *ml.Tensor
	var err error
	switch s.cfg.Prediction {
	case PredictVelocity:
		// x0 = sqrt(a)*x - sqrt(1-a)*v, eps = sqrt(a)*v + sqrt(1-a)*x
		if x0, err = latent.Scale(sqrtA).Sub(noisePred.Scale(sqrt1mA)); err != nil {
			return nil, err
		}
		if eps, err = noisePred.Scale(sqrtA).Add(latent.Scale(sqrt1mA)); err != nil {
			return nil, err
		}
	default:
		if x0, err = latent.Sub(noisePred.Scale(sqrt1mA)); err != nil {
			return nil, err
		}
		x0 = x0.Scale(1 / sqrtA)
		eps = noisePred
	}

	return x0.Scale(math.Sqrt(alphaPrev)).Add(eps.Scale(math.Sqrt(1 - alphaPrev)))
}

// AddNoise: sqrt(a_t)*x + sqrt(1-a_t)*noise
func (s *DDIM) AddNoise(latent, noise *ml.Tensor, timestep int) (*ml.Tensor, error) {
	a := alphaAt(s.alphasCumprod, timestep)
	return latent.Scale(math.Sqrt(a)).Add(noise.Scale(math.Sqrt(1 - a)))
}
