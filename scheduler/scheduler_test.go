package scheduler

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/7blacky7/sdgen/ml"
)

func eulerConfig() Config {
	cfg := DefaultConfig()
	cfg.Kind = KindEulerDiscrete
	cfg.Spacing = SpacingTrailing
	cfg.StepsOffset = 0
	return cfg
}

func vConfig() Config {
	cfg := DefaultConfig()
	cfg.Prediction = PredictVelocity
	return cfg
}

func assertClose(t *testing.T, want, got *ml.Tensor, tol float64) {
	t.Helper()
	w, g := want.Floats(), got.Floats()
	if len(w) != len(g) {
		t.Fatalf("Laenge: erwartet %d, bekommen %d", len(w), len(g))
	}
	for i := range w {
		if math.Abs(float64(w[i]-g[i])) > tol {
			t.Fatalf("Index %d: erwartet %v, bekommen %v", i, w[i], g[i])
		}
	}
}

func TestTimestepsLength(t *testing.T) {
	configs := map[string]Config{
		"ddim leading":   DefaultConfig(),
		"ddim linspace":  func() Config { c := DefaultConfig(); c.Spacing = SpacingLinspace; return c }(),
		"euler trailing": eulerConfig(),
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			for steps := 1; steps <= 60; steps++ {
				s, err := New(cfg, steps)
				if err != nil {
					t.Fatal(err)
				}
				ts := s.Timesteps()
				if len(ts) != steps {
					t.Fatalf("steps=%d: erwartet %d Timesteps, bekommen %d", steps, steps, len(ts))
				}
				for i := 1; i < len(ts); i++ {
					if ts[i] >= ts[i-1] {
						t.Fatalf("steps=%d: nicht absteigend bei %d: %v", steps, i, ts)
					}
				}
			}
		})
	}
}

func TestTimestepsValues(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		steps int
		want  []int
	}{
		{"ddim leading 4", DefaultConfig(), 4, []int{751, 501, 251, 1}},
		{"euler trailing 1", eulerConfig(), 1, []int{999}},
		{"euler trailing 4", eulerConfig(), 4, []int{999, 749, 499, 249}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, tt.steps)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, s.Timesteps()); diff != "" {
				t.Errorf("timesteps (-want +got):\n%s", diff)
			}
		})
	}

	s, _ := New(DefaultConfig(), 30)
	ts := s.Timesteps()
	if ts[0] != 958 || ts[len(ts)-1] != 1 {
		t.Errorf("30 Schritte: erwartet 958..1, bekommen %d..%d", ts[0], ts[len(ts)-1])
	}
}

func TestNewInvalidSteps(t *testing.T) {
	for _, steps := range []int{0, -1, 1001} {
		if _, err := New(DefaultConfig(), steps); !errors.Is(err, ErrInvalidSteps) {
			t.Errorf("steps=%d: erwartet ErrInvalidSteps, bekommen %v", steps, err)
		}
	}
	if _, err := New(Config{Kind: Kind(9)}, 1); !errors.Is(err, ErrUnknownScheduler) {
		t.Errorf("erwartet ErrUnknownScheduler, bekommen %v", err)
	}
}

func TestAlphasCumprod(t *testing.T) {
	ac := alphasCumprod(DefaultConfig())
	if got := ac[0]; math.Abs(got-(1-0.00085)) > 1e-12 {
		t.Errorf("ac[0]: erwartet %v, bekommen %v", 1-0.00085, got)
	}
	for i := 1; i < len(ac); i++ {
		if ac[i] >= ac[i-1] {
			t.Fatalf("alphas_cumprod nicht fallend bei %d", i)
		}
	}
}

// Bei exakter Vorhersage landet ein DDIM-Schritt auf der Vorwaerts-Diffusion des naechsten Timesteps.
func TestDDIMStepFollowsForwardProcess(t *testing.T) {
	rng := ml.NewRNG(7)
	x0 := ml.Randn(rng, 1, 4, 4, 4)
	noise := ml.Randn(rng, 1, 4, 4, 4)

	for name, cfg := range map[string]Config{"epsilon": DefaultConfig(), "v": vConfig()} {
		t.Run(name, func(t *testing.T) {
			s, err := New(cfg, 10)
			if err != nil {
				t.Fatal(err)
			}
			ts := s.Timesteps()
			t0, t1 := ts[2], ts[3]

			xt, err := s.AddNoise(x0, noise, t0)
			if err != nil {
				t.Fatal(err)
			}

			pred := noise
			if cfg.Prediction == PredictVelocity {
				a := alphasCumprod(cfg)[t0]
				if pred, err = noise.Scale(math.Sqrt(a)).Sub(x0.Scale(math.Sqrt(1 - a))); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.Step(pred, t0, xt)
			if err != nil {
				t.Fatal(err)
			}
			want, err := s.AddNoise(x0, noise, t1)
			if err != nil {
				t.Fatal(err)
			}
			assertClose(t, want, got, 1e-3)
		})
	}
}

func TestStepDeterministic(t *testing.T) {
	rng := ml.NewRNG(3)
	x := ml.Randn(rng, 1, 4, 2, 2)
	e := ml.Randn(rng, 1, 4, 2, 2)

	for name, cfg := range map[string]Config{"ddim": DefaultConfig(), "euler": eulerConfig()} {
		t.Run(name, func(t *testing.T) {
			s, _ := New(cfg, 5)
			ts := s.Timesteps()
			a, err := s.Step(e, ts[0], x)
			if err != nil {
				t.Fatal(err)
			}
			b, err := s.Step(e, ts[0], x)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(a.Floats(), b.Floats()); diff != "" {
				t.Errorf("Step nicht deterministisch:\n%s", diff)
			}
		})
	}
}

func TestEulerSingleStepRecoversSample(t *testing.T) {
	rng := ml.NewRNG(11)
	x0 := ml.Randn(rng, 1, 4, 2, 2)
	noise := ml.Randn(rng, 1, 4, 2, 2)

	s, err := New(eulerConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	ts := s.Timesteps()

	if s.InitNoiseSigma() <= 1 {
		t.Errorf("init sigma zu klein: %v", s.InitNoiseSigma())
	}

	xt, err := s.AddNoise(x0, noise, ts[0])
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Step(noise, ts[0], xt)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, x0, got, 1e-3)
}

func TestEulerScaleModelInput(t *testing.T) {
	s, _ := New(eulerConfig(), 1)
	ts := s.Timesteps()
	sigma := s.InitNoiseSigma()

	got, err := s.ScaleModelInput(ml.Full(1, 1, 1), ts[0])
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / math.Sqrt(sigma*sigma+1)
	if v := got.Floats()[0]; math.Abs(float64(v)-want) > 1e-6 {
		t.Errorf("erwartet %v, bekommen %v", want, v)
	}

	if _, err := s.ScaleModelInput(ml.Full(1, 1), 5); !errors.Is(err, ErrUnknownTimestep) {
		t.Errorf("erwartet ErrUnknownTimestep, bekommen %v", err)
	}
}

func TestDDIMScaleModelInputIdentity(t *testing.T) {
	s, _ := New(DefaultConfig(), 3)
	x := ml.Full(2, 1, 4)
	got, err := s.ScaleModelInput(x, s.Timesteps()[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Floats(), got.Floats()); diff != "" {
		t.Errorf("DDIM skaliert Input (-want +got):\n%s", diff)
	}
	if s.InitNoiseSigma() != 1 {
		t.Errorf("erwartet init sigma 1, bekommen %v", s.InitNoiseSigma())
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("euler"); err != nil || k != KindEulerDiscrete {
		t.Errorf("euler: %v %v", k, err)
	}
	if _, err := ParseKind("pndm"); !errors.Is(err, ErrUnknownScheduler) {
		t.Errorf("erwartet ErrUnknownScheduler, bekommen %v", err)
	}
}
