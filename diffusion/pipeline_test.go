package diffusion

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/scheduler"
	"github.com/7blacky7/sdgen/weights"
)

var testDims = [2]int{8, 12}

func newTestPipeline(t *testing.T, v Version) (*Pipeline, fakeOps) {
	t.Helper()
	ops := newFakeOps(testDims)
	p, err := NewFromOperators(v, ml.DTypeFloat32, ops.components())
	if err != nil {
		t.Fatal(err)
	}
	return p, ops
}

func ptr(s string) *string { return &s }

func TestNoGuidanceSkipsUncondPath(t *testing.T) {
	for _, v := range Versions {
		t.Run(v.String(), func(t *testing.T) {
			p, ops := newTestPipeline(t, v)
			gp := NewGenerationParameters("a cat").
				WithUncondPrompt("blurry").
				WithGuidanceScale(1.0).
				WithSteps(2).
				WithWidth(64).WithHeight(64)

			if _, err := p.Generate(t.Context(), gp); err != nil {
				t.Fatal(err)
			}
			for _, call := range append(ops.tok.calls, ops.tok2.calls...) {
				if call.uncond != nil {
					t.Errorf("uncond-Prompt %q tokenisiert obwohl Guidance aus", *call.uncond)
				}
			}
			if n := len(ops.enc.calls); n != 1 {
				t.Errorf("erwartet 1 Encoder-Aufruf, bekommen %d", n)
			}
			for _, call := range ops.unet.calls {
				if call.batch != 1 {
					t.Errorf("erwartet Batch 1, bekommen %d", call.batch)
				}
			}
		})
	}
}

func TestSingleEncoderIgnoresStylePrompt(t *testing.T) {
	for _, v := range []Version{V1_5, V2_1} {
		t.Run(v.String(), func(t *testing.T) {
			run := func(gp GenerationParameters) ([]tokenizeCall, *fakeTokenizer) {
				p, ops := newTestPipeline(t, v)
				if _, err := p.Generate(t.Context(), gp.WithSteps(1).WithWidth(64).WithHeight(64).WithSeed(3)); err != nil {
					t.Fatal(err)
				}
				return ops.tok.calls, ops.tok2
			}

			plain, tok2 := run(NewGenerationParameters("a cat"))
			styled, _ := run(NewGenerationParameters("a cat").WithStylePrompt("oil painting").WithUncondStylePrompt("photo"))

			if diff := cmp.Diff(plain, styled, cmp.AllowUnexported(tokenizeCall{})); diff != "" {
				t.Errorf("Style-Prompt veraendert Tokenisierung (-plain +styled):\n%s", diff)
			}
			if len(tok2.calls) != 0 {
				t.Errorf("zweiter Tokenizer aufgerufen: %v", tok2.calls)
			}
		})
	}
}

func TestDualEncoderDefaults(t *testing.T) {
	for _, v := range []Version{XL, Turbo} {
		t.Run(v.String(), func(t *testing.T) {
			p, ops := newTestPipeline(t, v)
			gp := NewGenerationParameters("a cat").WithGuidanceScale(5).WithSteps(1).WithWidth(64).WithHeight(64)
			if _, err := p.Generate(t.Context(), gp); err != nil {
				t.Fatal(err)
			}

			want := []tokenizeCall{{prompt: "a cat", uncond: ptr("")}}
			if diff := cmp.Diff(want, ops.tok2.calls, cmp.AllowUnexported(tokenizeCall{})); diff != "" {
				t.Errorf("Style-Defaults (-want +got):\n%s", diff)
			}

			p, ops = newTestPipeline(t, v)
			gp = gp.WithStylePrompt("oil painting").WithUncondStylePrompt("photo")
			if _, err := p.Generate(t.Context(), gp); err != nil {
				t.Fatal(err)
			}
			want = []tokenizeCall{{prompt: "oil painting", uncond: ptr("photo")}}
			if diff := cmp.Diff(want, ops.tok2.calls, cmp.AllowUnexported(tokenizeCall{})); diff != "" {
				t.Errorf("Style-Prompts (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScenarioV21NoGuidance(t *testing.T) {
	p, ops := newTestPipeline(t, V2_1)
	gp := NewGenerationParameters("a lighthouse").WithSteps(2).WithGuidanceScale(0).WithWidth(64).WithHeight(64)
	if _, err := p.Generate(t.Context(), gp); err != nil {
		t.Fatal(err)
	}

	if n := len(ops.unet.calls); n != 2 {
		t.Fatalf("erwartet 2 Schritte, bekommen %d", n)
	}
	for _, call := range ops.unet.calls {
		if diff := cmp.Diff([]int{1, fakeSeqLen, testDims[0]}, call.embShape); diff != "" {
			t.Errorf("Embedding-Shape (-want +got):\n%s", diff)
		}
		if call.batch != 1 {
			t.Errorf("erwartet Batch 1, bekommen %d", call.batch)
		}
	}
	if ops.unet.calls[0].timestep <= ops.unet.calls[1].timestep {
		t.Errorf("Timesteps nicht absteigend: %v, %v", ops.unet.calls[0].timestep, ops.unet.calls[1].timestep)
	}
}

func TestScenarioXLGuidance(t *testing.T) {
	const steps = 3
	p, ops := newTestPipeline(t, XL)
	gp := NewGenerationParameters("a lighthouse").WithSteps(steps).WithGuidanceScale(5).WithWidth(64).WithHeight(64)
	if _, err := p.Generate(t.Context(), gp); err != nil {
		t.Fatal(err)
	}

	if len(ops.enc.calls) != 2 || len(ops.enc2.calls) != 2 {
		t.Errorf("erwartet je 2 Encoder-Aufrufe, bekommen %d / %d", len(ops.enc.calls), len(ops.enc2.calls))
	}
	if n := len(ops.unet.calls); n != steps {
		t.Fatalf("erwartet %d Schritte, bekommen %d", steps, n)
	}
	for _, call := range ops.unet.calls {
		if diff := cmp.Diff([]int{2, fakeSeqLen, testDims[0] + testDims[1]}, call.embShape); diff != "" {
			t.Errorf("Embedding-Shape (-want +got):\n%s", diff)
		}
		if call.batch != 2 {
			t.Errorf("erwartet verdoppelten Batch, bekommen %d", call.batch)
		}
	}
}

func TestTextEmbeddingOrder(t *testing.T) {
	p, _ := newTestPipeline(t, XL)
	gp := NewGenerationParameters("abc").WithUncondPrompt("z").WithStylePrompt("de")

	cond, err := p.textEmbeddings(gp, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, fakeSeqLen, testDims[0] + testDims[1]}, cond.emb.Shape()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if cond.pooled != nil {
		t.Errorf("erwartet kein gepooltes Embedding, bekommen %v", cond.pooled.Shape())
	}

	// Batch 0 ist uncond, Batch 1 cond; Features: erst Encoder 1, dann Encoder 2
	data := cond.emb.Floats()
	width := testDims[0] + testDims[1]
	row := func(b, f int) float32 { return data[b*fakeSeqLen*width+f] }
	cases := []struct {
		batch, feature int
		want           float32
	}{
		{0, 0, float32(len("z") + 1)},
		{1, 0, float32(len("abc") + 1)},
		{0, testDims[0], float32(len("") + 1)},
		{1, testDims[0], float32(len("de") + 1)},
	}
	for _, tt := range cases {
		if got := row(tt.batch, tt.feature); got != tt.want {
			t.Errorf("batch %d feature %d: erwartet %v, bekommen %v", tt.batch, tt.feature, tt.want, got)
		}
	}
}

func TestPooledEmbeddingsReachDenoiser(t *testing.T) {
	const pooledDim = 5
	cases := []struct {
		name       string
		pooledEnc  bool
		wantPooled bool
	}{
		{"pooled encoder", true, true},
		{"plain encoder", false, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ops := newFakeOps(testDims)
			unet := &fakePooledDenoiser{fakeDenoiser: ops.unet}
			c := ops.components()
			c.Denoiser = unet
			if tt.pooledEnc {
				c.Encoder = &fakePooledEncoder{fakeEncoder: ops.enc, pooledDim: 3}
				c.Encoder2 = &fakePooledEncoder{fakeEncoder: ops.enc2, pooledDim: pooledDim}
			}
			p, err := NewFromOperators(XL, ml.DTypeFloat32, c)
			if err != nil {
				t.Fatal(err)
			}

			gp := NewGenerationParameters("abc").
				WithStylePrompt("de").
				WithUncondStylePrompt("wxyz").
				WithGuidanceScale(7.5).
				WithSteps(2).
				WithWidth(64).WithHeight(64)
			if _, err := p.Generate(t.Context(), gp); err != nil {
				t.Fatal(err)
			}

			if len(ops.unet.calls) != 2 {
				t.Fatalf("erwartet 2 UNet-Aufrufe, bekommen %d", len(ops.unet.calls))
			}
			if !tt.wantPooled {
				if unet.forwards != 2 {
					t.Errorf("erwartet Forward ohne pooled, bekommen %d Aufrufe", unet.forwards)
				}
				return
			}
			if unet.forwards != 0 {
				t.Errorf("erwartet nur ForwardPooled, bekommen %d Forward-Aufrufe", unet.forwards)
			}
			for _, call := range ops.unet.calls {
				if call.pooled == nil {
					t.Fatal("erwartet gepoolte Embeddings, bekommen nil")
				}
				if diff := cmp.Diff([]int{2, pooledDim}, call.pooled.Shape()); diff != "" {
					t.Errorf("pooled-Shape (-want +got):\n%s", diff)
				}
				// Batch 0 ist der unkonditionierte Style-Prompt, Batch 1 der Style-Prompt
				data := call.pooled.Floats()
				if got, want := data[0], float32(len("wxyz")+1); got != want {
					t.Errorf("uncond: erwartet %v, bekommen %v", want, got)
				}
				if got, want := data[pooledDim], float32(len("de")+1); got != want {
					t.Errorf("cond: erwartet %v, bekommen %v", want, got)
				}
			}
		})
	}
}

func TestGuide(t *testing.T) {
	pred, err := ml.Concat(0, ml.Full(1, 1, 1, 2, 2), ml.Full(3, 1, 1, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	out, err := guide(pred, 7.5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 1, 2, 2}, out.Shape()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	for _, v := range out.Floats() {
		if v != 16 {
			t.Fatalf("erwartet 1 + 7.5*(3-1) = 16, bekommen %v", v)
		}
	}
}

func TestStartIndex(t *testing.T) {
	cases := []struct {
		steps    int
		strength float64
		want     int
	}{
		{30, 1, 0},
		{30, 0, 30},
		{30, 0.5, 15},
		{30, 0.8, 6},
		{5, 0.5, 2},
		{1, 1, 0},
	}
	for _, tt := range cases {
		if got := startIndex(tt.steps, tt.strength); got != tt.want {
			t.Errorf("startIndex(%d, %v): erwartet %d, bekommen %d", tt.steps, tt.strength, tt.want, got)
		}
	}
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: uint8((x + y) * 8), A: 255})
		}
	}
	return img
}

func TestImg2ImgStrength(t *testing.T) {
	const (
		steps = 4
		seed  = 7
	)
	src := testImage(16, 16)
	x0 := ml.Randn(ml.NewRNG(99), 1, latentChannels, 2, 2)

	sched, err := scheduler.New(V1_5.SchedulerConfig(), steps)
	if err != nil {
		t.Fatal(err)
	}
	timesteps := sched.Timesteps()

	cases := []struct {
		strength float64
		forwards int
	}{
		{1, steps},
		{0.5, 2},
		{0.25, 1},
		{0, 0},
	}
	for _, tt := range cases {
		p, ops := newTestPipeline(t, V1_5)
		ops.vae.latent = x0
		gp := NewGenerationParameters("a cat").
			WithImage(src).
			WithStrength(tt.strength).
			WithSteps(steps).
			WithGuidanceScale(0).
			WithSeed(seed)
		if _, err := p.Generate(t.Context(), gp); err != nil {
			t.Fatal(err)
		}
		if n := len(ops.unet.calls); n != tt.forwards {
			t.Errorf("strength %v: erwartet %d Schritte, bekommen %d", tt.strength, tt.forwards, n)
		}
		if ops.vae.encodes != 1 {
			t.Errorf("strength %v: erwartet genau einen VAE-Encode, bekommen %d", tt.strength, ops.vae.encodes)
		}
		if tt.forwards == 0 {
			continue
		}

		// Erster Schritt: Timestep am Startindex, Eingabe ist das skalierte und
		// auf diesen Timestep verrauschte Ausgangs-Latent
		tStart := startIndex(steps, tt.strength)
		first := ops.unet.calls[0]
		if want := float64(timesteps[tStart]); first.timestep != want {
			t.Errorf("strength %v: erwartet Timestep %v, bekommen %v", tt.strength, want, first.timestep)
		}
		scaled := x0.Scale(V1_5.VAEScale())
		want, err := sched.AddNoise(scaled, ml.RandnLike(ml.NewRNG(seed), scaled), timesteps[tStart])
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want.Floats(), first.sample, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
			t.Errorf("strength %v: Start-Latent (-want +got):\n%s", tt.strength, diff)
		}
	}

	p, _ := newTestPipeline(t, V1_5)
	_, err = p.Generate(t.Context(), NewGenerationParameters("x").WithImage(src).WithStrength(1.5))
	if !errors.Is(err, ErrInvalidParams) || !errors.Is(err, ErrGeneration) {
		t.Errorf("erwartet ErrInvalidParams, bekommen %v", err)
	}
}

func TestVAERoundTrip(t *testing.T) {
	for _, v := range []Version{V1_5, Turbo} {
		t.Run(v.String(), func(t *testing.T) {
			src := testImage(16, 16)
			p, _ := newTestPipeline(t, v)
			gp := NewGenerationParameters("x").WithImage(src).WithStrength(0).WithSteps(3)
			out, err := p.Generate(t.Context(), gp)
			if err != nil {
				t.Fatal(err)
			}
			if out.Bounds() != src.Bounds() {
				t.Fatalf("erwartet %v, bekommen %v", src.Bounds(), out.Bounds())
			}
			for i := range src.Pix {
				if d := math.Abs(float64(src.Pix[i]) - float64(out.Pix[i])); d > 1 {
					t.Fatalf("pixel %d: erwartet %d, bekommen %d", i, src.Pix[i], out.Pix[i])
				}
			}
		})
	}
}

func TestDecodeShapeError(t *testing.T) {
	p, ops := newTestPipeline(t, V1_5)
	ops.vae.decodeChannels = 4
	_, err := p.Generate(t.Context(), NewGenerationParameters("x").WithSteps(1).WithWidth(64).WithHeight(64))
	if !errors.Is(err, ErrDecodeShape) {
		t.Errorf("erwartet ErrDecodeShape, bekommen %v", err)
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != "decode" {
		t.Errorf("erwartet GenerationError in decode, bekommen %v", err)
	}
}

func TestDeterministicSeed(t *testing.T) {
	gen := func(seed uint64) *image.RGBA {
		p, _ := newTestPipeline(t, V1_5)
		img, err := p.Generate(t.Context(), NewGenerationParameters("x").WithSteps(3).WithWidth(64).WithHeight(64).WithSeed(seed))
		if err != nil {
			t.Fatal(err)
		}
		return img
	}
	if diff := cmp.Diff(gen(42).Pix, gen(42).Pix); diff != "" {
		t.Errorf("gleicher Seed, anderes Bild:\n%s", diff)
	}
	if cmp.Equal(gen(42).Pix, gen(43).Pix) {
		t.Error("verschiedene Seeds liefern dasselbe Bild")
	}
}

func TestProgressAndCancel(t *testing.T) {
	p, _ := newTestPipeline(t, V1_5)
	var seen [][2]int
	gp := NewGenerationParameters("x").WithSteps(3).WithWidth(64).WithHeight(64).
		WithProgress(func(step, total int) { seen = append(seen, [2]int{step, total}) })
	if _, err := p.Generate(t.Context(), gp); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][2]int{{1, 3}, {2, 3}, {3, 3}}, seen); diff != "" {
		t.Errorf("Fortschritt (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithCancel(t.Context())
	gp = gp.WithProgress(func(step, _ int) {
		if step == 1 {
			cancel()
		}
	})
	_, err := p.Generate(ctx, gp)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrGeneration) {
		t.Errorf("erwartet abgebrochene Generierung, bekommen %v", err)
	}
}

func TestCheckFinite(t *testing.T) {
	p, ops := newTestPipeline(t, V1_5)
	ops.unet.pred = func(s *ml.Tensor) *ml.Tensor { return ml.Full(float32(math.NaN()), s.Shape()...) }
	gp := NewGenerationParameters("x").WithSteps(2).WithWidth(64).WithHeight(64)

	if _, err := p.Generate(t.Context(), gp); err != nil {
		t.Errorf("ohne CheckFinite kein Fehler erwartet, bekommen %v", err)
	}
	if _, err := p.WithCheckFinite(true).Generate(t.Context(), gp); !errors.Is(err, ErrNonFinite) {
		t.Errorf("erwartet ErrNonFinite, bekommen %v", err)
	}
}

func TestMissingSecondEncoderPanics(t *testing.T) {
	p, _ := newTestPipeline(t, XL)
	p.encoder2 = nil

	defer func() {
		if recover() == nil {
			t.Error("erwartet panic ohne zweiten Encoder")
		}
	}()
	p.textEmbeddings(NewGenerationParameters("x"), false)
}

func TestNewFromOperatorsMissing(t *testing.T) {
	ops := newFakeOps(testDims)

	cases := []struct {
		name string
		v    Version
		edit func(*Components)
	}{
		{"xl ohne encoder2", XL, func(c *Components) { c.Encoder2 = nil }},
		{"turbo ohne tokenizer2", Turbo, func(c *Components) { c.Tokenizer2 = nil }},
		{"ohne denoiser", V1_5, func(c *Components) { c.Denoiser = nil }},
		{"ohne vae", V2_1, func(c *Components) { c.Autoencoder = nil }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := ops.components()
			tt.edit(&c)
			if _, err := NewFromOperators(tt.v, ml.DTypeFloat32, c); !errors.Is(err, ErrConstruction) {
				t.Errorf("erwartet ErrConstruction, bekommen %v", err)
			}
		})
	}

	// V1_5 braucht keinen zweiten Encoder
	c := ops.components()
	c.Encoder2, c.Tokenizer2 = nil, nil
	if _, err := NewFromOperators(V1_5, ml.DTypeFloat32, c); err != nil {
		t.Errorf("V1_5 ohne zweiten Encoder: %v", err)
	}
}

func TestNew(t *testing.T) {
	fetcher := weights.FetcherFunc(func(_ context.Context, repo, file string) (string, error) {
		return "/cache/" + repo + "/" + file, nil
	})

	ops := newFakeOps(testDims)
	backend := &fakeBackend{ops: ops}
	p, err := New(t.Context(), Parameters{
		Version: XL,
		DType:   ml.DTypeFloat16,
		Backend: backend,
		Fetcher: fetcher,
		Tokenizers: map[weights.Role]Tokenizer{
			weights.Tokenizer:  ops.tok,
			weights.Tokenizer2: ops.tok2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Version() != XL || p.DType() != ml.DTypeFloat16 {
		t.Errorf("erwartet xl/f16, bekommen %s/%s", p.Version(), p.DType())
	}

	want := map[string]string{
		"unet":  "/cache/stabilityai/stable-diffusion-xl-base-1.0/unet/diffusion_pytorch_model.fp16.safetensors",
		"vae":   "/cache/madebyollin/sdxl-vae-fp16-fix/diffusion_pytorch_model.safetensors",
		"clip":  "/cache/stabilityai/stable-diffusion-xl-base-1.0/text_encoder/model.fp16.safetensors",
		"clip2": "/cache/stabilityai/stable-diffusion-xl-base-1.0/text_encoder_2/model.fp16.safetensors",
	}
	if diff := cmp.Diff(want, backend.paths); diff != "" {
		t.Errorf("Backend-Pfade (-want +got):\n%s", diff)
	}

	if _, err := p.Generate(t.Context(), NewGenerationParameters("x").WithSteps(1).WithWidth(64).WithHeight(64)); err != nil {
		t.Fatal(err)
	}
}

func TestNewConstructionErrors(t *testing.T) {
	broken := errors.New("kaputte safetensors")
	okFetcher := weights.FetcherFunc(func(_ context.Context, repo, file string) (string, error) {
		return "/cache/" + repo + "/" + file, nil
	})
	failFetcher := weights.FetcherFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("offline")
	})

	cases := []struct {
		name    string
		fetcher weights.Fetcher
		backend Backend
		want    error
	}{
		{"fetch", failFetcher, &fakeBackend{ops: newFakeOps(testDims)}, weights.ErrFetch},
		{"denoiser", okFetcher, &fakeBackend{ops: newFakeOps(testDims), fail: weights.Denoiser, err: broken}, broken},
		{"encoder", okFetcher, &fakeBackend{ops: newFakeOps(testDims), fail: weights.Encoder, err: broken}, broken},
		{"kein backend", okFetcher, nil, ErrConstruction},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ops := newFakeOps(testDims)
			_, err := New(t.Context(), Parameters{
				Version:    V1_5,
				Backend:    tt.backend,
				Fetcher:    tt.fetcher,
				Tokenizers: map[weights.Role]Tokenizer{weights.Tokenizer: ops.tok},
			})
			if !errors.Is(err, ErrConstruction) || !errors.Is(err, tt.want) {
				t.Errorf("erwartet ConstructionError mit %v, bekommen %v", tt.want, err)
			}
		})
	}
}
