// generate.go - Sampling-Loop
//
// Ablauf von Generate:
//  1. Defaults aus der Versionstabelle aufloesen
//  2. Scheduler und Timesteps fuer die Schrittzahl bauen
//  3. img2img: Startindex berechnen, Ausgangsbild mit dem VAE kodieren
//  4. Text-Embeddings (bei XL/Turbo beide Encoder, entlang der Features verbunden,
//     dazu die gepoolten Embeddings des zweiten Encoders)
//  5. Latent initialisieren (Rauschen oder verrauschtes Ausgangs-Latent)
//  6. Denoising ab dem Startindex mit Classifier-Free Guidance
//  7. Latent dekodieren
package diffusion

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/7blacky7/sdgen/logutil"
	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/scheduler"
)

// latentChannels ist die Kanalzahl des VAE-Latents, der Faktor die Verkleinerung
const (
	latentChannels = 4
	latentFactor   = 8
)

// startIndex ist der erste Timestep-Index im img2img-Modus
func startIndex(steps int, strength float64) int {
	return steps - int(math.Round(float64(steps)*strength))
}

// Generate erzeugt ein Bild. Fehler sind GenerationError; ein abgebrochener
// Context beendet den Loop vor dem naechsten Schritt.
func (p *Pipeline) Generate(ctx context.Context, gp GenerationParameters) (*image.RGBA, error) {
	r, err := gp.resolve(p.version)
	if err != nil {
		return nil, generationError("parameter", err)
	}

	sched, err := scheduler.New(p.scheduler, r.steps)
	if err != nil {
		return nil, generationError("scheduler", err)
	}
	timesteps := sched.Timesteps()
	rng := ml.NewRNG(gp.seed)

	p.logger.Debug("generate", "version", p.version, "width", r.width, "height", r.height,
		"steps", r.steps, "guidance", r.guidance, "scheduler", p.scheduler.Kind, "seed", rng.Seed())

	tStart := 0
	var source LatentDistribution
	if gp.image != nil {
		tStart = startIndex(r.steps, gp.strength)
		pixels, err := ImageToTensor(gp.image)
		if err != nil {
			return nil, generationError("img2img", err)
		}
		if source, err = p.vae.Encode(pixels.AsType(p.dtype)); err != nil {
			return nil, generationError("img2img", err)
		}
	}

	cond, err := p.textEmbeddings(gp, r.useGuidance)
	if err != nil {
		return nil, generationError("text embeddings", err)
	}
	p.logger.Debug("text embeddings", "shape", cond.emb.Shape(), "pooled", cond.pooled != nil)

	latents, err := p.initLatents(sched, source, tStart, r, rng)
	if err != nil {
		return nil, generationError("latent init", err)
	}

	total := len(timesteps) - tStart
	for i, t := range timesteps {
		if i < tStart {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &GenerationError{Stage: "sampling", Step: i, Err: err}
		}

		start := time.Now()
		if latents, err = p.denoiseStep(sched, latents, t, cond, r); err != nil {
			return nil, &GenerationError{Stage: "sampling", Step: i, Err: err}
		}
		if p.checkFinite && !latents.AllFinite() {
			return nil, &GenerationError{Stage: "sampling", Step: i, Err: ErrNonFinite}
		}

		done := i - tStart + 1
		if p.logger.Enabled(ctx, logutil.LevelTrace) {
			p.logger.Log(ctx, logutil.LevelTrace, "step done", "step", done, "total", total, "timestep", t,
				"elapsed", time.Since(start), "latents", ml.Dump(latents, ml.DumpWithPrecision(3), ml.DumpWithEdgeItems(2)))
		}
		if gp.progress != nil {
			gp.progress(done, total)
		}
	}

	img, err := decodeLatents(p.vae, latents, p.version.VAEScale())
	if err != nil {
		return nil, generationError("decode", err)
	}
	return img, nil
}

// conditioning ist die Text-Bedingung der UNet. pooled ist nur bei XL/Turbo
// gesetzt und nur, wenn der zweite Encoder gepoolte Embeddings liefert.
type conditioning struct {
	emb    *ml.Tensor
	pooled *ml.Tensor
}

// textEmbeddings baut [B, L, D]; B ist 2 ([uncond, cond]) mit Guidance, sonst 1
func (p *Pipeline) textEmbeddings(gp GenerationParameters, useGuidance bool) (conditioning, error) {
	var uncond *string
	if useGuidance {
		uncond = &gp.uncondPrompt
	}
	emb, _, err := encodePair(p.tokenizer, p.encoder, gp.prompt, uncond)
	if err != nil {
		return conditioning{}, err
	}

	if !p.version.DualEncoder() {
		return conditioning{emb: emb.AsType(p.dtype)}, nil
	}
	if p.tokenizer2 == nil || p.encoder2 == nil {
		panic(fmt.Sprintf("diffusion: version %s ohne zweiten tokenizer oder encoder", p.version))
	}

	style := gp.prompt
	if gp.stylePrompt != nil {
		style = *gp.stylePrompt
	}
	var uncondStyle *string
	if useGuidance {
		s := ""
		if gp.uncondStylePrompt != nil {
			s = *gp.uncondStylePrompt
		}
		uncondStyle = &s
	}
	emb2, pooled, err := encodePair(p.tokenizer2, p.encoder2, style, uncondStyle)
	if err != nil {
		return conditioning{}, fmt.Errorf("zweiter encoder: %w", err)
	}

	joined, err := ml.Concat(-1, emb, emb2)
	if err != nil {
		return conditioning{}, err
	}
	c := conditioning{emb: joined.AsType(p.dtype)}
	if pooled != nil {
		c.pooled = pooled.AsType(p.dtype)
	}
	return c, nil
}

// encodePair kodiert Prompt und optional den unkonditionierten Prompt.
// Beide Ergebnisse haben die Batch-Reihenfolge [uncond, cond].
func encodePair(tok Tokenizer, enc TextEncoder, prompt string, uncond *string) (hidden, pooled *ml.Tensor, err error) {
	tokens, uncondTokens, err := tok.TokenizePair(prompt, uncond)
	if err != nil {
		return nil, nil, err
	}
	cond, condPooled, err := encode(enc, tokens)
	if err != nil {
		return nil, nil, err
	}
	if uncondTokens == nil {
		return cond, condPooled, nil
	}
	u, uPooled, err := encode(enc, uncondTokens)
	if err != nil {
		return nil, nil, err
	}
	if hidden, err = ml.Concat(0, u, cond); err != nil {
		return nil, nil, err
	}
	if uPooled == nil || condPooled == nil {
		return hidden, nil, nil
	}
	if pooled, err = ml.Concat(0, uPooled, condPooled); err != nil {
		return nil, nil, err
	}
	return hidden, pooled, nil
}

func encode(enc TextEncoder, tokens []int32) (*ml.Tensor, *ml.Tensor, error) {
	if pe, ok := enc.(PooledEncoder); ok {
		return pe.EncodePooled(tokens)
	}
	hidden, err := enc.Encode(tokens)
	return hidden, nil, err
}

func (p *Pipeline) initLatents(sched scheduler.Scheduler, source LatentDistribution, tStart int, r resolved, rng *ml.RNG) (*ml.Tensor, error) {
	if source == nil {
		noise := ml.Randn(rng, 1, latentChannels, r.height/latentFactor, r.width/latentFactor)
		return noise.Scale(sched.InitNoiseSigma()).AsType(p.dtype), nil
	}

	sample, err := source.Sample(rng)
	if err != nil {
		return nil, err
	}
	latents := sample.Scale(p.version.VAEScale())
	if timesteps := sched.Timesteps(); tStart < len(timesteps) {
		noise := ml.RandnLike(rng, latents)
		if latents, err = sched.AddNoise(latents, noise, timesteps[tStart]); err != nil {
			return nil, err
		}
	}
	return latents.AsType(p.dtype), nil
}

func (p *Pipeline) denoiseStep(sched scheduler.Scheduler, latents *ml.Tensor, t int, cond conditioning, r resolved) (*ml.Tensor, error) {
	input := latents
	if r.useGuidance {
		var err error
		if input, err = ml.Concat(0, latents, latents); err != nil {
			return nil, err
		}
	}
	input, err := sched.ScaleModelInput(input, t)
	if err != nil {
		return nil, err
	}

	var pred *ml.Tensor
	if pd, ok := p.unet.(PooledDenoiser); ok && cond.pooled != nil {
		pred, err = pd.ForwardPooled(input, float64(t), cond.emb, cond.pooled)
	} else {
		pred, err = p.unet.Forward(input, float64(t), cond.emb)
	}
	if err != nil {
		return nil, err
	}
	if r.useGuidance {
		if pred, err = guide(pred, r.guidance); err != nil {
			return nil, err
		}
	}
	return sched.Step(pred, t, latents)
}

// guide kombiniert [uncond, cond] zu uncond + g*(cond - uncond)
func guide(pred *ml.Tensor, g float64) (*ml.Tensor, error) {
	parts, err := pred.Chunk(2, 0)
	if err != nil {
		return nil, err
	}
	diff, err := parts[1].Sub(parts[0])
	if err != nil {
		return nil, err
	}
	return parts[0].Add(diff.Scale(g))
}
