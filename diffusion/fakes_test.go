package diffusion

import (
	"fmt"
	"sync"

	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/weights"
)

const fakeSeqLen = 4

type tokenizeCall struct {
	prompt string
	uncond *string
}

// fakeTokenizer kodiert einen Prompt als [len+1, 1, 2, 3]
type fakeTokenizer struct {
	mu    sync.Mutex
	calls []tokenizeCall
}

func tokensFor(s string) []int32 {
	return []int32{int32(len(s)) + 1, 1, 2, 3}
}

func (f *fakeTokenizer) TokenizePair(prompt string, uncond *string) ([]int32, []int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := tokenizeCall{prompt: prompt}
	if uncond != nil {
		u := *uncond
		call.uncond = &u
	}
	f.calls = append(f.calls, call)

	if uncond == nil {
		return tokensFor(prompt), nil, nil
	}
	return tokensFor(prompt), tokensFor(*uncond), nil
}

// fakeEncoder liefert [1, L, dim] gefuellt mit dem ersten Token
type fakeEncoder struct {
	dim   int
	mu    sync.Mutex
	calls [][]int32
}

func (f *fakeEncoder) Encode(tokens []int32) (*ml.Tensor, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tokens)
	f.mu.Unlock()
	return ml.Full(float32(tokens[0]), 1, len(tokens), f.dim), nil
}

// fakePooledEncoder liefert zusaetzlich [1, pooledDim] mit dem ersten Token
type fakePooledEncoder struct {
	*fakeEncoder
	pooledDim int
}

func (f *fakePooledEncoder) EncodePooled(tokens []int32) (*ml.Tensor, *ml.Tensor, error) {
	hidden, err := f.Encode(tokens)
	if err != nil {
		return nil, nil, err
	}
	return hidden, ml.Full(float32(tokens[0]), 1, f.pooledDim), nil
}

type forwardCall struct {
	batch    int
	timestep float64
	embShape []int
	sample   []float32
	pooled   *ml.Tensor
}

// fakeDenoiser sagt konstantes Rauschen voraus und prueft die Batch-Groessen
type fakeDenoiser struct {
	mu    sync.Mutex
	calls []forwardCall
	pred  func(sample *ml.Tensor) *ml.Tensor
}

func (f *fakeDenoiser) Forward(sample *ml.Tensor, timestep float64, emb *ml.Tensor) (*ml.Tensor, error) {
	f.mu.Lock()
	f.calls = append(f.calls, forwardCall{batch: sample.Dim(0), timestep: timestep, embShape: emb.Shape(), sample: sample.Floats()})
	f.mu.Unlock()
	if sample.Dim(0) != emb.Dim(0) {
		return nil, fmt.Errorf("%w: sample batch %d, embedding batch %d", ml.ErrShapeMismatch, sample.Dim(0), emb.Dim(0))
	}
	if f.pred != nil {
		return f.pred(sample), nil
	}
	return ml.Zeros(sample.Shape()...), nil
}

// fakePooledDenoiser merkt sich zusaetzlich die gepoolten Embeddings
type fakePooledDenoiser struct {
	*fakeDenoiser
	forwards int
}

func (f *fakePooledDenoiser) Forward(sample *ml.Tensor, timestep float64, emb *ml.Tensor) (*ml.Tensor, error) {
	f.forwards++
	return f.fakeDenoiser.Forward(sample, timestep, emb)
}

func (f *fakePooledDenoiser) ForwardPooled(sample *ml.Tensor, timestep float64, emb, pooled *ml.Tensor) (*ml.Tensor, error) {
	if pooled.Dim(0) != sample.Dim(0) {
		return nil, fmt.Errorf("%w: sample batch %d, pooled batch %d", ml.ErrShapeMismatch, sample.Dim(0), pooled.Dim(0))
	}
	out, err := f.fakeDenoiser.Forward(sample, timestep, emb)
	f.mu.Lock()
	f.calls[len(f.calls)-1].pooled = pooled
	f.mu.Unlock()
	return out, err
}

// fakeAutoencoder behaelt die Aufloesung bei: Latent-Kanaele 0..2 sind die
// Pixel, Kanal 3 ist 0. Die Varianz ist praktisch 0. Mit latent liefert
// Encode genau dieses Latent, ohne den RNG zu benutzen.
type fakeAutoencoder struct {
	decodeChannels int
	encodes        int
	latent         *ml.Tensor
}

type fixedLatent struct{ t *ml.Tensor }

func (l fixedLatent) Sample(*ml.RNG) (*ml.Tensor, error) { return l.t, nil }

func (f *fakeAutoencoder) Encode(pixels *ml.Tensor) (LatentDistribution, error) {
	f.encodes++
	if f.latent != nil {
		return fixedLatent{f.latent}, nil
	}
	h, w := pixels.Dim(2), pixels.Dim(3)
	mean, err := ml.Concat(1, pixels, ml.Zeros(1, 1, h, w))
	if err != nil {
		return nil, err
	}
	moments, err := ml.Concat(1, mean, ml.Full(-30, 1, 4, h, w))
	if err != nil {
		return nil, err
	}
	return NewDiagonalGaussian(moments)
}

func (f *fakeAutoencoder) Decode(latent *ml.Tensor) (*ml.Tensor, error) {
	channels := f.decodeChannels
	if channels == 0 {
		channels = 3
	}
	parts, err := latent.Chunk(latent.Dim(1), 1)
	if err != nil {
		return nil, err
	}
	out := parts[:min(channels, len(parts))]
	for len(out) < channels {
		out = append(out, parts[0])
	}
	return ml.Concat(1, out...)
}

// fakeBackend baut die Fakes und merkt sich die Pfade
type fakeBackend struct {
	paths map[string]string
	fail  weights.Role
	err   error
	ops   fakeOps
}

type fakeOps struct {
	tok, tok2 *fakeTokenizer
	enc, enc2 *fakeEncoder
	unet      *fakeDenoiser
	vae       *fakeAutoencoder
}

func newFakeOps(dims [2]int) fakeOps {
	return fakeOps{
		tok:  &fakeTokenizer{},
		tok2: &fakeTokenizer{},
		enc:  &fakeEncoder{dim: dims[0]},
		enc2: &fakeEncoder{dim: dims[1]},
		unet: &fakeDenoiser{},
		vae:  &fakeAutoencoder{},
	}
}

func (o fakeOps) components() Components {
	return Components{
		Tokenizer:   o.tok,
		Tokenizer2:  o.tok2,
		Encoder:     o.enc,
		Encoder2:    o.enc2,
		Denoiser:    o.unet,
		Autoencoder: o.vae,
	}
}

func (b *fakeBackend) record(role weights.Role, path string) error {
	if b.paths == nil {
		b.paths = make(map[string]string)
	}
	b.paths[role.String()] = path
	if b.err != nil && role == b.fail {
		return b.err
	}
	return nil
}

func (b *fakeBackend) TextEncoder(role weights.Role, path string, _ Version, _ ml.DType) (TextEncoder, error) {
	if err := b.record(role, path); err != nil {
		return nil, err
	}
	if role == weights.Encoder2 {
		return b.ops.enc2, nil
	}
	return b.ops.enc, nil
}

func (b *fakeBackend) Denoiser(path string, _ Version, _ ml.DType) (Denoiser, error) {
	if err := b.record(weights.Denoiser, path); err != nil {
		return nil, err
	}
	return b.ops.unet, nil
}

func (b *fakeBackend) Autoencoder(path string, _ Version, _ ml.DType) (Autoencoder, error) {
	if err := b.record(weights.Autoencoder, path); err != nil {
		return nil, err
	}
	return b.ops.vae, nil
}
