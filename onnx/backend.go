//go:build onnx && cgo

// MODUL: onnx/backend
// ZWECK: diffusion.Backend auf Basis von ONNX-Exporten
// INPUT: Pfade aus dem Gewichtssatz (siehe WeightSet)
// OUTPUT: TextEncoder, Denoiser, Autoencoder
// NEBENEFFEKTE: Jede Komponente haelt eine eigene Session
// ABHAENGIGKEITEN: session.go, diffusion, ml
// HINWEISE: Close() gibt alle Sessions frei

package onnx

import (
	"fmt"
	"sync"

	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/weights"
)

// Backend baut die Operatoren der Pipeline aus .onnx-Dateien
type Backend struct {
	opts Options

	mu       sync.Mutex
	sessions []*Session
}

var _ diffusion.Backend = (*Backend)(nil)

// NewBackend initialisiert die Runtime mit den gegebenen Optionen
func NewBackend(opts Options) (*Backend, error) {
	if err := InitRuntime(opts.Library); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	return &Backend{opts: opts}, nil
}

func (b *Backend) open(path string, inputs, outputs, optional []string) (*Session, error) {
	p, err := ResolveModelPath(path)
	if err != nil {
		return nil, err
	}
	s, err := CreateSession(p, inputs, outputs, optional, b.opts)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

// Close gibt alle Sessions frei
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.Destroy()
	}
	b.sessions = nil
	return nil
}

// ============================================================================
// Text-Encoder
// ============================================================================

// textEncoder liefert den gepoolten Output, falls der Export einen hat
// (CLIPTextModelWithProjection bei XL)
type textEncoder struct {
	session *Session
	names   Names
}

var _ diffusion.PooledEncoder = (*textEncoder)(nil)

func (b *Backend) TextEncoder(role weights.Role, path string, _ diffusion.Version, _ ml.DType) (diffusion.TextEncoder, error) {
	n := b.opts.Names
	s, err := b.open(path, []string{n.InputIDs}, []string{n.HiddenStates}, []string{n.PooledOutput})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	return &textEncoder{session: s, names: n}, nil
}

func (e *textEncoder) Encode(tokens []int32) (*ml.Tensor, error) {
	hidden, _, err := e.EncodePooled(tokens)
	return hidden, err
}

func (e *textEncoder) EncodePooled(tokens []int32) (*ml.Tensor, *ml.Tensor, error) {
	out, err := e.session.Run([]input{{
		name:  e.names.InputIDs,
		shape: []int64{1, int64(len(tokens))},
		ints:  int64Tokens(tokens),
	}})
	if err != nil {
		return nil, nil, err
	}
	if len(out) < 2 {
		return out[0], nil, nil
	}
	return out[0], out[1], nil
}

// ============================================================================
// UNet
// ============================================================================

type denoiser struct {
	session *Session
	names   Names
	layout  unetLayout
}

var _ diffusion.PooledDenoiser = (*denoiser)(nil)

func (b *Backend) Denoiser(path string, _ diffusion.Version, _ ml.DType) (diffusion.Denoiser, error) {
	n := b.opts.Names
	s, err := b.open(path,
		[]string{n.Sample, n.Timestep, n.EncoderHidden, n.TextEmbeds, n.TimeIDs},
		[]string{n.NoisePredicted}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", weights.Denoiser, err)
	}
	layout := unetLayout{
		timestepRank: s.InputRank(n.Timestep),
		xl:           s.HasInput(n.TimeIDs),
	}
	return &denoiser{session: s, names: n, layout: layout}, nil
}

// Forward scheitert bei XL-Exporten, die gepoolten Embeddings fehlen dort
func (d *denoiser) Forward(sample *ml.Tensor, timestep float64, emb *ml.Tensor) (*ml.Tensor, error) {
	return d.ForwardPooled(sample, timestep, emb, nil)
}

func (d *denoiser) ForwardPooled(sample *ml.Tensor, timestep float64, emb, pooled *ml.Tensor) (*ml.Tensor, error) {
	in, err := unetInputs(d.names, d.layout, sample, timestep, emb, pooled)
	if err != nil {
		return nil, err
	}
	out, err := d.session.Run(in)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ============================================================================
// VAE
// ============================================================================

type autoencoder struct {
	encoder *Session
	decoder *Session
	names   Names
}

// Autoencoder oeffnet den Decoder unter path; der Encoder wird daneben in
// vae_encoder/ gesucht und ist nur fuer img2img noetig
func (b *Backend) Autoencoder(path string, _ diffusion.Version, _ ml.DType) (diffusion.Autoencoder, error) {
	n := b.opts.Names
	dec, err := b.open(path, []string{n.LatentSample}, []string{n.DecodedSample}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", weights.Autoencoder, err)
	}
	ae := &autoencoder{decoder: dec, names: n}

	resolved, err := ResolveModelPath(path)
	if err != nil {
		return nil, err
	}
	if encPath, ok := encoderPath(resolved); ok {
		if ae.encoder, err = b.open(encPath, []string{n.EncoderInput}, []string{n.LatentMoments}, nil); err != nil {
			return nil, fmt.Errorf("%s encoder: %w", weights.Autoencoder, err)
		}
	}
	return ae, nil
}

func (a *autoencoder) Encode(pixels *ml.Tensor) (diffusion.LatentDistribution, error) {
	if a.encoder == nil {
		return nil, ErrNoEncoder
	}
	out, err := a.encoder.Run([]input{{name: a.names.EncoderInput, shape: shape64(pixels), floats: pixels.Floats()}})
	if err != nil {
		return nil, err
	}
	return diffusion.NewDiagonalGaussian(out[0])
}

func (a *autoencoder) Decode(latent *ml.Tensor) (*ml.Tensor, error) {
	out, err := a.decoder.Run([]input{{name: a.names.LatentSample, shape: shape64(latent), floats: latent.Floats()}})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
