// operators.go - Schnittstellen zu den neuronalen Netzen
//
// Enthält:
//   - TextEncoder, Denoiser, Autoencoder: Tensor rein, Tensor raus
//   - PooledEncoder, PooledDenoiser: gepoolte Text-Embeddings fuer XL und Turbo
//   - Backend: baut die Operatoren aus Gewichtsdateien
//   - DiagonalGaussian: Latent-Verteilung des VAE-Encoders
package diffusion

import (
	"fmt"

	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/weights"
)

// Tokenizer liefert Token-IDs fester Laenge. *tokenizer.Adapter implementiert ihn.
type Tokenizer interface {
	TokenizePair(prompt string, uncond *string) ([]int32, []int32, error)
}

// TextEncoder bildet Token-IDs auf [1, L, D] ab
type TextEncoder interface {
	Encode(tokens []int32) (*ml.Tensor, error)
}

// PooledEncoder liefert zusaetzlich das gepoolte Embedding [1, P] des
// Prompts. pooled ist nil, wenn das Modell keines ausgibt.
type PooledEncoder interface {
	TextEncoder
	EncodePooled(tokens []int32) (hidden, pooled *ml.Tensor, err error)
}

// Denoiser sagt das Rauschen im Latent voraus. sample ist [B,4,h,w],
// emb ist [B,L,D]; die Ausgabe hat die Shape von sample.
type Denoiser interface {
	Forward(sample *ml.Tensor, timestep float64, emb *ml.Tensor) (*ml.Tensor, error)
}

// PooledDenoiser nimmt die gepoolten Embeddings [B, P] des zweiten Encoders
// als Zusatzbedingung (XL-UNet). Die Batch-Reihenfolge ist die von emb.
type PooledDenoiser interface {
	Denoiser
	ForwardPooled(sample *ml.Tensor, timestep float64, emb, pooled *ml.Tensor) (*ml.Tensor, error)
}

// Autoencoder uebersetzt zwischen Pixeln [1,3,H,W] in [-1,1] und Latents [1,4,H/8,W/8]
type Autoencoder interface {
	Encode(pixels *ml.Tensor) (LatentDistribution, error)
	Decode(latent *ml.Tensor) (*ml.Tensor, error)
}

// LatentDistribution ist das Ergebnis von Autoencoder.Encode
type LatentDistribution interface {
	Sample(rng *ml.RNG) (*ml.Tensor, error)
}

// Backend baut Operatoren aus lokalen Gewichtsdateien
type Backend interface {
	TextEncoder(role weights.Role, path string, v Version, dtype ml.DType) (TextEncoder, error)
	Denoiser(path string, v Version, dtype ml.DType) (Denoiser, error)
	Autoencoder(path string, v Version, dtype ml.DType) (Autoencoder, error)
}

const (
	logVarMin = -30
	logVarMax = 20
)

// DiagonalGaussian ist N(Mean, exp(LogVar)) pro Element
type DiagonalGaussian struct {
	Mean   *ml.Tensor
	LogVar *ml.Tensor
}

// NewDiagonalGaussian teilt die Momente [B,2C,h,w] entlang der Kanalachse
func NewDiagonalGaussian(moments *ml.Tensor) (*DiagonalGaussian, error) {
	parts, err := moments.Chunk(2, 1)
	if err != nil {
		return nil, fmt.Errorf("latent-momente: %w", err)
	}
	return &DiagonalGaussian{Mean: parts[0], LogVar: parts[1].Clamp(logVarMin, logVarMax)}, nil
}

// Sample zieht mean + exp(0.5*logvar) * eps
func (d *DiagonalGaussian) Sample(rng *ml.RNG) (*ml.Tensor, error) {
	std := d.LogVar.Scale(0.5).Exp()
	eps := ml.RandnLike(rng, d.Mean)
	noise, err := std.Mul(eps)
	if err != nil {
		return nil, err
	}
	return d.Mean.Add(noise)
}
