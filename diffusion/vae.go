// vae.go - Umrechnung zwischen Bildern und VAE-Tensoren
//
// Enthält:
//   - ImageToTensor: RGB-Bild -> [1,3,H,W] in [-1,1]
//   - TensorToImage: [1,3,H,W] u8 -> *image.RGBA
//   - decodeLatents: Latent -> Pixel inkl. Skalierung und Quantisierung
package diffusion

import (
	"fmt"
	"image"
	"image/color"

	"github.com/7blacky7/sdgen/ml"
)

// ImageToTensor wandelt img in einen [1,3,H,W]-Tensor mit Werten in [-1,1]
func ImageToTensor(img image.Image) (*ml.Tensor, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	raw := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			raw = append(raw, c.R, c.G, c.B)
		}
	}

	hwc, err := ml.FromBytes([]int{h, w, 3}, raw)
	if err != nil {
		return nil, err
	}
	chw, err := hwc.AsType(ml.DTypeFloat32).Permute(2, 0, 1)
	if err != nil {
		return nil, err
	}
	return chw.Affine(2.0/255.0, -1).Unsqueeze(0)
}

// TensorToImage wandelt [1,3,H,W] oder [3,H,W] mit Werten in [0,255] in ein Bild
func TensorToImage(t *ml.Tensor) (*image.RGBA, error) {
	if t.Rank() == 4 {
		if t.Dim(0) != 1 {
			return nil, fmt.Errorf("%w: batch %d statt 1 in %v", ErrDecodeShape, t.Dim(0), t.Shape())
		}
		var err error
		if t, err = t.Reshape(t.Shape()[1:]...); err != nil {
			return nil, err
		}
	}
	if t.Rank() != 3 || t.Dim(0) != 3 {
		return nil, fmt.Errorf("%w: shape %v", ErrDecodeShape, t.Shape())
	}

	h, w := t.Dim(1), t.Dim(2)
	hwc, err := t.Permute(1, 2, 0)
	if err != nil {
		return nil, err
	}
	pixels := hwc.Bytes()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range w * h {
		copy(img.Pix[i*4:i*4+3], pixels[i*3:i*3+3])
		img.Pix[i*4+3] = 0xff
	}
	return img, nil
}

// decodeLatents dekodiert ein Latent und quantisiert nach u8
func decodeLatents(vae Autoencoder, latents *ml.Tensor, vaeScale float64) (*image.RGBA, error) {
	decoded, err := vae.Decode(latents.Scale(1 / vaeScale))
	if err != nil {
		return nil, err
	}
	pixels := decoded.AsType(ml.DTypeFloat32).
		Affine(0.5, 0.5).
		Clamp(0, 1).
		Scale(255).
		AsType(ml.DTypeUint8)
	return TensorToImage(pixels)
}
