//go:build !onnx || !cgo

// MODUL: onnx/stub
// ZWECK: Stub-Implementierung ohne CGO oder ohne Build-Tag "onnx"
// HINWEISE: Gibt Fehler zurueck bei allen Operationen

package onnx

import (
	"errors"

	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/ml"
	"github.com/7blacky7/sdgen/weights"
)

// ErrCGORequired wird zurueckgegeben wenn das Backend nicht einkompiliert ist
var ErrCGORequired = errors.New("onnx: CGO und build tag \"onnx\" erforderlich")

// Backend Stub
type Backend struct{}

var _ diffusion.Backend = (*Backend)(nil)

// NewBackend Stub - gibt immer Fehler zurueck
func NewBackend(Options) (*Backend, error) {
	return nil, ErrCGORequired
}

func (b *Backend) TextEncoder(weights.Role, string, diffusion.Version, ml.DType) (diffusion.TextEncoder, error) {
	return nil, ErrCGORequired
}

func (b *Backend) Denoiser(string, diffusion.Version, ml.DType) (diffusion.Denoiser, error) {
	return nil, ErrCGORequired
}

func (b *Backend) Autoencoder(string, diffusion.Version, ml.DType) (diffusion.Autoencoder, error) {
	return nil, ErrCGORequired
}

func (b *Backend) Close() error { return nil }
