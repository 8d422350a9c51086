// ops.go - Elementweise Operationen
//
// Dieses Modul enthaelt:
//   - Binaere Operationen mit gleicher Shape (Add, Sub, Mul)
//   - Skalare Operationen (Scale, AddScalar, Affine, Clamp, Exp)
//   - AllFinite fuer NaN/Inf-Pruefungen
package ml

import (
	"fmt"
	"math"
	"slices"
)

func (t *Tensor) binary(o *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if !slices.Equal(t.shape, o.shape) {
		return nil, fmt.Errorf("%w: %v und %v", ErrShapeMismatch, t.shape, o.shape)
	}
	data := make([]float32, len(t.data))
	for i := range data {
		data[i] = fn(t.data[i], o.data[i])
	}
	return t.derive(data), nil
}

func (t *Tensor) unary(fn func(float32) float32) *Tensor {
	data := make([]float32, len(t.data))
	for i, v := range t.data {
		data[i] = fn(v)
	}
	return t.derive(data)
}

// Add gibt t + o zurueck
func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	return t.binary(o, func(a, b float32) float32 { return a + b })
}

// Sub gibt t - o zurueck
func (t *Tensor) Sub(o *Tensor) (*Tensor, error) {
	return t.binary(o, func(a, b float32) float32 { return a - b })
}

// Mul gibt das elementweise Produkt zurueck
func (t *Tensor) Mul(o *Tensor) (*Tensor, error) {
	return t.binary(o, func(a, b float32) float32 { return a * b })
}

// Scale multipliziert mit einem Skalar
func (t *Tensor) Scale(f float64) *Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v) * f) })
}

// AddScalar addiert einen Skalar
func (t *Tensor) AddScalar(f float64) *Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v) + f) })
}

// Affine berechnet t*mul + add
func (t *Tensor) Affine(mul, add float64) *Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v)*mul + add) })
}

// Clamp begrenzt auf [lo, hi]
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	return t.unary(func(v float32) float32 {
		return float32(min(max(float64(v), lo), hi))
	})
}

// Exp berechnet e^t
func (t *Tensor) Exp() *Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// AllFinite meldet, ob alle Werte endlich sind
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
