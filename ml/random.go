// random.go - Reproduzierbares Gauss-Rauschen
package ml

import (
	"math/rand/v2"
	"sync"
	"time"
)

// RNG ist eine geseedete Zufallsquelle. Sicher fuer parallele Nutzung.
type RNG struct {
	mu   sync.Mutex
	r    *rand.Rand
	seed uint64
}

// NewRNG erstellt eine Quelle; seed 0 waehlt einen zufaelligen Seed
func NewRNG(seed uint64) *RNG {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
		if seed == 0 {
			seed = 1
		}
	}
	return &RNG{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed: seed}
}

// Seed gibt den tatsaechlich benutzten Seed zurueck
func (r *RNG) Seed() uint64 { return r.seed }

// Randn zieht standardnormalverteilte Werte in der gegebenen Shape
func Randn(r *RNG, shape ...int) *Tensor {
	t := Zeros(shape...)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range t.data {
		t.data[i] = float32(r.r.NormFloat64())
	}
	return t
}

// RandnLike zieht Rauschen mit Shape und DType von t
func RandnLike(r *RNG, t *Tensor) *Tensor {
	return Randn(r, t.shape...).AsType(t.dtype)
}
