// tensor.go - CPU-Tensor fuer Latents, Embeddings und Bilder
//
// Dieses Modul enthaelt:
//   - Tensor: Shape + float32-Daten + DType
//   - Konstruktoren (New, Zeros, Full, FromBytes)
//   - Shape-Operationen (Reshape, Unsqueeze, Permute, Concat, Chunk)
package ml

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
)

// ErrShapeMismatch wird bei inkompatiblen Shapes zurueckgegeben
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor ist ein dichter, zeilenweise gespeicherter Tensor.
// Werte werden immer als float32 gehalten und bei reduzierter
// Praezision nach jeder Operation gerundet.
// Operationen veraendern ihre Eingaben nie.
type Tensor struct {
	shape []int
	data  []float32
	dtype DType
}

// New erstellt einen float32-Tensor, die Daten werden uebernommen
func New(shape []int, data []float32) (*Tensor, error) {
	if n := mul(shape...); n != len(data) {
		return nil, fmt.Errorf("%w: shape %v braucht %d Werte, bekommen %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data, dtype: DTypeFloat32}, nil
}

// Zeros erstellt einen mit 0 gefuellten Tensor
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, mul(shape...)), dtype: DTypeFloat32}
}

// Full erstellt einen Tensor mit konstantem Wert
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromBytes erstellt einen u8-Tensor aus Rohbytes
func FromBytes(shape []int, b []byte) (*Tensor, error) {
	if n := mul(shape...); n != len(b) {
		return nil, fmt.Errorf("%w: shape %v braucht %d Bytes, bekommen %d", ErrShapeMismatch, shape, n, len(b))
	}
	data := make([]float32, len(b))
	for i, v := range b {
		data[i] = float32(v)
	}
	return &Tensor{shape: slices.Clone(shape), data: data, dtype: DTypeUint8}, nil
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }
func (t *Tensor) Rank() int    { return len(t.shape) }
func (t *Tensor) Len() int     { return len(t.data) }
func (t *Tensor) DType() DType { return t.dtype }

// Dim gibt die Groesse einer Achse zurueck, negative Achsen zaehlen von hinten
func (t *Tensor) Dim(axis int) int {
	a, err := t.axis(axis)
	if err != nil {
		panic(err)
	}
	return t.shape[a]
}

// Floats gibt eine Kopie der Daten zurueck
func (t *Tensor) Floats() []float32 { return slices.Clone(t.data) }

// Bytes gibt die Daten als u8 zurueck (gesaettigt)
func (t *Tensor) Bytes() []byte {
	s := slices.Clone(t.data)
	DTypeUint8.round(s)
	b := make([]byte, len(s))
	for i, v := range s {
		b[i] = byte(v)
	}
	return b
}

// AsType konvertiert in einen anderen DType
func (t *Tensor) AsType(d DType) *Tensor {
	out := &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: d}
	d.round(out.data)
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s)", t.shape, t.dtype)
}

// derive erzeugt ein Ergebnis mit gleicher Shape und gleichem DType
func (t *Tensor) derive(data []float32) *Tensor {
	out := &Tensor{shape: slices.Clone(t.shape), data: data, dtype: t.dtype}
	t.dtype.round(out.data)
	return out
}

func (t *Tensor) axis(axis int) (int, error) {
	a := axis
	if a < 0 {
		a += len(t.shape)
	}
	if a < 0 || a >= len(t.shape) {
		return 0, fmt.Errorf("%w: achse %d ausserhalb von %v", ErrShapeMismatch, axis, t.shape)
	}
	return a, nil
}

// Reshape aendert die Shape, eine Achse darf -1 sein
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: mehr als eine -1 in %v", ErrShapeMismatch, shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 && len(t.data)%known == 0 {
		shape[infer] = len(t.data) / known
	}
	if mul(shape...) != len(t.data) {
		return nil, fmt.Errorf("%w: reshape %v nach %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{shape: shape, data: t.data, dtype: t.dtype}, nil
}

// Unsqueeze fuegt eine Achse der Groesse 1 ein
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.shape) + 1
	}
	if axis < 0 || axis > len(t.shape) {
		return nil, fmt.Errorf("%w: unsqueeze achse %d bei %v", ErrShapeMismatch, axis, t.shape)
	}
	shape := slices.Insert(slices.Clone(t.shape), axis, 1)
	return &Tensor{shape: shape, data: t.data, dtype: t.dtype}, nil
}

// Permute vertauscht die Achsen
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	if len(axes) != len(t.shape) {
		return nil, fmt.Errorf("%w: permute %v bei %v", ErrShapeMismatch, axes, t.shape)
	}
	identity := true
	for i, a := range axes {
		if a != i {
			identity = false
		}
	}
	if identity {
		return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: t.dtype}, nil
	}

	n := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	if err := n.T(axes...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := n.Transpose(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	data, ok := n.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unerwarteter Datentyp %T", n.Data())
	}
	return &Tensor{shape: slices.Clone([]int(n.Shape())), data: data, dtype: t.dtype}, nil
}

// Concat verbindet Tensoren entlang einer Achse (negativ = von hinten)
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat ohne Tensoren", ErrShapeMismatch)
	}
	first := ts[0]
	a, err := first.axis(axis)
	if err != nil {
		return nil, err
	}

	shape := slices.Clone(first.shape)
	shape[a] = 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, fmt.Errorf("%w: concat %v mit %v", ErrShapeMismatch, first.shape, t.shape)
		}
		for i := range t.shape {
			if i != a && t.shape[i] != first.shape[i] {
				return nil, fmt.Errorf("%w: concat %v mit %v auf achse %d", ErrShapeMismatch, first.shape, t.shape, axis)
			}
		}
		shape[a] += t.shape[a]
	}

	outer := mul(first.shape[:a]...)
	data := make([]float32, 0, mul(shape...))
	for o := range outer {
		for _, t := range ts {
			block := mul(t.shape[a:]...)
			data = append(data, t.data[o*block:(o+1)*block]...)
		}
	}

	out := &Tensor{shape: shape, data: data, dtype: first.dtype}
	first.dtype.round(out.data)
	return out, nil
}

// Chunk teilt entlang einer Achse in n gleich grosse Teile
func (t *Tensor) Chunk(n, axis int) ([]*Tensor, error) {
	a, err := t.axis(axis)
	if err != nil {
		return nil, err
	}
	if n <= 0 || t.shape[a]%n != 0 {
		return nil, fmt.Errorf("%w: %v laesst sich auf achse %d nicht in %d Teile teilen", ErrShapeMismatch, t.shape, axis, n)
	}

	part := t.shape[a] / n
	outer := mul(t.shape[:a]...)
	inner := mul(t.shape[a+1:]...)
	block := t.shape[a] * inner

	out := make([]*Tensor, n)
	for c := range n {
		shape := slices.Clone(t.shape)
		shape[a] = part
		data := make([]float32, 0, mul(shape...))
		for o := range outer {
			start := o*block + c*part*inner
			data = append(data, t.data[start:start+part*inner]...)
		}
		out[c] = &Tensor{shape: shape, data: data, dtype: t.dtype}
	}
	return out, nil
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}
	return p
}
