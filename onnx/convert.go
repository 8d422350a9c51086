// MODUL: onnx/convert
// ZWECK: Umwandlung zwischen ml.Tensor-Daten und den Rohdaten von ONNX-Tensoren
// HINWEISE: f16/bf16 werden als Little-Endian-Bytes uebergeben

package onnx

import (
	"encoding/binary"
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/7blacky7/sdgen/ml"
)

// elementType ist der Datentyp eines Modell-Inputs oder -Outputs
type elementType int

const (
	elemFloat32 elementType = iota
	elemFloat16
	elemBfloat16
	elemInt64
	elemInt32
)

func (e elementType) String() string {
	switch e {
	case elemFloat32:
		return "float32"
	case elemFloat16:
		return "float16"
	case elemBfloat16:
		return "bfloat16"
	case elemInt64:
		return "int64"
	case elemInt32:
		return "int32"
	default:
		return fmt.Sprintf("elementType(%d)", int(e))
	}
}

// encodeHalf kodiert float32-Werte als f16 oder bf16
func encodeHalf(data []float32, e elementType) ([]byte, error) {
	switch e {
	case elemFloat16:
		b := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b, nil
	case elemBfloat16:
		return bfloat16.EncodeFloat32(data), nil
	default:
		return nil, fmt.Errorf("%w: %s ist kein half-typ", ErrUnsupported, e)
	}
}

// decodeHalf ist die Umkehrung von encodeHalf
func decodeHalf(b []byte, e elementType) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnsupported, len(b))
	}
	switch e {
	case elemFloat16:
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return out, nil
	case elemBfloat16:
		return bfloat16.DecodeFloat32(b), nil
	default:
		return nil, fmt.Errorf("%w: %s ist kein half-typ", ErrUnsupported, e)
	}
}

func int64Tokens(tokens []int32) []int64 {
	out := make([]int64, len(tokens))
	for i, t := range tokens {
		out[i] = int64(t)
	}
	return out
}

// tensorOf baut einen f32-Tensor aus Shape und Daten eines Outputs
func tensorOf(shape []int64, data []float32) (*ml.Tensor, error) {
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return ml.New(dims, data)
}

func shape64(t *ml.Tensor) []int64 {
	s := t.Shape()
	out := make([]int64, len(s))
	for i, d := range s {
		out[i] = int64(d)
	}
	return out
}
