// types.go - Datentypen fuer Tensoren
// Dieses Modul definiert DType und die Rundung auf die jeweilige Praezision.
package ml

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeBfloat16
	DTypeUint8
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "f32"
	case DTypeFloat16:
		return "f16"
	case DTypeBfloat16:
		return "bf16"
	case DTypeUint8:
		return "u8"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType akzeptiert die ueblichen Schreibweisen (f32, fp16, bfloat16, ...)
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return DTypeFloat32, nil
	case "f16", "fp16", "float16", "half":
		return DTypeFloat16, nil
	case "bf16", "bfloat16":
		return DTypeBfloat16, nil
	case "u8", "uint8":
		return DTypeUint8, nil
	default:
		return DTypeFloat32, fmt.Errorf("unbekannter dtype %q", s)
	}
}

// round bringt die Werte in-place auf die Praezision des DType
func (d DType) round(s []float32) {
	switch d {
	case DTypeFloat16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBfloat16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	case DTypeUint8:
		for i, v := range s {
			switch {
			case math.IsNaN(float64(v)) || v <= 0:
				s[i] = 0
			case v >= 255:
				s[i] = 255
			default:
				s[i] = float32(uint8(v))
			}
		}
	}
}
