// dtype.go - Datentypen und Element-Codecs
// Haupttypen: DType
package fs

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType ist der Elementtyp eines Tensors in safetensors-Schreibweise.
type DType string

const (
	F64    DType = "F64"
	F32    DType = "F32"
	F16    DType = "F16"
	BF16   DType = "BF16"
	F8E4M3 DType = "F8_E4M3"
	F8E5M2 DType = "F8_E5M2"
	I64    DType = "I64"
	I32    DType = "I32"
	I16    DType = "I16"
	I8     DType = "I8"
	U64    DType = "U64"
	U32    DType = "U32"
	U16    DType = "U16"
	U8     DType = "U8"
	Bool   DType = "BOOL"
)

// Size - Bytes pro Element, 0 fuer unbekannte Typen
func (t DType) Size() int {
	switch t {
	case F64, I64, U64:
		return 8
	case F32, I32, U32:
		return 4
	case F16, BF16, I16, U16:
		return 2
	case F8E4M3, F8E5M2, I8, U8, Bool:
		return 1
	default:
		return 0
	}
}

// IsFloat - true fuer Gleitkommatypen
func (t DType) IsFloat() bool {
	switch t {
	case F64, F32, F16, BF16, F8E4M3, F8E5M2:
		return true
	default:
		return false
	}
}

// codec32 dekodiert und kodiert zusammenhaengende Elemente ueber float32.
type codec32 struct {
	decode func(dst []float32, src []byte)
	encode func(dst []byte, src []float32)
}

var codecs32 = map[DType]codec32{
	F32: {
		decode: func(dst []float32, src []byte) {
			for i := range dst {
				dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
			}
		},
		encode: func(dst []byte, src []float32) {
			for i, v := range src {
				binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
			}
		},
	},
	F16: {
		decode: func(dst []float32, src []byte) {
			for i := range dst {
				dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
			}
		},
		encode: func(dst []byte, src []float32) {
			for i, v := range src {
				binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
			}
		},
	},
	BF16: {
		decode: func(dst []float32, src []byte) {
			copy(dst, bfloat16.DecodeFloat32(src[:len(dst)*2]))
		},
		encode: func(dst []byte, src []float32) {
			copy(dst, bfloat16.EncodeFloat32(src))
		},
	},
}

func decode64(dst []float64, src []byte) {
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
	}
}

func encode64(dst []byte, src []float64) {
	for i, v := range src {
		binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
	}
}

// intValue - Liest ein Ganzzahl-Element als float64 (nur fuer Statistiken)
func intValue(t DType, b []byte) float64 {
	switch t {
	case I64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case I32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case I16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case I8:
		return float64(int8(b[0]))
	case U64:
		return float64(binary.LittleEndian.Uint64(b))
	case U32:
		return float64(binary.LittleEndian.Uint32(b))
	case U16:
		return float64(binary.LittleEndian.Uint16(b))
	default:
		return float64(b[0])
	}
}
