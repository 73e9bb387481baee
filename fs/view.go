// view.go - Strided Zugriff auf Tensor-Elemente in Rohbytes
// Haupttypen: View
// Hauptfunktionen: ScaleView, ViewFloats, ContiguousStride
package fs

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// ErrUnsupportedDType wird geliefert, wenn ein Datentyp nicht skaliert werden kann
var ErrUnsupportedDType = errors.New("unsupported dtype")

// View beschreibt einen Tensor innerhalb eines Speicherbereichs (little-endian).
// Offset und Stride zaehlen in Elementen, nicht in Bytes.
type View struct {
	DType  DType
	Shape  []int64
	Stride []int64
	Offset int64
}

// ContiguousStride - Strides eines zusammenhaengenden Tensors
func ContiguousStride(shape []int64) []int64 {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

func (v View) stride() []int64 {
	if v.Stride == nil {
		return ContiguousStride(v.Shape)
	}
	return v.Stride
}

// Contiguous - true wenn die Elemente lueckenlos in Zeilen-Reihenfolge liegen
func (v View) Contiguous() bool {
	stride := v.stride()
	want := ContiguousStride(v.Shape)
	for i := range stride {
		if v.Shape[i] != 1 && stride[i] != want[i] {
			return false
		}
	}
	return true
}

// Validate prueft, dass alle adressierten Elemente in buf liegen.
func (v View) Validate(buf []byte) error {
	size := v.DType.Size()
	if size == 0 {
		return fmt.Errorf("%w %q", ErrUnsupportedDType, v.DType)
	}

	stride := v.stride()
	if len(stride) != len(v.Shape) {
		return fmt.Errorf("stride %v does not match shape %v", stride, v.Shape)
	}

	if v.Offset < 0 {
		return fmt.Errorf("negative offset %d", v.Offset)
	}

	last := v.Offset
	for i, d := range v.Shape {
		if d < 0 || stride[i] < 0 {
			return fmt.Errorf("invalid shape %v or stride %v", v.Shape, stride)
		}
		if d == 0 {
			return nil
		}
		last += (d - 1) * stride[i]
	}

	if n := int64(len(buf) / size); last >= n {
		return fmt.Errorf("view %v@%d exceeds storage of %d elements", v.Shape, v.Offset, n)
	}
	return nil
}

// rows ruft fn fuer jede innerste Zeile auf: Start-Element, Laenge, Abstand.
func (v View) rows(fn func(start, n, inc int64)) {
	if len(v.Shape) == 0 {
		fn(v.Offset, 1, 1)
		return
	}

	stride := v.stride()
	for _, d := range v.Shape {
		if d == 0 {
			return
		}
	}

	outer := v.Shape[:len(v.Shape)-1]
	n, inc := v.Shape[len(v.Shape)-1], stride[len(stride)-1]
	idx := make([]int64, len(outer))
	for {
		start := v.Offset
		for i, j := range idx {
			start += j * stride[i]
		}
		fn(start, n, inc)

		// naechster Index ueber die aeusseren Dimensionen
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < outer[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// ScaleView multipliziert alle von v adressierten Elemente in buf mit f.
// F32, F16 und BF16 werden in float32 gerechnet, F64 in float64.
// f == 1 veraendert keine Bytes.
func ScaleView(buf []byte, v View, f float64) error {
	if f == 1 {
		return nil
	}

	if err := v.Validate(buf); err != nil {
		return err
	}

	size := int64(v.DType.Size())
	if v.DType == F64 {
		var tmp []float64
		v.rows(func(start, n, inc int64) {
			tmp = grow(tmp, n)
			for j := range n {
				pos := (start + j*inc) * size
				decode64(tmp[j:j+1], buf[pos:])
			}
			floats.Scale(f, tmp)
			for j := range n {
				pos := (start + j*inc) * size
				encode64(buf[pos:], tmp[j:j+1])
			}
		})
		return nil
	}

	c, ok := codecs32[v.DType]
	if !ok {
		return fmt.Errorf("%w %q: cannot scale by %g", ErrUnsupportedDType, v.DType, f)
	}

	alpha := float32(f)
	var tmp []float32
	v.rows(func(start, n, inc int64) {
		tmp = grow(tmp, n)
		if inc == 1 {
			row := buf[start*size : (start+n)*size]
			c.decode(tmp, row)
			blas32.Scal(alpha, blas32.Vector{N: len(tmp), Inc: 1, Data: tmp})
			c.encode(row, tmp)
			return
		}

		for j := range n {
			pos := (start + j*inc) * size
			c.decode(tmp[j:j+1], buf[pos:pos+size])
		}
		blas32.Scal(alpha, blas32.Vector{N: len(tmp), Inc: 1, Data: tmp})
		for j := range n {
			pos := (start + j*inc) * size
			c.encode(buf[pos:pos+size], tmp[j:j+1])
		}
	})
	return nil
}

// ViewFloats liefert die Elemente von v in Zeilen-Reihenfolge.
func ViewFloats(buf []byte, v View) ([]float64, error) {
	if err := v.Validate(buf); err != nil {
		return nil, err
	}

	size := int64(v.DType.Size())
	c, isCodec := codecs32[v.DType]
	if v.DType.IsFloat() && v.DType != F64 && !isCodec {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDType, v.DType)
	}

	out := make([]float64, 0, NumElements(v.Shape))
	var one [1]float32
	var one64 [1]float64
	v.rows(func(start, n, inc int64) {
		for j := range n {
			pos := (start + j*inc) * size
			b := buf[pos : pos+size]
			switch {
			case v.DType == F64:
				decode64(one64[:], b)
				out = append(out, one64[0])
			case isCodec:
				c.decode(one[:], b)
				out = append(out, float64(one[0]))
			default:
				out = append(out, intValue(v.DType, b))
			}
		}
	})
	return out, nil
}

func grow[T any](s []T, n int64) []T {
	if int64(cap(s)) < n {
		return make([]T, n)
	}
	return s[:n]
}
