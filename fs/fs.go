// fs.go - Gemeinsame Typen fuer Gewichtsdateien
// Haupttypen: Tensor, Tensors, File, Format
package fs

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Format - Serialisierungsformat einer Gewichtsdatei
type Format string

const (
	FormatUnknown     Format = ""
	FormatTorch       Format = "torch"
	FormatSafetensors Format = "safetensors"
)

// Tensor ist ein gespeicherter Parameter. Die Daten bleiben in der
// Byte-Darstellung der Datei; Scale veraendert sie in-place.
type Tensor interface {
	Name() string
	DType() DType
	Shape() []int64
	// Scale multipliziert alle Elemente mit f. Form und Datentyp bleiben gleich.
	Scale(f float64) error
	// Floats liefert die Elemente in Zeilen-Reihenfolge.
	Floats() ([]float64, error)
}

// Tensors bildet Parameternamen auf Tensoren ab, in Datei-Reihenfolge.
type Tensors = orderedmap.OrderedMap[string, Tensor]

// NewTensors - Leere Parameter-Map
func NewTensors() *Tensors {
	return orderedmap.New[string, Tensor]()
}

// File ist eine geladene Gewichtsdatei.
type File interface {
	Format() Format
	Tensors() *Tensors
	// WriteFile schreibt die Datei im Originalformat nach path.
	WriteFile(path string) error
}

// NumElements - Produkt der Dimensionen
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
