// ratios.go - Ratio-Vektor: ein Skalierungsfaktor pro Block
// Haupttypen: Ratios, RatioInput
// Hauptfunktionen: ParseRatios, Ones
package block

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrRatioCount wird geliefert, wenn nicht genau 17 Werte angegeben sind
	ErrRatioCount = fmt.Errorf("block weights require exactly %d ratios", Count)

	// ErrRatioValue wird geliefert, wenn ein Wert keine Zahl ist
	ErrRatioValue = errors.New("invalid block weight ratio")
)

// Ratios enthaelt die 17 Faktoren in kanonischer Blockreihenfolge.
type Ratios [Count]float64

// RatioInput sind die Formen, in denen Ratios an der Grenze akzeptiert werden.
type RatioInput interface {
	string | []float64 | Ratios
}

// Ones - Ratio-Vektor, der nichts veraendert
func Ones() Ratios {
	var r Ratios
	for i := range r {
		r[i] = 1
	}
	return r
}

// ParseRatios validiert v und liefert einen typisierten Ratio-Vektor.
// Strings sind komma-separiert ("1,1,1,1,1,1,1,0.5,1,1,1,1,1,1,1,1,1").
func ParseRatios[T RatioInput](v T) (Ratios, error) {
	switch v := any(v).(type) {
	case Ratios:
		return v, nil
	case []float64:
		if len(v) != Count {
			return Ratios{}, fmt.Errorf("%w, got %d", ErrRatioCount, len(v))
		}
		return Ratios(v), nil
	case string:
		return parseRatioString(v)
	default:
		panic("unreachable")
	}
}

func parseRatioString(s string) (Ratios, error) {
	fields := strings.Split(s, ",")
	if len(fields) != Count {
		return Ratios{}, fmt.Errorf("%w, got %d", ErrRatioCount, len(fields))
	}

	var r Ratios
	for i, field := range fields {
		f, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return Ratios{}, fmt.Errorf("%w %q for %s", ErrRatioValue, field, ID(i))
		}
		r[i] = f
	}
	return r, nil
}

// At - Faktor fuer einen Block
func (r Ratios) At(id ID) float64 {
	return r[id]
}

// Mul - Elementweises Produkt; Skalieren mit r und dann o entspricht r.Mul(o)
func (r Ratios) Mul(o Ratios) Ratios {
	for i := range r {
		r[i] *= o[i]
	}
	return r
}

// IsOnes - true wenn alle Faktoren 1 sind
func (r Ratios) IsOnes() bool {
	return r == Ones()
}

// String formatiert r so, dass ParseRatios es wieder einlesen kann.
func (r Ratios) String() string {
	parts := make([]string, len(r))
	for i, f := range r {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
