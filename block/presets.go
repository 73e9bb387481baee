// presets.go - Benannte Ratio-Vektoren ("NAME:r1,...,r17")
// Haupttypen: Presets
// Hauptfunktionen: DefaultPresets, ParsePresets, Lookup
package block

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ErrUnknownPreset wird geliefert, wenn ein Preset-Name nicht existiert
var ErrUnknownPreset = errors.New("unknown preset")

// Presets bildet Preset-Namen auf Ratio-Vektoren ab. Namen sind case-sensitive.
type Presets map[string]Ratios

const defaultPresets = `NONE:0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0
ALL:1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1
INS:1,1,1,1,0,0,0,0,0,0,0,0,0,0,0,0,0
IND:1,0,0,0,1,1,1,0,0,0,0,0,0,0,0,0,0
INALL:1,1,1,1,1,1,1,0,0,0,0,0,0,0,0,0,0
MIDD:1,0,0,0,1,1,1,1,1,1,1,1,0,0,0,0,0
OUTD:1,0,0,0,0,0,0,0,1,1,1,1,0,0,0,0,0
OUTS:1,0,0,0,0,0,0,0,0,0,0,0,1,1,1,1,1
OUTALL:1,0,0,0,0,0,0,0,1,1,1,1,1,1,1,1,1
ALL0.5:0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5
`

// DefaultPresets - Die eingebauten Presets
func DefaultPresets() Presets {
	p, err := ParsePresets(strings.NewReader(defaultPresets))
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePresets liest Zeilen im Format "NAME:r1,...,r17". Leere Zeilen und
// Zeilen mit '#' am Anfang werden ignoriert, spaetere Namen ueberschreiben fruehere.
func ParsePresets(r io.Reader) (Presets, error) {
	p := make(Presets)

	sc := bufio.NewScanner(r)
	var n int
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, values, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("preset line %d: expected NAME:ratios", n)
		}

		ratios, err := ParseRatios(values)
		if err != nil {
			return nil, fmt.Errorf("preset line %d (%s): %w", n, name, err)
		}
		p[name] = ratios
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Merge - Uebernimmt alle Eintraege aus o, vorhandene Namen werden ersetzt
func (p Presets) Merge(o Presets) Presets {
	maps.Copy(p, o)
	return p
}

// Names - Sortierte Preset-Namen
func (p Presets) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// Lookup - Liefert das Preset name oder einen Fehler mit Vorschlag
func (p Presets) Lookup(name string) (Ratios, error) {
	if r, ok := p[name]; ok {
		return r, nil
	}

	if s := p.suggest(name); s != "" {
		return Ratios{}, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownPreset, name, s)
	}
	return Ratios{}, fmt.Errorf("%w %q", ErrUnknownPreset, name)
}

// suggest - Naechster Name mit Levenshtein-Distanz <= 2
func (p Presets) suggest(name string) string {
	best, bestDist := "", 3
	for _, candidate := range p.Names() {
		d := levenshtein.ComputeDistance(strings.ToUpper(name), strings.ToUpper(candidate))
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}
