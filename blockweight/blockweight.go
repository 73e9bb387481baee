// blockweight.go - Skalierung der Tensoren pro Block
// Haupttypen: Report
// Hauptfunktionen: Apply
package blockweight

import (
	"fmt"
	"log/slog"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/fs"
	"github.com/lorablock/lbw/logutil"
)

// Report - Ergebnis eines Apply-Laufs
type Report struct {
	// Tensors zaehlt die skalierten Tensoren pro Block
	Tensors [block.Count]int
	// Unclassified enthaelt die Namen ohne Block in Datei-Reihenfolge
	Unclassified []string
	// Unresolved ist die Teilmenge mit erkannter Stufe, aber unbekanntem Code
	Unresolved []string
}

// Classified - Anzahl aller zugeordneten Tensoren
func (r *Report) Classified() int {
	var n int
	for _, c := range r.Tensors {
		n += c
	}
	return n
}

// LogValue fasst den Report fuer slog zusammen
func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("classified", r.Classified()),
		slog.Int("unclassified", len(r.Unclassified)),
		slog.Int("unresolved", len(r.Unresolved)),
	)
}

// Apply multipliziert jeden zugeordneten Tensor in ts mit dem Faktor seines
// Blocks. Nicht zugeordnete Tensoren bleiben unveraendert, es werden keine
// Eintraege hinzugefuegt oder entfernt.
func Apply(ts *fs.Tensors, c block.Classifier, r block.Ratios) (*Report, error) {
	var report Report
	for pair := ts.Oldest(); pair != nil; pair = pair.Next() {
		res := block.Resolve(c, pair.Key)
		if !res.OK() {
			report.Unclassified = append(report.Unclassified, pair.Key)
			if res.Reason == block.UnknownCode {
				report.Unresolved = append(report.Unresolved, pair.Key)
				slog.Debug("unknown block code", "name", pair.Key, "stage", res.Stage, "code", res.Code)
			}
			continue
		}

		ratio := r.At(res.ID)
		logutil.Trace("scale tensor", "name", pair.Key, "block", res.ID, "ratio", ratio)
		if err := pair.Value.Scale(ratio); err != nil {
			return &report, fmt.Errorf("block %s: %w", res.ID, err)
		}
		report.Tensors[res.ID]++
	}

	return &report, nil
}
