// classify.go - Namens-Klassifizierer: Parametername -> Block
// Haupttypen: Classifier, BinClassifier, SafetensorsClassifier, Resolution
// Hauptfunktionen: Code, Resolve
package block

import (
	"strconv"
	"strings"
)

// Classifier ordnet einen Parameternamen einem Block zu. ok ist false, wenn
// der Name zu keinem Block gehoert; der Tensor bleibt dann unveraendert.
type Classifier interface {
	Classify(name string) (id ID, ok bool)
}

// Reason - Warum ein Name keinem Block zugeordnet wurde
type Reason int

const (
	Classified Reason = iota
	// NoStage: der Name enthaelt keine Stufen-Markierung
	NoStage
	// UnknownCode: Stufe erkannt, Positionscode aber nicht in der Tabelle
	UnknownCode
)

func (r Reason) String() string {
	switch r {
	case Classified:
		return "classified"
	case NoStage:
		return "no stage"
	case UnknownCode:
		return "unknown code"
	default:
		return "unknown"
	}
}

// Resolution - Ergebnis einer Klassifizierung inklusive Begruendung
type Resolution struct {
	ID     ID
	Stage  Stage
	Code   string
	Reason Reason
}

// OK - true wenn ein Block gefunden wurde
func (r Resolution) OK() bool {
	return r.Reason == Classified
}

// Resolver wird von beiden Klassifizierern implementiert und liefert
// zusaetzlich den Grund fuer eine fehlende Zuordnung.
type Resolver interface {
	Classifier
	Resolve(name string) Resolution
}

// Resolve - Klassifiziert name und liefert den Grund, falls c das unterstuetzt
func Resolve(c Classifier, name string) Resolution {
	if r, ok := c.(Resolver); ok {
		return r.Resolve(name)
	}

	if id, ok := c.Classify(name); ok {
		return Resolution{ID: id, Reason: Classified}
	}
	return Resolution{Reason: NoStage}
}

// Code extrahiert den Positionscode aus name: alle Segmente (getrennt durch
// sep), die sich als Ganzzahl parsen lassen, werden aneinandergehaengt; die
// ersten zwei Zeichen sind der Code. Kuerzere Ergebnisse werden unveraendert
// zurueckgegeben und von keiner Tabelle aufgeloest.
func Code(name, sep string) string {
	var sb strings.Builder
	for _, item := range strings.Split(name, sep) {
		if _, err := strconv.Atoi(item); err != nil {
			continue
		}
		sb.WriteString(item)
		if sb.Len() >= 2 {
			break
		}
	}

	code := sb.String()
	if len(code) > 2 {
		code = code[:2]
	}
	return code
}

const (
	markerDown = "down_block"
	markerMid  = "mid_block"
	markerUp   = "up_block"
	markerText = "text"
)

// stageOf - Die Stufe eines Namens; spaetere Pruefungen haben Vorrang
func stageOf(name string) Stage {
	switch {
	case strings.Contains(name, markerUp):
		return StageUp
	case strings.Contains(name, markerMid):
		return StageMid
	case strings.Contains(name, markerDown):
		return StageDown
	default:
		return StageNone
	}
}

func resolveTable(stage Stage, code string) Resolution {
	if id, ok := Lookup(stage, code); ok {
		return Resolution{ID: id, Stage: stage, Code: code, Reason: Classified}
	}
	return Resolution{Stage: stage, Code: code, Reason: UnknownCode}
}

// BinClassifier klassifiziert Namen aus torch .bin Dateien (diffusers),
// z.B. "down_blocks.1.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight".
type BinClassifier struct{}

func (c BinClassifier) Classify(name string) (ID, bool) {
	r := c.Resolve(name)
	return r.ID, r.OK()
}

func (BinClassifier) Resolve(name string) Resolution {
	stage := stageOf(name)
	if stage == StageNone {
		return Resolution{Reason: NoStage}
	}
	return resolveTable(stage, Code(name, "."))
}

// SafetensorsClassifier klassifiziert Namen aus .safetensors Dateien (kohya),
// z.B. "lora_unet_up_blocks_3_attentions_2_transformer_blocks_0_attn2_to_q.lora_down.weight".
// Text-Encoder Parameter gehoeren immer zu BASE, mid_block immer zu MID.
type SafetensorsClassifier struct{}

func (c SafetensorsClassifier) Classify(name string) (ID, bool) {
	r := c.Resolve(name)
	return r.ID, r.OK()
}

func (SafetensorsClassifier) Resolve(name string) Resolution {
	if strings.Contains(name, markerText) {
		return Resolution{ID: BASE, Reason: Classified}
	}

	switch stage := stageOf(name); stage {
	case StageNone:
		return Resolution{Reason: NoStage}
	case StageMid:
		return Resolution{ID: MID, Stage: StageMid, Reason: Classified}
	default:
		return resolveTable(stage, Code(name, "_"))
	}
}
