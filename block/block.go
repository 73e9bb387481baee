// block.go - Block-Tabelle: die 17 kanonischen Bloecke und die Positionscode-Tabellen
// Haupttypen: ID, Stage
// Hauptfunktionen: IDs, ParseID, Lookup
package block

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// ID ist einer der 17 kanonischen Bloecke. Der Wert ist gleichzeitig der
// Index in den Ratio-Vektor.
type ID int

const (
	BASE ID = iota
	IN01
	IN02
	IN03
	IN04
	IN05
	IN06
	MID
	OUT01
	OUT02
	OUT03
	OUT04
	OUT05
	OUT06
	OUT07
	OUT08
	OUT09
)

// Count - Anzahl der Bloecke
const Count = int(OUT09) + 1

var names = [Count]string{
	"BASE",
	"IN01", "IN02", "IN03", "IN04", "IN05", "IN06",
	"MID",
	"OUT01", "OUT02", "OUT03", "OUT04", "OUT05", "OUT06", "OUT07", "OUT08", "OUT09",
}

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("ID(%d)", int(id))
	}
	return names[id]
}

// Valid - true fuer eine der 17 kanonischen IDs
func (id ID) Valid() bool {
	return id >= BASE && id <= OUT09
}

// IDs - Alle Bloecke in kanonischer Reihenfolge
func IDs() []ID {
	ids := make([]ID, Count)
	for i := range ids {
		ids[i] = ID(i)
	}
	return ids
}

// ParseID - Parst einen Blocknamen (case-insensitive)
func ParseID(s string) (ID, error) {
	for i, name := range names {
		if strings.EqualFold(s, name) {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown block %q", s)
}

// Stage ist der Teil des UNet, zu dem ein Parameter gehoert.
type Stage int

const (
	StageNone Stage = iota
	StageDown
	StageMid
	StageUp
)

func (s Stage) String() string {
	switch s {
	case StageDown:
		return "down"
	case StageMid:
		return "mid"
	case StageUp:
		return "up"
	default:
		return "none"
	}
}

type tables struct {
	down map[string]ID
	mid  map[string]ID
	up   map[string]ID
}

// table wird beim ersten Zugriff gebaut und danach nie veraendert.
// "21" und "22" zeigen beide auf OUT05, OUT09 hat keinen Code.
var table = sync.OnceValue(func() tables {
	return tables{
		down: map[string]ID{
			"00": IN01, "01": IN02,
			"10": IN03, "11": IN04,
			"20": IN05, "21": IN06,
		},
		mid: map[string]ID{
			"00": MID,
		},
		up: map[string]ID{
			"10": OUT01, "11": OUT02, "12": OUT03,
			"20": OUT04, "21": OUT05, "22": OUT05,
			"30": OUT06, "31": OUT07, "32": OUT08,
		},
	}
})

// Lookup - Loest einen Positionscode innerhalb einer Stufe auf
func Lookup(stage Stage, code string) (ID, bool) {
	var m map[string]ID
	switch stage {
	case StageDown:
		m = table().down
	case StageMid:
		m = table().mid
	case StageUp:
		m = table().up
	default:
		return 0, false
	}

	id, ok := m[code]
	return id, ok
}

// Codes - Alle Positionscodes einer Stufe mit ihrem Block
func Codes(stage Stage) map[string]ID {
	var m map[string]ID
	switch stage {
	case StageDown:
		m = table().down
	case StageMid:
		m = table().mid
	case StageUp:
		m = table().up
	}

	return maps.Clone(m)
}
