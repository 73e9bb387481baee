// config_features.go - Feature-Flags
//
// Dieses Modul enthaelt:
// - Overwrite: vorhandene Ausgabedateien ersetzen
// - NoProgress: keine Fortschrittsanzeige
package envconfig

var (
	// Overwrite erlaubt das Ersetzen vorhandener Ausgabedateien
	Overwrite = Bool("LBW_OVERWRITE")

	// NoProgress unterdrueckt die Zusammenfassung pro Datei auf stderr
	NoProgress = Bool("LBW_NOPROGRESS")
)
