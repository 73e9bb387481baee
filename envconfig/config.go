// config.go - Haupt-Konfigurationsfunktionen fuer lbw
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (LBW_DEBUG)
// - Presets: Gibt den Pfad einer Preset-Datei zurueck (LBW_PRESETS)
// - Jobs: Gibt die Anzahl parallel bearbeiteter Dateien zurueck (LBW_JOBS)
// - Suffix: Gibt das Suffix fuer Ausgabedateien zurueck (LBW_SUFFIX)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via LBW_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LBW_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Presets gibt den Pfad der Preset-Datei zurueck
// Konfigurierbar via LBW_PRESETS
// Default: $HOME/.lbw/presets.txt, falls vorhanden, sonst leer
func Presets() string {
	if s := Var("LBW_PRESETS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	path := filepath.Join(home, ".lbw", "presets.txt")
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return path
}

// Jobs gibt die Anzahl gleichzeitig bearbeiteter Dateien zurueck
// Konfigurierbar via LBW_JOBS
// 0 = Anzahl CPUs (Default)
func Jobs() int {
	if n := jobs(); n > 0 {
		return int(n)
	}

	return runtime.NumCPU()
}

var jobs = Uint("LBW_JOBS", 0)

// Suffix gibt das Suffix fuer abgeleitete Ausgabedateien zurueck
// Konfigurierbar via LBW_SUFFIX
// Default: _lbw
func Suffix() string {
	if s := Var("LBW_SUFFIX"); s != "" {
		return s
	}

	return "_lbw"
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
