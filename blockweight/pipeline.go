// pipeline.go - Laden, Skalieren und Speichern einer Datei
// Hauptfunktionen: ApplyBin, ApplySafetensors, ApplyFile, DetectFormat
package blockweight

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/fs"
	"github.com/lorablock/lbw/fs/safetensors"
	"github.com/lorablock/lbw/fs/torch"
)

// ErrUnknownFormat - Dateiformat weder an Endung noch Inhalt erkennbar
var ErrUnknownFormat = errors.New("unknown weight file format")

// ApplyBin skaliert ein torch .bin Archiv. Ist outputPath leer, wird nichts
// geschrieben.
func ApplyBin[R block.RatioInput](path string, ratios R, outputPath string) (*torch.File, error) {
	r, err := block.ParseRatios(ratios)
	if err != nil {
		return nil, &Error{Op: OpRatios, Err: err}
	}

	f, err := torch.Open(path)
	if err != nil {
		return nil, &Error{Op: OpLoad, Path: path, Err: err}
	}

	if _, err := process(f, r, path, outputPath); err != nil {
		return nil, err
	}
	return f, nil
}

// ApplySafetensors skaliert eine .safetensors Datei. Ist outputPath leer,
// wird nichts geschrieben.
func ApplySafetensors[R block.RatioInput](path string, ratios R, outputPath string) (*safetensors.File, error) {
	r, err := block.ParseRatios(ratios)
	if err != nil {
		return nil, &Error{Op: OpRatios, Err: err}
	}

	f, err := safetensors.Open(path)
	if err != nil {
		return nil, &Error{Op: OpLoad, Path: path, Err: err}
	}

	if _, err := process(f, r, path, outputPath); err != nil {
		return nil, err
	}
	return f, nil
}

// ApplyFile waehlt die Pipeline anhand von DetectFormat
func ApplyFile[R block.RatioInput](path string, ratios R, outputPath string) (fs.File, error) {
	r, err := block.ParseRatios(ratios)
	if err != nil {
		return nil, &Error{Op: OpRatios, Err: err}
	}

	f, _, err := Process(path, r, outputPath)
	return f, err
}

// Process laedt path im erkannten Format, skaliert und speichert nach
// outputPath (leer: nicht speichern). Der Report beschreibt die Zuordnung.
func Process(path string, r block.Ratios, outputPath string) (fs.File, *Report, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, &Error{Op: OpLoad, Path: path, Err: err}
	}

	report, err := process(f, r, path, outputPath)
	if err != nil {
		return nil, report, err
	}
	return f, report, nil
}

// Open laedt path im erkannten Format
func Open(path string) (fs.File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	if format == fs.FormatTorch {
		return torch.Open(path)
	}
	return safetensors.Open(path)
}

// Classifier - Der Klassifizierer fuer format
func Classifier(format fs.Format) block.Classifier {
	if format == fs.FormatTorch {
		return block.BinClassifier{}
	}
	return block.SafetensorsClassifier{}
}

// DetectFormat erkennt das Format an der Dateiendung, sonst an den ersten
// Bytes: ZIP-Signatur fuer torch, plausibler Header fuer safetensors.
func DetectFormat(path string) (fs.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return fs.FormatSafetensors, nil
	case ".bin", ".pt", ".pth", ".ckpt":
		return fs.FormatTorch, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fs.FormatUnknown, err
	}
	defer f.Close()

	var magic [9]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fs.FormatUnknown, err
	}

	switch {
	case bytes.HasPrefix(magic[:n], []byte("PK\x03\x04")):
		return fs.FormatTorch, nil
	case n == 9 && magic[8] == '{':
		return fs.FormatSafetensors, nil
	}

	return fs.FormatUnknown, ErrUnknownFormat
}

func process(f fs.File, r block.Ratios, path, outputPath string) (*Report, error) {
	report, err := Apply(f.Tensors(), Classifier(f.Format()), r)
	if err != nil {
		return report, &Error{Op: OpApply, Path: path, Err: err}
	}

	slog.Info("applied block weights", "path", path, "format", f.Format(), "report", report)

	if outputPath == "" {
		return report, nil
	}

	if err := f.WriteFile(outputPath); err != nil {
		return report, &Error{Op: OpSave, Path: outputPath, Err: err}
	}

	slog.Info("saved", "path", outputPath)
	return report, nil
}
