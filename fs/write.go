// write.go - Atomares Schreiben von Gewichtsdateien
// Hauptfunktionen: WriteFileAtomic
package fs

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic schreibt ueber fn in eine temporaere Datei im Zielverzeichnis
// und benennt sie erst nach erfolgreichem Sync in path um. Bei einem Fehler
// bleibt keine Teil-Datei zurueck.
func WriteFileAtomic(path string, fn func(io.Writer) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriterSize(f, 1<<20)
	if err := fn(w); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if err := f.Chmod(0o644); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
