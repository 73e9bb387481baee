// torch.go - Lesen und Schreiben von torch .bin Archiven
//
// Ein Archiv (torch >= 1.6) ist eine ZIP-Datei:
// - <prefix>data.pkl: Pickle des state dict
// - <prefix>data/<key>: Rohdaten der Storages (little-endian)
// - weitere Eintraege (version, byteorder, ...) werden unveraendert uebernommen
package torch

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/types"

	"github.com/lorablock/lbw/fs"
)

var (
	// ErrLegacyFormat - Archiv im Pickle-Format vor torch 1.6
	ErrLegacyFormat = errors.New("legacy torch serialization format is not supported")

	// ErrInvalidArchive - Datei ist kein torch Archiv
	ErrInvalidArchive = errors.New("invalid torch archive")
)

const pickleName = "data.pkl"

// storage - Rohdaten eines Archiv-Eintrags data/<key>
type storage struct {
	key   string
	entry string
	dtype fs.DType
	data  []byte
	dirty bool
}

// Tensor - Sicht auf einen Storage. Mehrere Tensoren koennen sich einen
// Storage teilen; Skalierung wirkt dann auf die gemeinsamen Bytes.
type Tensor struct {
	name    string
	storage *storage
	view    fs.View
}

func (t *Tensor) Name() string    { return t.name }
func (t *Tensor) DType() fs.DType { return t.view.DType }
func (t *Tensor) Shape() []int64  { return slices.Clone(t.view.Shape) }

// Stride - Abstaende in Elementen
func (t *Tensor) Stride() []int64 { return slices.Clone(t.view.Stride) }

// StorageKey - Schluessel des zugrunde liegenden Storages
func (t *Tensor) StorageKey() string { return t.storage.key }

func (t *Tensor) Scale(f float64) error {
	if err := fs.ScaleView(t.storage.data, t.view, f); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}

	if f != 1 {
		t.storage.dirty = true
	}
	return nil
}

func (t *Tensor) Floats() ([]float64, error) {
	return fs.ViewFloats(t.storage.data, t.view)
}

// File - Ein geladenes torch Archiv
type File struct {
	archive  *zip.Reader
	prefix   string
	storages map[string]*storage
	tensors  *fs.Tensors
}

func (f *File) Format() fs.Format    { return fs.FormatTorch }
func (f *File) Tensors() *fs.Tensors { return f.tensors }

// Prefix - Verzeichnis der Eintraege im Archiv, z.B. "archive/"
func (f *File) Prefix() string { return f.prefix }

// Open - Laedt ein torch Archiv vollstaendig in den Speicher
func Open(path string) (*File, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := Decode(bts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("loaded torch archive", "path", path, "tensors", f.tensors.Len(), "storages", len(f.storages))
	return f, nil
}

// Decode - Parst ein torch Archiv aus bts
func Decode(bts []byte) (*File, error) {
	if !bytes.HasPrefix(bts, []byte("PK\x03\x04")) {
		// Pickle Protokoll 2 beginnt mit \x80\x02
		if len(bts) > 0 && bts[0] == 0x80 {
			return nil, ErrLegacyFormat
		}
		return nil, fmt.Errorf("%w: not a zip archive", ErrInvalidArchive)
	}

	zr, err := zip.NewReader(bytes.NewReader(bts), int64(len(bts)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	var pkl *zip.File
	for _, zf := range zr.File {
		entries[zf.Name] = zf
		if pkl == nil && (zf.Name == pickleName || strings.HasSuffix(zf.Name, "/"+pickleName) && strings.Count(zf.Name, "/") == 1) {
			pkl = zf
		}
	}

	if pkl == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidArchive, pickleName)
	}

	f := &File{
		archive:  zr,
		prefix:   strings.TrimSuffix(pkl.Name, pickleName),
		storages: make(map[string]*storage),
		tensors:  fs.NewTensors(),
	}

	if zf, ok := entries[f.prefix+"byteorder"]; ok {
		order, err := readEntry(zf)
		if err != nil {
			return nil, err
		}
		if s := strings.TrimSpace(string(order)); s != "little" {
			return nil, fmt.Errorf("%w: byteorder %q", ErrInvalidArchive, s)
		}
	}

	u := &unpickler{
		storages: make(map[string]*storage),
		open: func(key string) (*storage, error) {
			name := f.prefix + "data/" + key
			zf, ok := entries[name]
			if !ok {
				return nil, fmt.Errorf("%w: missing storage %s", ErrInvalidArchive, name)
			}

			data, err := readEntry(zf)
			if err != nil {
				return nil, err
			}

			return &storage{key: key, entry: name, data: data}, nil
		},
	}

	rc, err := pkl.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	v, err := u.load(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pkl.Name, err)
	}

	if err := f.collect(v); err != nil {
		return nil, err
	}

	for _, s := range u.storages {
		f.storages[s.entry] = s
	}

	return f, nil
}

// collect - Uebernimmt die Eintraege eines dict oder OrderedDict in Reihenfolge
func (f *File) collect(v any) error {
	add := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("unexpected key %v of type %T", k, k)
		}

		r, ok := v.(*rebuilt)
		if !ok {
			return fmt.Errorf("%s: unsupported value of type %T", name, v)
		}

		f.tensors.Set(name, &Tensor{name: name, storage: r.storage, view: r.view})
		return nil
	}

	switch v := v.(type) {
	case *types.Dict:
		for _, k := range v.Keys() {
			if err := add(k, v.MustGet(k)); err != nil {
				return err
			}
		}
	case *types.OrderedDict:
		for e := v.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported top-level object %T", v)
	}

	return nil
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", zf.Name, err)
	}
	defer rc.Close()

	bts, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", zf.Name, err)
	}

	return bts, nil
}

// Encode - Schreibt das Archiv. Unveraenderte Eintraege werden roh kopiert,
// geaenderte Storages unkomprimiert mit neuer Pruefsumme geschrieben.
func (f *File) Encode(w io.Writer) error {
	zw := zip.NewWriter(w)
	if err := zw.SetComment(f.archive.Comment); err != nil {
		return err
	}

	var rewritten int
	for _, zf := range f.archive.File {
		s, ok := f.storages[zf.Name]
		if !ok || !s.dirty {
			if err := zw.Copy(zf); err != nil {
				return fmt.Errorf("%s: %w", zf.Name, err)
			}
			continue
		}

		fh := zf.FileHeader
		fh.Method = zip.Store
		fh.CRC32 = crc32.ChecksumIEEE(s.data)
		fh.CompressedSize64 = uint64(len(s.data))
		fh.UncompressedSize64 = uint64(len(s.data))

		fw, err := zw.CreateRaw(&fh)
		if err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}

		if _, err := fw.Write(s.data); err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}
		rewritten++
	}

	slog.Debug("encoded torch archive", "entries", len(f.archive.File), "rewritten", rewritten)
	return zw.Close()
}

// WriteFile - Schreibt das Archiv atomar nach path
func (f *File) WriteFile(path string) error {
	if err := fs.WriteFileAtomic(path, f.Encode); err != nil {
		return err
	}

	slog.Debug("wrote torch archive", "path", path, "tensors", f.tensors.Len())
	return nil
}
