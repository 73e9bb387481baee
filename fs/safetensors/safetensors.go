// safetensors.go - Lesen und Schreiben von .safetensors Dateien
//
// Aufbau einer Datei:
// - 8 Bytes: Laenge des Headers (uint64, little-endian)
// - Header: JSON-Objekt Name -> {dtype, shape, data_offsets}, optional __metadata__
// - Daten: Rohbytes aller Tensoren
//
// Die Reihenfolge der Header-Eintraege bleibt beim Laden erhalten und wird
// beim Schreiben wiederhergestellt.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/lorablock/lbw/fs"
)

// ErrInvalidHeader wird bei beschaedigten oder unplausiblen Headern geliefert
var ErrInvalidHeader = errors.New("invalid safetensors header")

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
	headerAlign   = 8
)

type tensorInfo struct {
	DType   fs.DType `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Tensor - Ein Tensor einer safetensors Datei, die Daten sind zusammenhaengend
type Tensor struct {
	name  string
	dtype fs.DType
	shape []int64
	data  []byte
}

func (t *Tensor) Name() string { return t.name }
func (t *Tensor) DType() fs.DType { return t.dtype }
func (t *Tensor) Shape() []int64 { return slices.Clone(t.shape) }
func (t *Tensor) Bytes() []byte { return t.data }
func (t *Tensor) view() fs.View { return fs.View{DType: t.dtype, Shape: t.shape} }

func (t *Tensor) Scale(f float64) error {
	if err := fs.ScaleView(t.data, t.view(), f); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}

func (t *Tensor) Floats() ([]float64, error) {
	return fs.ViewFloats(t.data, t.view())
}

// File - Eine geladene safetensors Datei
type File struct {
	metadata *orderedmap.OrderedMap[string, string]
	tensors  *fs.Tensors
}

// NewFile - Leere Datei ohne Metadaten
func NewFile() *File {
	return &File{
		metadata: orderedmap.New[string, string](),
		tensors:  fs.NewTensors(),
	}
}

func (f *File) Format() fs.Format { return fs.FormatSafetensors }
func (f *File) Tensors() *fs.Tensors { return f.tensors }

// Metadata - Der __metadata__ Eintrag in Datei-Reihenfolge
func (f *File) Metadata() *orderedmap.OrderedMap[string, string] {
	return f.metadata
}

// Add - Haengt einen Tensor an; data muss genau shape*dtype Bytes enthalten
func (f *File) Add(name string, dtype fs.DType, shape []int64, data []byte) error {
	if name == metadataKey {
		return fmt.Errorf("reserved tensor name %q", name)
	}

	if _, ok := f.tensors.Get(name); ok {
		return fmt.Errorf("duplicate tensor %q", name)
	}

	if dtype.Size() == 0 {
		return fmt.Errorf("%s: %w %q", name, fs.ErrUnsupportedDType, dtype)
	}

	if shape == nil {
		shape = []int64{}
	}

	if want := fs.NumElements(shape) * int64(dtype.Size()); int64(len(data)) != want {
		return fmt.Errorf("%s: expected %d bytes for %s%v, got %d", name, want, dtype, shape, len(data))
	}

	f.tensors.Set(name, &Tensor{name: name, dtype: dtype, shape: slices.Clone(shape), data: data})
	return nil
}

// Open - Laedt eine safetensors Datei vollstaendig in den Speicher
func Open(path string) (*File, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := Decode(bts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("loaded safetensors", "path", path, "tensors", f.tensors.Len(), "metadata", f.metadata.Len())
	return f, nil
}

// Decode - Parst den Inhalt einer safetensors Datei. Die Tensoren teilen sich
// den Speicher mit bts.
func Decode(bts []byte) (*File, error) {
	if len(bts) < 8 {
		return nil, fmt.Errorf("%w: file too short", ErrInvalidHeader)
	}

	n := binary.LittleEndian.Uint64(bts[:8])
	if n > maxHeaderSize || n > uint64(len(bts)-8) {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, n)
	}

	header := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(bts[8:8+n], header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	data := bts[8+n:]
	f := NewFile()
	for pair := header.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == metadataKey {
			if err := json.Unmarshal(pair.Value, f.metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(pair.Value, &info); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, pair.Key, err)
		}

		begin, end := info.Offsets[0], info.Offsets[1]
		if begin < 0 || begin > end || end > int64(len(data)) {
			return nil, fmt.Errorf("%w: %s: data_offsets %v out of range", ErrInvalidHeader, pair.Key, info.Offsets)
		}

		if err := f.Add(pair.Key, info.DType, info.Shape, data[begin:end:end]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
	}

	return f, nil
}

// Encode - Schreibt f im safetensors Format. Die Daten werden in
// Map-Reihenfolge ohne Luecken abgelegt.
func (f *File) Encode(w io.Writer) error {
	var b bytes.Buffer
	b.WriteByte('{')
	if f.metadata.Len() > 0 {
		if err := writeKey(&b, metadataKey); err != nil {
			return err
		}

		b.WriteByte('{')
		for pair := f.metadata.Oldest(); pair != nil; pair = pair.Next() {
			if pair != f.metadata.Oldest() {
				b.WriteByte(',')
			}
			if err := writeKey(&b, pair.Key); err != nil {
				return err
			}
			if err := writeJSON(&b, pair.Value); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	}

	var tensors []*Tensor
	var offset int64
	for pair := f.tensors.Oldest(); pair != nil; pair = pair.Next() {
		t, ok := pair.Value.(*Tensor)
		if !ok {
			return fmt.Errorf("%s: cannot encode %T as safetensors", pair.Key, pair.Value)
		}

		if b.Len() > 1 {
			b.WriteByte(',')
		}
		if err := writeKey(&b, pair.Key); err != nil {
			return err
		}

		size := int64(len(t.data))
		if err := writeJSON(&b, tensorInfo{
			DType:   t.dtype,
			Shape:   t.shape,
			Offsets: [2]int64{offset, offset + size},
		}); err != nil {
			return err
		}
		tensors = append(tensors, t)
		offset += size
	}
	b.WriteByte('}')

	hdr := b.Bytes()
	if pad := len(hdr) % headerAlign; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), headerAlign-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}

	if _, err := w.Write(hdr); err != nil {
		return err
	}

	for _, t := range tensors {
		if _, err := w.Write(t.data); err != nil {
			return err
		}
	}

	return nil
}

// writeJSON haengt v ohne HTML-Escaping und ohne Zeilenumbruch an b an
func writeJSON(b *bytes.Buffer, v any) error {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	b.Truncate(b.Len() - 1)
	return nil
}

func writeKey(b *bytes.Buffer, key string) error {
	if err := writeJSON(b, key); err != nil {
		return err
	}
	b.WriteByte(':')
	return nil
}

// WriteFile - Schreibt f atomar nach path
func (f *File) WriteFile(path string) error {
	if err := fs.WriteFileAtomic(path, f.Encode); err != nil {
		return err
	}

	slog.Debug("wrote safetensors", "path", path, "tensors", f.tensors.Len())
	return nil
}
