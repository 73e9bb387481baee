// torchtest.go - Erzeugt kleine torch Archive fuer Tests
//
// Das Pickle wird von Hand im Protokoll 2 zusammengesetzt, so wie torch.save
// ein state dict schreibt: dict von Namen auf _rebuild_tensor_v2 Aufrufe,
// deren Storages als persistent ids referenziert werden.
package torchtest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/lorablock/lbw/fs"
	"github.com/lorablock/lbw/fs/torch"
)

// Tensor - Ein Eintrag des state dict. Data ist der komplette Storage;
// ohne Stride ist der Tensor zusammenhaengend ab Offset.
type Tensor struct {
	Name   string
	DType  fs.DType
	Shape  []int64
	Stride []int64
	Offset int64
	Data   []byte

	// Share ist der Index eines frueheren Tensors, dessen Storage
	// mitbenutzt wird. Ohne Share bekommt jeder Tensor einen eigenen.
	Share *int
}

// SharedWith - Wert fuer Tensor.Share
func SharedWith(i int) *int { return &i }

// Archive - Beschreibung eines torch Archivs
type Archive struct {
	// Prefix der Eintraege, Standard "archive/"
	Prefix string
	// Ordered schreibt ein collections.OrderedDict statt eines dict
	Ordered bool
	Tensors []Tensor
}

// Bytes - Das Archiv als ZIP-Datei
func (a Archive) Bytes() ([]byte, error) {
	prefix := a.Prefix
	if prefix == "" {
		prefix = "archive/"
	}

	keys := make([]string, len(a.Tensors))
	var storages []int
	for i, t := range a.Tensors {
		if t.Share != nil {
			if *t.Share < 0 || *t.Share >= i {
				return nil, fmt.Errorf("%s: invalid shared storage %d", t.Name, *t.Share)
			}
			keys[i] = keys[*t.Share]
			continue
		}

		keys[i] = strconv.Itoa(len(storages))
		storages = append(storages, i)
	}

	pkl, err := a.pickle(keys)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	zw := zip.NewWriter(&b)
	write := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	if err := write(prefix+"data.pkl", pkl); err != nil {
		return nil, err
	}

	if err := write(prefix+"byteorder", []byte("little")); err != nil {
		return nil, err
	}

	for _, i := range storages {
		if err := write(prefix+"data/"+keys[i], a.Tensors[i].Data); err != nil {
			return nil, err
		}
	}

	if err := write(prefix+"version", []byte("3\n")); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// WriteFile - Schreibt das Archiv nach path
func (a Archive) WriteFile(path string) error {
	bts, err := a.Bytes()
	if err != nil {
		return err
	}

	return os.WriteFile(path, bts, 0o644)
}

// pickle opcodes
const (
	opProto      = 0x80
	opEmptyDict  = '}'
	opMark       = '('
	opBinUnicode = 'X'
	opGlobal     = 'c'
	opBinPersID  = 'Q'
	opBinInt     = 'J'
	opTuple      = 't'
	opEmptyTuple = ')'
	opReduce     = 'R'
	opNewFalse   = 0x89
	opSetItems   = 'u'
	opStop       = '.'
)

type pickler struct {
	bytes.Buffer
}

func (p *pickler) global(module, name string) {
	p.WriteByte(opGlobal)
	p.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) str(s string) {
	p.WriteByte(opBinUnicode)
	binary.Write(p, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickler) binint(n int64) {
	p.WriteByte(opBinInt)
	binary.Write(p, binary.LittleEndian, int32(n))
}

func (p *pickler) tuple(ns []int64) {
	if len(ns) == 0 {
		p.WriteByte(opEmptyTuple)
		return
	}

	p.WriteByte(opMark)
	for _, n := range ns {
		p.binint(n)
	}
	p.WriteByte(opTuple)
}

func (p *pickler) orderedDict() {
	p.global("collections", "OrderedDict")
	p.WriteByte(opEmptyTuple)
	p.WriteByte(opReduce)
}

func (a Archive) pickle(keys []string) ([]byte, error) {
	var p pickler
	p.Write([]byte{opProto, 2})

	if a.Ordered {
		p.orderedDict()
	} else {
		p.WriteByte(opEmptyDict)
	}

	p.WriteByte(opMark)
	for i, t := range a.Tensors {
		class, ok := torch.StorageName(t.DType)
		if !ok {
			return nil, fmt.Errorf("%s: no storage class for %s", t.Name, t.DType)
		}

		data := a.Tensors[i].Data
		if t.Share != nil {
			data = a.Tensors[*t.Share].Data
		}

		stride := t.Stride
		if stride == nil {
			stride = fs.ContiguousStride(t.Shape)
		}

		p.str(t.Name)
		p.global("torch._utils", "_rebuild_tensor_v2")
		p.WriteByte(opMark)

		// persistent id: ('storage', FloatStorage, key, 'cpu', numel)
		p.WriteByte(opMark)
		p.str("storage")
		p.global("torch", class)
		p.str(keys[i])
		p.str("cpu")
		p.binint(int64(len(data) / t.DType.Size()))
		p.WriteByte(opTuple)
		p.WriteByte(opBinPersID)

		p.binint(t.Offset)
		p.tuple(t.Shape)
		p.tuple(stride)
		p.WriteByte(opNewFalse)
		p.orderedDict()
		p.WriteByte(opTuple)
		p.WriteByte(opReduce)
	}
	p.WriteByte(opSetItems)
	p.WriteByte(opStop)

	return p.Bytes(), nil
}
