// pickle.go - Aufloesung der Klassen und Storages in data.pkl
// Hauptfunktionen: unpickle, storageTypes
package torch

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/lorablock/lbw/fs"
)

// storageTypes - torch Storage-Klassen und ihre Elementtypen
var storageTypes = map[string]fs.DType{
	"DoubleStorage":   fs.F64,
	"FloatStorage":    fs.F32,
	"HalfStorage":     fs.F16,
	"BFloat16Storage": fs.BF16,
	"LongStorage":     fs.I64,
	"IntStorage":      fs.I32,
	"ShortStorage":    fs.I16,
	"CharStorage":     fs.I8,
	"ByteStorage":     fs.U8,
	"BoolStorage":     fs.Bool,
}

// StorageName - Name der torch Storage-Klasse fuer dtype
func StorageName(dtype fs.DType) (string, bool) {
	for name, t := range storageTypes {
		if t == dtype {
			return name, true
		}
	}
	return "", false
}

type storageType struct {
	name  string
	dtype fs.DType
}

// callable erfuellt types.Callable fuer die Rebuild-Funktionen
type callable func(args ...any) (any, error)

func (c callable) Call(args ...any) (any, error) { return c(args...) }

// rebuilt - Ergebnis von _rebuild_tensor_v2 vor der Zuordnung zu einem Namen
type rebuilt struct {
	storage *storage
	view    fs.View
}

// unpickler - Zustand beim Laden von data.pkl
type unpickler struct {
	storages map[string]*storage
	open     func(key string) (*storage, error)
}

func (u *unpickler) load(r io.Reader) (any, error) {
	p := pickle.NewUnpickler(r)
	p.FindClass = u.findClass
	p.PersistentLoad = u.persistentLoad
	return p.Load()
}

func (u *unpickler) findClass(module, name string) (any, error) {
	switch module + "." + name {
	case "torch._utils._rebuild_tensor_v2":
		return callable(rebuildTensor), nil
	case "torch._utils._rebuild_parameter":
		return callable(rebuildParameter), nil
	case "collections.OrderedDict":
		return &types.OrderedDictClass{}, nil
	}

	if module == "torch" {
		if dtype, ok := storageTypes[name]; ok {
			return &storageType{name: name, dtype: dtype}, nil
		}
	}

	return nil, fmt.Errorf("unsupported class %s.%s", module, name)
}

// persistentLoad - ('storage', type, key, location, numel)
func (u *unpickler) persistentLoad(pid any) (any, error) {
	t, ok := pid.(*types.Tuple)
	if !ok || t.Len() != 5 {
		return nil, fmt.Errorf("unexpected persistent id %v", pid)
	}

	if kind, _ := t.Get(0).(string); kind != "storage" {
		return nil, fmt.Errorf("unexpected persistent id kind %v", t.Get(0))
	}

	st, ok := t.Get(1).(*storageType)
	if !ok {
		return nil, fmt.Errorf("unexpected storage type %v", t.Get(1))
	}

	key, ok := t.Get(2).(string)
	if !ok {
		return nil, fmt.Errorf("unexpected storage key %v", t.Get(2))
	}

	numel, err := toInt(t.Get(4))
	if err != nil {
		return nil, fmt.Errorf("storage %s: numel: %w", key, err)
	}

	if s, ok := u.storages[key]; ok {
		if s.dtype != st.dtype {
			return nil, fmt.Errorf("storage %s: loaded as %s and %s", key, s.dtype, st.dtype)
		}
		return s, nil
	}

	s, err := u.open(key)
	if err != nil {
		return nil, err
	}

	s.dtype = st.dtype
	if size := int64(numel) * int64(st.dtype.Size()); int64(len(s.data)) < size {
		return nil, fmt.Errorf("storage %s: %d bytes, need %d for %d %s elements", key, len(s.data), size, numel, st.dtype)
	}

	u.storages[key] = s
	return s, nil
}

// rebuildTensor - _rebuild_tensor_v2(storage, offset, size, stride, requires_grad, hooks[, metadata])
func rebuildTensor(args ...any) (any, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("_rebuild_tensor_v2: expected at least 4 arguments, got %d", len(args))
	}

	s, ok := args[0].(*storage)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v2: unexpected storage %T", args[0])
	}

	offset, err := toInt(args[1])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: offset: %w", err)
	}

	shape, err := toInts(args[2])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: size: %w", err)
	}

	stride, err := toInts(args[3])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: stride: %w", err)
	}

	v := fs.View{DType: s.dtype, Shape: shape, Stride: stride, Offset: offset}
	if err := v.Validate(s.data); err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: storage %s: %w", s.key, err)
	}

	return &rebuilt{storage: s, view: v}, nil
}

// rebuildParameter - _rebuild_parameter(data, requires_grad, hooks)
func rebuildParameter(args ...any) (any, error) {
	if len(args) < 1 {
		return nil, errors.New("_rebuild_parameter: missing data")
	}

	return args[0], nil
}

func toInt(v any) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, fmt.Errorf("integer %s out of range", v)
		}
		return v.Int64(), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toInts(v any) ([]int64, error) {
	t, ok := v.(*types.Tuple)
	if !ok {
		return nil, fmt.Errorf("expected tuple, got %T", v)
	}

	ints := make([]int64, t.Len())
	for i := range ints {
		n, err := toInt(t.Get(i))
		if err != nil {
			return nil, err
		}
		ints[i] = n
	}

	return ints, nil
}
