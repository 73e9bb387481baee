// blockweight_test.go - Tests fuer Apply und die Pipelines
package blockweight

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/lorablock/lbw/block"
	"github.com/lorablock/lbw/fs"
	"github.com/lorablock/lbw/fs/safetensors"
	"github.com/lorablock/lbw/fs/torch"
	"github.com/lorablock/lbw/fs/torch/torchtest"
)

const midHalf = "1,1,1,1,1,1,1,0.5,1,1,1,1,1,1,1,1,1"

// kohya Namen
const (
	stText = "lora_te_text_model_encoder_layers_0_mlp_fc1.lora_up.weight"
	stDown = "lora_unet_down_blocks_0_attentions_0_proj_in.lora_down.weight"
	stMid  = "lora_unet_mid_block_attentions_0_proj_in.lora_up.weight"
	stUp   = "lora_unet_up_blocks_1_attentions_0_proj_in.alpha"
)

// diffusers Namen
const (
	binDown    = "unet.down_blocks.0.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.down.weight"
	binMid     = "unet.mid_block.attentions.0.transformer_blocks.0.attn1.processor.to_q_lora.up.weight"
	binUp      = "unet.up_blocks.3.attentions.2.transformer_blocks.0.attn2.processor.to_v_lora.up.weight"
	binUnknown = "unet.down_blocks.3.resnets.0.conv1.lora.up.weight"
	binText    = "text_encoder.text_model.encoder.layers.0.self_attn.q_proj.lora_linear_layer.up.weight"
)

func f32s(vs ...float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func safetensorsFixture(t *testing.T) *safetensors.File {
	t.Helper()
	f := safetensors.NewFile()
	f.Metadata().Set("ss_network_dim", "4")
	require.NoError(t, f.Add(stUp, fs.F32, nil, f32s(8)))
	require.NoError(t, f.Add(stText, fs.F32, []int64{2}, f32s(1, -2)))
	require.NoError(t, f.Add(stMid, fs.F32, []int64{2, 2}, f32s(4, 8, -12, 0.5)))
	require.NoError(t, f.Add(stDown, fs.F32, []int64{2}, f32s(3, 6)))
	return f
}

func writeSafetensors(t *testing.T, f *safetensors.File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lora.safetensors")
	require.NoError(t, f.WriteFile(path))
	return path
}

func binFixture() torchtest.Archive {
	return torchtest.Archive{
		Tensors: []torchtest.Tensor{
			{Name: binDown, DType: fs.F32, Shape: []int64{2}, Data: f32s(1, 2)},
			{Name: binUnknown, DType: fs.F32, Shape: []int64{2}, Data: f32s(3, 4)},
			{Name: binMid, DType: fs.F32, Shape: []int64{2}, Data: f32s(5, 6)},
			{Name: binText, DType: fs.F32, Shape: []int64{2}, Data: f32s(7, 8)},
			{Name: binUp, DType: fs.F32, Shape: []int64{2}, Data: f32s(9, 10)},
		},
	}
}

func writeBin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pytorch_lora_weights.bin")
	require.NoError(t, binFixture().WriteFile(path))
	return path
}

func values(t *testing.T, ts *fs.Tensors) map[string][]float64 {
	t.Helper()
	m := make(map[string][]float64)
	for pair := ts.Oldest(); pair != nil; pair = pair.Next() {
		vals, err := pair.Value.Floats()
		require.NoError(t, err, pair.Key)
		m[pair.Key] = vals
	}
	return m
}

func keys(ts *fs.Tensors) []string {
	var ks []string
	for pair := ts.Oldest(); pair != nil; pair = pair.Next() {
		ks = append(ks, pair.Key)
	}
	return ks
}

func encode(t *testing.T, f *safetensors.File) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, f.Encode(&b))
	return b.Bytes()
}

func TestApplyIdentity(t *testing.T) {
	f := safetensorsFixture(t)
	before := encode(t, f)

	report, err := Apply(f.Tensors(), block.SafetensorsClassifier{}, block.Ones())
	require.NoError(t, err)
	require.Equal(t, 4, report.Classified())
	require.Equal(t, before, encode(t, f))
}

func TestApplyMidHalving(t *testing.T) {
	r, err := block.ParseRatios(midHalf)
	require.NoError(t, err)

	f := safetensorsFixture(t)
	report, err := Apply(f.Tensors(), block.SafetensorsClassifier{}, r)
	require.NoError(t, err)

	want := map[string][]float64{
		stUp:   {8},
		stText: {1, -2},
		stMid:  {2, 4, -6, 0.25},
		stDown: {3, 6},
	}
	if diff := cmp.Diff(want, values(t, f.Tensors())); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, 1, report.Tensors[block.BASE])
	require.Equal(t, 1, report.Tensors[block.IN01])
	require.Equal(t, 1, report.Tensors[block.MID])
	require.Equal(t, 1, report.Tensors[block.OUT01])
	require.Empty(t, report.Unclassified)
}

func TestApplyComposes(t *testing.T) {
	var r1, r2 block.Ratios
	for i := range r1 {
		r1[i] = math.Ldexp(1, i%5-2)
		r2[i] = math.Ldexp(1, 3-i%4)
	}

	a := safetensorsFixture(t)
	_, err := Apply(a.Tensors(), block.SafetensorsClassifier{}, r1)
	require.NoError(t, err)
	_, err = Apply(a.Tensors(), block.SafetensorsClassifier{}, r2)
	require.NoError(t, err)

	b := safetensorsFixture(t)
	_, err = Apply(b.Tensors(), block.SafetensorsClassifier{}, r1.Mul(r2))
	require.NoError(t, err)

	require.Equal(t, encode(t, b), encode(t, a))
}

func TestApplyPreservesStructure(t *testing.T) {
	r, err := block.ParseRatios("0,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5,0.5")
	require.NoError(t, err)

	f := safetensorsFixture(t)
	type meta struct {
		DType fs.DType
		Shape []int64
	}
	snapshot := func() map[string]meta {
		m := make(map[string]meta)
		for pair := f.Tensors().Oldest(); pair != nil; pair = pair.Next() {
			m[pair.Key] = meta{pair.Value.DType(), pair.Value.Shape()}
		}
		return m
	}

	wantKeys, wantMeta := keys(f.Tensors()), snapshot()
	_, err = Apply(f.Tensors(), block.SafetensorsClassifier{}, r)
	require.NoError(t, err)

	require.Equal(t, wantKeys, keys(f.Tensors()))
	if diff := cmp.Diff(wantMeta, snapshot()); diff != "" {
		t.Errorf("structure changed (-want +got):\n%s", diff)
	}

	// BASE mit 0 multipliziert
	text, _ := f.Tensors().Get(stText)
	vals, err := text.Floats()
	require.NoError(t, err)
	require.Equal(t, 0.0, vals[0])
}

func TestApplyUnsupportedDType(t *testing.T) {
	f := safetensors.NewFile()
	require.NoError(t, f.Add(stMid, fs.I32, []int64{1}, []byte{1, 0, 0, 0}))

	_, err := Apply(f.Tensors(), block.SafetensorsClassifier{}, block.Ones())
	require.NoError(t, err, "ratio 1 leaves integer tensors alone")

	r, _ := block.ParseRatios(midHalf)
	_, err = Apply(f.Tensors(), block.SafetensorsClassifier{}, r)
	require.ErrorIs(t, err, fs.ErrUnsupportedDType)
}

func TestRatiosRejectedBeforeIO(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.bin")
	sixteen := strings.Repeat("1,", 15) + "1"
	eighteen := strings.Repeat("1,", 17) + "1"

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"bin 16", func() error { _, err := ApplyBin(missing, sixteen, ""); return err }, block.ErrRatioCount},
		{"bin 18", func() error { _, err := ApplyBin(missing, eighteen, ""); return err }, block.ErrRatioCount},
		{"safetensors 16", func() error { _, err := ApplySafetensors(missing, sixteen, ""); return err }, block.ErrRatioCount},
		{"safetensors 18", func() error { _, err := ApplySafetensors(missing, eighteen, ""); return err }, block.ErrRatioCount},
		{"file slice", func() error { _, err := ApplyFile(missing, make([]float64, 16), ""); return err }, block.ErrRatioCount},
		{"not a number", func() error { _, err := ApplyBin(missing, strings.Replace(midHalf, "0.5", "half", 1), ""); return err }, block.ErrRatioValue},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.ErrorIs(t, err, tt.want)

			var bwErr *Error
			require.True(t, errors.As(err, &bwErr))
			require.Equal(t, OpRatios, bwErr.Op)
		})
	}
}

func TestApplyBinUnknownCode(t *testing.T) {
	path := writeBin(t)
	out := filepath.Join(t.TempDir(), "out.bin")

	var r block.Ratios
	for i := range r {
		r[i] = 2
	}

	f, err := ApplyBin(path, r, out)
	require.NoError(t, err)

	want := map[string][]float64{
		binDown:    {2, 4},
		binUnknown: {3, 4},
		binMid:     {10, 12},
		binText:    {7, 8},
		binUp:      {18, 20},
	}
	if diff := cmp.Diff(want, values(t, f.Tensors())); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	// gespeicherte Datei enthaelt dieselben Werte
	g, err := torch.Open(out)
	require.NoError(t, err)
	require.Equal(t, keys(f.Tensors()), keys(g.Tensors()))
	if diff := cmp.Diff(want, values(t, g.Tensors())); diff != "" {
		t.Errorf("saved values mismatch (-want +got):\n%s", diff)
	}
}

func TestReport(t *testing.T) {
	f, err := torch.Open(writeBin(t))
	require.NoError(t, err)

	report, err := Apply(f.Tensors(), block.BinClassifier{}, block.Ones())
	require.NoError(t, err)

	require.Equal(t, 3, report.Classified())
	require.Equal(t, 1, report.Tensors[block.IN01])
	require.Equal(t, 1, report.Tensors[block.MID])
	require.Equal(t, 1, report.Tensors[block.OUT08])
	require.Equal(t, []string{binUnknown, binText}, report.Unclassified)
	require.Equal(t, []string{binUnknown}, report.Unresolved)
}

func TestApplySafetensorsRoundTrip(t *testing.T) {
	path := writeSafetensors(t, safetensorsFixture(t))
	out := filepath.Join(filepath.Dir(path), "out.safetensors")

	f, err := ApplySafetensors(path, midHalf, out)
	require.NoError(t, err)

	g, err := safetensors.Open(out)
	require.NoError(t, err)
	require.Equal(t, encode(t, f), encode(t, g))

	v, _ := g.Metadata().Get("ss_network_dim")
	require.Equal(t, "4", v)

	// Identitaet ueber Laden und Speichern
	out2 := filepath.Join(filepath.Dir(path), "same.safetensors")
	_, err = ApplySafetensors(path, block.Ones(), out2)
	require.NoError(t, err)

	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	same, err := os.ReadFile(out2)
	require.NoError(t, err)
	require.Equal(t, orig, same)
}

func TestApplyNoOutput(t *testing.T) {
	path := writeSafetensors(t, safetensorsFixture(t))
	_, err := ApplySafetensors(path, midHalf, "")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplyFile(t *testing.T) {
	st := writeSafetensors(t, safetensorsFixture(t))
	f, err := ApplyFile(st, midHalf, "")
	require.NoError(t, err)
	require.Equal(t, fs.FormatSafetensors, f.Format())

	bin := writeBin(t)
	f, err = ApplyFile(bin, midHalf, "")
	require.NoError(t, err)
	require.Equal(t, fs.FormatTorch, f.Format())

	_, err = ApplyFile(filepath.Join(t.TempDir(), "missing.safetensors"), midHalf, "")
	var bwErr *Error
	require.True(t, errors.As(err, &bwErr))
	require.Equal(t, OpLoad, bwErr.Op)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplySaveError(t *testing.T) {
	path := writeSafetensors(t, safetensorsFixture(t))
	out := filepath.Join(t.TempDir(), "missing-dir", "out.safetensors")

	_, err := ApplySafetensors(path, midHalf, out)
	var bwErr *Error
	require.True(t, errors.As(err, &bwErr))
	require.Equal(t, OpSave, bwErr.Op)
	require.Equal(t, out, bwErr.Path)
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	bts, err := binFixture().Bytes()
	require.NoError(t, err)
	noext := filepath.Join(dir, "weights")
	require.NoError(t, os.WriteFile(noext, bts, 0o644))

	st := filepath.Join(dir, "weights2")
	require.NoError(t, safetensorsFixture(t).WriteFile(st))

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("hello"), 0o644))

	cases := []struct {
		path string
		want fs.Format
		err  error
	}{
		{"a.safetensors", fs.FormatSafetensors, nil},
		{"A.BIN", fs.FormatTorch, nil},
		{"model.pt", fs.FormatTorch, nil},
		{noext, fs.FormatTorch, nil},
		{st, fs.FormatSafetensors, nil},
		{junk, fs.FormatUnknown, ErrUnknownFormat},
	}

	for _, tt := range cases {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: OpLoad, Path: "x.bin", Err: torch.ErrLegacyFormat}
	require.Equal(t, "blockweight load [x.bin]: legacy torch serialization format is not supported", err.Error())
	require.ErrorIs(t, err, torch.ErrLegacyFormat)

	err = &Error{Op: OpRatios, Err: block.ErrRatioValue}
	require.Equal(t, "blockweight ratios: invalid block weight ratio", err.Error())
}
