package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawFile builds a file from a literal JSON header and data section.
func rawFile(t *testing.T, header string, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.WriteString(header)
	buf.Write(data)
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func le16(vals ...uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []Tensor{
		{Name: "lm_head.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "embed_tokens.weight", Shape: []int{3}, Data: []float32{-1, 0.5, 7}},
		{Name: "half", DType: BF16, Shape: []int{2}, Data: []float32{1.5, -2}},
	}
	meta := map[string]string{"vocab_size": "3"}
	require.NoError(t, WriteFile(path, tensors, meta))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, meta, f.Metadata)
	assert.Equal(t, []string{"embed_tokens.weight", "half", "lm_head.weight"}, f.Names())
	assert.Zero(t, f.Size%8, "tensor data should start 8-byte aligned")

	head, info, err := f.Float32s("lm_head.weight")
	require.NoError(t, err)
	assert.Equal(t, F32, info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, head)

	emb, _, err := f.Float32s("embed_tokens.weight")
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0.5, 7}, emb)

	half, info, err := f.Float32s("half")
	require.NoError(t, err)
	assert.Equal(t, BF16, info.DType)
	assert.Equal(t, []float32{1.5, -2}, half)
}

func TestWriteRejects(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := Write(&buf, []Tensor{{Name: "x", Shape: []int{2, 2}, Data: []float32{1}}}, nil)
	assert.ErrorContains(t, err, "needs 4 values")

	err = Write(&buf, []Tensor{{Name: "x", DType: F16, Shape: []int{1}, Data: []float32{1}}}, nil)
	assert.ErrorContains(t, err, "cannot write dtype F16")

	err = Write(&buf, []Tensor{{Name: "x", Shape: []int{0}, Data: nil}}, nil)
	assert.ErrorContains(t, err, "invalid dimension")
}

func TestReadHeaderErrors(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		header string
		want   string
	}{
		"bad json":     {`{"a":`, "parse header"},
		"bad offsets":  {`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`, "bad data_offsets"},
		"inverted":     {`{"a":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`, "bad data_offsets"},
		"bad metadata": {`{"__metadata__":[1,2]}`, "parse metadata"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(rawFile(t, tc.header, nil))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	t.Parallel()
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorContains(t, err, "read header length")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(100)))
	buf.WriteString(`{}`)
	_, err = ReadHeader(&buf)
	assert.ErrorContains(t, err, "read header")

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(maxHeader+1)))
	_, err = ReadHeader(&buf)
	assert.ErrorContains(t, err, "out of range")
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f, err := Open(rawFile(t, `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, make([]byte, 4)))
	require.NoError(t, err)
	defer f.Close()

	_, ok := f.Info("b")
	assert.False(t, ok)
	_, _, err = f.Float32s("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFloat32sF16(t *testing.T) {
	t.Parallel()
	// 1.0, -2.0, 0.5, smallest subnormal, +Inf
	data := le16(0x3c00, 0xc000, 0x3800, 0x0001, 0x7c00)
	f, err := Open(rawFile(t, `{"h":{"dtype":"F16","shape":[5],"data_offsets":[0,10]}}`, data))
	require.NoError(t, err)
	defer f.Close()

	got, _, err := f.Float32s("h")
	require.NoError(t, err)
	assert.Equal(t, float32(1), got[0])
	assert.Equal(t, float32(-2), got[1])
	assert.Equal(t, float32(0.5), got[2])
	assert.Equal(t, float32(math.Ldexp(1, -24)), got[3])
	assert.True(t, math.IsInf(float64(got[4]), 1))
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	_, err := Decode("I8", []int{1}, []byte{1})
	assert.ErrorContains(t, err, "unsupported dtype")

	_, err = Decode(F32, []int{2}, make([]byte, 4))
	assert.ErrorContains(t, err, "4 bytes for 2 F32 values")

	_, err = Decode(F32, nil, nil)
	assert.ErrorContains(t, err, "empty shape")
}

func TestElementsOverflow(t *testing.T) {
	t.Parallel()
	_, err := elements([]int{math.MaxInt / 2, 3})
	assert.ErrorContains(t, err, "overflows")

	n, err := Info{Shape: []int{2, 3, 4}}.Elements()
	require.NoError(t, err)
	assert.Equal(t, 24, n)
}

func TestBF16Rounding(t *testing.T) {
	t.Parallel()
	for _, v := range []float32{0, 1, -1, 0.15625, 65536} {
		assert.Equal(t, v, bf16ToFloat32(float32ToBF16(v)), "exact value %v", v)
	}
	// 1 + 2^-8 is halfway between two bf16 values and rounds to even.
	assert.Equal(t, float32(1), bf16ToFloat32(float32ToBF16(1+1.0/256)))
	assert.True(t, math.IsNaN(float64(bf16ToFloat32(float32ToBF16(float32(math.NaN()))))))
}
