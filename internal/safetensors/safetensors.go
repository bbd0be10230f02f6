// Package safetensors reads and writes the safetensors weight format: an
// 8-byte little-endian header length, a JSON header and the raw tensor data.
package safetensors

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/goccy/go-json"
)

const (
	metadataKey = "__metadata__"
	maxHeader   = 64 << 20
)

// ErrNotFound is returned for a tensor name the file does not contain.
var ErrNotFound = errors.New("tensor not found")

// DType is the element type tag stored in the header.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// Size is the element width in bytes, or 0 for types strata cannot decode.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

// Info locates one tensor inside the data section.
type Info struct {
	DType DType
	Shape []int
	Begin int64
	End   int64
}

// Elements is the product of the shape.
func (i Info) Elements() (int, error) { return elements(i.Shape) }

type entry struct {
	DType   DType   `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Header is the decoded JSON header.
type Header struct {
	Tensors  map[string]Info
	Metadata map[string]string
	// Size counts the length prefix and the JSON bytes; tensor offsets are
	// relative to it.
	Size int64
}

// ReadHeader decodes the length prefix and JSON header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n == 0 || n > maxHeader {
		return nil, fmt.Errorf("header length %d out of range", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	h := &Header{Tensors: make(map[string]Info, len(fields)), Size: int64(8 + n)}
	for name, msg := range fields {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &h.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(e.Offsets) != 2 || e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
			return nil, fmt.Errorf("tensor %s: bad data_offsets %v", name, e.Offsets)
		}
		h.Tensors[name] = Info{DType: e.DType, Shape: e.Shape, Begin: e.Offsets[0], End: e.Offsets[1]}
	}
	return h, nil
}

// File is an open safetensors file. Tensor data is read on demand.
type File struct {
	*Header
	f *os.File
}

// Open reads the header of path and keeps the file open for tensor reads.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Header: h, f: f}, nil
}

// Close releases the underlying file.
func (f *File) Close() error { return f.f.Close() }

// Names lists the tensors in the file, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info reports the location of name.
func (f *File) Info(name string) (Info, bool) {
	info, ok := f.Tensors[name]
	return info, ok
}

// Bytes returns the raw data of name.
func (f *File) Bytes(name string) ([]byte, Info, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	buf := make([]byte, info.End-info.Begin)
	if _, err := f.f.ReadAt(buf, f.Size+info.Begin); err != nil {
		return nil, Info{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// Float32s decodes name into float32 values. F32, F16 and BF16 are
// supported.
func (f *File) Float32s(name string) ([]float32, Info, error) {
	raw, info, err := f.Bytes(name)
	if err != nil {
		return nil, Info{}, err
	}
	out, err := Decode(info.DType, info.Shape, raw)
	if err != nil {
		return nil, Info{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// Decode converts raw little-endian data of the given type and shape.
func Decode(dt DType, shape []int, raw []byte) ([]float32, error) {
	width := dt.Size()
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %q", dt)
	}
	n, err := elements(shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%d bytes for %d %s values", len(raw), n, dt)
	}
	out := make([]float32, n)
	for i := range out {
		switch dt {
		case F32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case BF16:
			out[i] = bf16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		case F16:
			out[i] = f16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, nil
}

// Tensor is a tensor to be written. An empty DType means F32.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []float32
}

// Write encodes tensors in name order, with data 8-byte aligned. F32 and
// BF16 are supported for writing.
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := slices.Clone(tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for i := range sorted {
		t := &sorted[i]
		if t.DType == "" {
			t.DType = F32
		}
		if t.DType != F32 && t.DType != BF16 {
			return fmt.Errorf("tensor %s: cannot write dtype %s", t.Name, t.DType)
		}
		n, err := elements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v needs %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		end := off + int64(n*t.DType.Size())
		header[t.Name] = entry{DType: t.DType, Shape: t.Shape, Offsets: []int64{off, end}}
		off = end
	}
	js, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for len(js)%8 != 0 {
		js = append(js, ' ')
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(js))); err != nil {
		return err
	}
	if _, err := bw.Write(js); err != nil {
		return err
	}
	var word [4]byte
	for _, t := range sorted {
		for _, v := range t.Data {
			if t.DType == BF16 {
				binary.LittleEndian.PutUint16(word[:2], float32ToBF16(v))
				_, err = bw.Write(word[:2])
			} else {
				binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
				_, err = bw.Write(word[:])
			}
			if err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile is Write to a newly created file at path.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, tensors, metadata)
}

func elements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dimension %d", d)
		}
		if n > math.MaxInt/d {
			return 0, errors.New("shape overflows int")
		}
		n *= d
	}
	return n, nil
}

func bf16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// float32ToBF16 rounds to nearest even. NaN stays NaN.
func float32ToBF16(f float32) uint16 {
	b := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(b>>16) | 0x40
	}
	b += 0x7fff + (b>>16)&1
	return uint16(b >> 16)
}

func f16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: shift until the implicit bit appears.
		e := uint32(127 - 14)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		return math.Float32frombits(sign | e<<23 | (frac&0x3ff)<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}
