// Package npy reads and writes NumPy .npy arrays and .npz archives, the
// on-disk layout shared with the Python tooling that consumes particle records.
package npy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Magic is the prefix of every .npy file.
const Magic = "\x93NUMPY"

const maxElements = math.MaxInt / 16

// Header describes the array stored after the .npy preamble.
type Header struct {
	Descr        string
	FortranOrder bool
	Shape        []int
}

// Len returns the number of elements described by the shape.
func (h Header) Len() int {
	n := 1
	for _, s := range h.Shape {
		n *= s
	}
	return n
}

// ItemSize returns the size in bytes of one element.
func (h Header) ItemSize() (int, error) {
	if len(h.Descr) < 3 {
		return 0, errors.Errorf("npy: malformed descr %q", h.Descr)
	}
	n, err := strconv.Atoi(h.Descr[2:])
	if err != nil || n <= 0 {
		return 0, errors.Errorf("npy: malformed descr %q", h.Descr)
	}
	return n, nil
}

// Array is a decoded array. Data holds the raw element bytes exactly as they
// appear in the file.
type Array struct {
	Header
	Data []byte
}

// EncodeHeader renders the version 1.0 preamble for h, padded so that the
// element data starts on a 64-byte boundary.
func EncodeHeader(h Header) []byte {
	dims := make([]string, len(h.Shape))
	for i, s := range h.Shape {
		dims[i] = strconv.Itoa(s)
	}
	shape := "(" + strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	shape += ")"
	order := "False"
	if h.FortranOrder {
		order = "True"
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", h.Descr, order, shape)

	// magic(6) + version(2) + length(2) + dict + padding + '\n'
	total := len(Magic) + 4 + len(dict) + 1
	pad := (64 - total%64) % 64
	dict += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.Write([]byte{1, 0})
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(dict)))
	buf.Write(hl[:])
	buf.WriteString(dict)
	return buf.Bytes()
}

var (
	descrRe = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	orderRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadHeader parses the preamble from r and returns the header together with
// the byte offset at which element data begins.
func ReadHeader(r io.Reader) (Header, int64, error) {
	pre := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return Header{}, 0, errors.Wrap(err, "npy: read preamble")
	}
	if string(pre[:len(Magic)]) != Magic {
		return Header{}, 0, errors.New("npy: bad magic")
	}
	major := pre[len(Magic)]
	var hlen int
	var offset int64
	switch major {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Header{}, 0, errors.Wrap(err, "npy: read header length")
		}
		hlen = int(binary.LittleEndian.Uint16(b[:]))
		offset = int64(len(pre) + 2 + hlen)
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Header{}, 0, errors.Wrap(err, "npy: read header length")
		}
		hlen = int(binary.LittleEndian.Uint32(b[:]))
		offset = int64(len(pre) + 4 + hlen)
	default:
		return Header{}, 0, errors.Errorf("npy: unsupported version %d", major)
	}
	dict := make([]byte, hlen)
	if _, err := io.ReadFull(r, dict); err != nil {
		return Header{}, 0, errors.Wrap(err, "npy: read header")
	}
	h, err := parseDict(string(dict))
	return h, offset, err
}

func parseDict(dict string) (Header, error) {
	var h Header
	m := descrRe.FindStringSubmatch(dict)
	if m == nil {
		return h, errors.Errorf("npy: header without descr: %q", dict)
	}
	h.Descr = m[1]
	if m := orderRe.FindStringSubmatch(dict); m != nil {
		h.FortranOrder = m[1] == "True"
	}
	m = shapeRe.FindStringSubmatch(dict)
	if m == nil {
		return h, errors.Errorf("npy: header without shape: %q", dict)
	}
	total := 1
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "L"))
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return h, errors.Wrapf(err, "npy: bad shape %q", m[1])
		}
		if n < 0 {
			return h, errors.Errorf("npy: negative dimension in shape %q", m[1])
		}
		// element count times the widest item size must fit an int
		if n > 0 && total > maxElements/n {
			return h, errors.Errorf("npy: shape %q is too large", m[1])
		}
		total *= n
		h.Shape = append(h.Shape, n)
	}
	return h, nil
}

// Decode parses a complete .npy file held in memory.
func Decode(data []byte) (*Array, error) {
	h, offset, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	size, err := h.ItemSize()
	if err != nil {
		return nil, err
	}
	want := int64(h.Len() * size)
	if int64(len(data))-offset < want {
		return nil, errors.Errorf("npy: truncated data: have %d bytes, want %d", int64(len(data))-offset, want)
	}
	return &Array{Header: h, Data: data[offset : offset+want]}, nil
}

// Encode renders the array as a complete .npy file.
func (a *Array) Encode() []byte {
	return append(EncodeHeader(a.Header), a.Data...)
}

// Bool builds a |b1 array.
func Bool(shape []int, values []bool) *Array {
	data := make([]byte, len(values))
	for i, v := range values {
		if v {
			data[i] = 1
		}
	}
	return &Array{Header: Header{Descr: "|b1", Shape: shape}, Data: data}
}

// Float32 builds a <f4 array.
func Float32(shape []int, values []float32) *Array {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Array{Header: Header{Descr: "<f4", Shape: shape}, Data: data}
}

// Int32 builds a <i4 array.
func Int32(shape []int, values []int32) *Array {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return &Array{Header: Header{Descr: "<i4", Shape: shape}, Data: data}
}

// Bools returns the elements as booleans; any non-zero element is true.
func (a *Array) Bools() ([]bool, error) {
	vals, err := a.Uint32s()
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = v != 0
	}
	return out, nil
}

// Uint32s converts integer and boolean arrays to uint32 values. Negative
// values are rejected since labels are non-negative.
func (a *Array) Uint32s() ([]uint32, error) {
	n := a.Len()
	out := make([]uint32, n)
	d := a.Data
	switch a.Descr {
	case "|b1", "|u1", "<u1", "|i1":
		for i := range out {
			out[i] = uint32(d[i])
		}
	case "<u2":
		for i := range out {
			out[i] = uint32(binary.LittleEndian.Uint16(d[2*i:]))
		}
	case "<i2":
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(d[2*i:]))
			if v < 0 {
				return nil, errors.Errorf("npy: negative value %d at %d", v, i)
			}
			out[i] = uint32(v)
		}
	case "<u4":
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(d[4*i:])
		}
	case "<i4":
		for i := range out {
			v := int32(binary.LittleEndian.Uint32(d[4*i:]))
			if v < 0 {
				return nil, errors.Errorf("npy: negative value %d at %d", v, i)
			}
			out[i] = uint32(v)
		}
	case "<i8", "<u8":
		for i := range out {
			v := binary.LittleEndian.Uint64(d[8*i:])
			if v > math.MaxUint32 {
				return nil, errors.Errorf("npy: value %d at %d exceeds 32 bits", int64(v), i)
			}
			out[i] = uint32(v)
		}
	default:
		return nil, errors.Errorf("npy: unsupported integer descr %q", a.Descr)
	}
	return out, nil
}

// Float32s returns the elements of a <f4 or <f8 array as float32 values.
func (a *Array) Float32s() ([]float32, error) {
	n := a.Len()
	out := make([]float32, n)
	switch a.Descr {
	case "<f4":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
		}
	case "<f8":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:])))
		}
	default:
		return nil, errors.Errorf("npy: unsupported float descr %q", a.Descr)
	}
	return out, nil
}

// Int32s returns the elements of an integer array as int32 values.
func (a *Array) Int32s() ([]int32, error) {
	switch a.Descr {
	case "<i4":
		out := make([]int32, a.Len())
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(a.Data[4*i:]))
		}
		return out, nil
	case "<i8":
		out := make([]int32, a.Len())
		for i := range out {
			out[i] = int32(int64(binary.LittleEndian.Uint64(a.Data[8*i:])))
		}
		return out, nil
	}
	vals, err := a.Uint32s()
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	return out, nil
}
