// Package volume loads labeled 3-D volumes from the encodings produced by
// segmentation tooling and exposes them through one random-access view.
package volume

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// DType is the element type of a stored volume.
type DType int

const (
	Uint8 DType = iota
	Uint16
	Uint32
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Uint16:
		return 2
	case Uint32:
		return 4
	}
	return 1
}

func (d DType) String() string {
	switch d {
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	}
	return "uint8"
}

// ParseDType parses the names accepted on the command line.
func ParseDType(s string) (DType, error) {
	switch s {
	case "", "uint8", "u1":
		return Uint8, nil
	case "uint16", "u2":
		return Uint16, nil
	case "uint32", "u4":
		return Uint32, nil
	}
	return 0, errors.Errorf("unknown dtype %q", s)
}

// Options carries what an encoding cannot describe by itself.
type Options struct {
	// Shape overrides the shape of raw buffers. Zero means take it from the
	// file name suffix _AxBxC.raw.
	Shape [3]int

	// DType is the element type of raw buffers.
	DType DType
}

// Volume is a read-only labeled volume in C order: axis 2 varies fastest.
type Volume struct {
	Shape  [3]int
	DType  DType
	Format Format

	// Pitch is the voxel edge length declared by the file, 0 when unknown.
	Pitch float64

	data backing
}

type backing interface {
	at(i int) uint32
	close() error
}

// Load opens the volume at path using the encoding chosen by its extension.
func Load(path string, opts Options) (*Volume, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTIFF:
		return loadTIFF(path)
	case FormatRaw:
		return loadRaw(path, opts)
	case FormatNPZ:
		return loadNPZ(path)
	case FormatNPY:
		return loadNPY(path)
	case FormatNRRD:
		return loadNRRD(path)
	}
	return nil, &UnsupportedFormatError{Path: path, Reason: "no loader for " + format.String()}
}

// FromLabels wraps an in-memory label array.
func FromLabels(shape [3]int, labels []uint32) *Volume {
	return &Volume{Shape: shape, DType: Uint32, data: u32s(labels)}
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Index returns the flat index of (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return (x*v.Shape[1]+y)*v.Shape[2] + z
}

// At returns the label at (x, y, z).
func (v *Volume) At(x, y, z int) uint32 {
	return v.data.at(v.Index(x, y, z))
}

// AtIndex returns the label at a flat index.
func (v *Volume) AtIndex(i int) uint32 {
	return v.data.at(i)
}

// Close releases any memory mapping behind the volume.
func (v *Volume) Close() error {
	if v.data == nil {
		return nil
	}
	return v.data.close()
}

type u8s []uint8

func (b u8s) at(i int) uint32 { return uint32(b[i]) }
func (u8s) close() error      { return nil }

type u16s []uint16

func (b u16s) at(i int) uint32 { return uint32(b[i]) }
func (u16s) close() error      { return nil }

type u32s []uint32

func (b u32s) at(i int) uint32 { return b[i] }
func (u32s) close() error      { return nil }

// mapped reads little-endian elements straight from a memory-mapped file.
type mapped struct {
	r      *mmap.ReaderAt
	offset int
	size   int
}

func (m *mapped) at(i int) uint32 {
	p := m.offset + i*m.size
	switch m.size {
	case 1:
		return uint32(m.r.At(p))
	case 2:
		return uint32(binary.LittleEndian.Uint16([]byte{m.r.At(p), m.r.At(p + 1)}))
	default:
		return binary.LittleEndian.Uint32([]byte{m.r.At(p), m.r.At(p + 1), m.r.At(p + 2), m.r.At(p + 3)})
	}
}

func (m *mapped) close() error { return m.r.Close() }

// openMapped maps path and checks that it holds exactly offset plus the
// shape's worth of elements.
func openMapped(path string, shape [3]int, dtype DType, offset int) (*mapped, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}
	want := int64(shape[0]) * int64(shape[1]) * int64(shape[2]) * int64(dtype.Size())
	if int64(r.Len()-offset) != want {
		r.Close()
		return nil, &ShapeMismatchError{Path: path, Shape: shape, ElemSize: dtype.Size(), Bytes: int64(r.Len() - offset)}
	}
	return &mapped{r: r, offset: offset, size: dtype.Size()}, nil
}
