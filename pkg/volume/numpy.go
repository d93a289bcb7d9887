package volume

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"grainmesh/pkg/npy"
)

func shape3(path string, h npy.Header) ([3]int, error) {
	if len(h.Shape) != 3 {
		return [3]int{}, &UnsupportedFormatError{Path: path, Reason: "array is not 3-D"}
	}
	if h.FortranOrder {
		return [3]int{}, &UnsupportedFormatError{Path: path, Reason: "fortran-ordered arrays are not supported"}
	}
	var shape [3]int
	for i, n := range h.Shape {
		if n <= 0 {
			return shape, &UnsupportedFormatError{Path: path, Reason: fmt.Sprintf("dimension %d has size %d", i, n)}
		}
		shape[i] = n
	}
	return shape, nil
}

func fromArray(path string, format Format, arr *npy.Array) (*Volume, error) {
	shape, err := shape3(path, arr.Header)
	if err != nil {
		return nil, err
	}
	labels, err := arr.Uint32s()
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Reason: err.Error()}
	}
	return &Volume{Shape: shape, DType: Uint32, Format: format, data: u32s(labels)}, nil
}

func loadNPY(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	h, offset, err := npy.ReadHeader(f)
	f.Close()
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".npy", Reason: err.Error()}
	}
	shape, err := shape3(path, h)
	if err != nil {
		return nil, err
	}

	// Unsigned little-endian arrays are mapped in place; everything else is
	// converted in memory.
	var dtype DType
	switch h.Descr {
	case "|u1", "|b1", "<u1":
		dtype = Uint8
	case "<u2":
		dtype = Uint16
	case "<u4":
		dtype = Uint32
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		arr, err := npy.Decode(data)
		if err != nil {
			return nil, &UnsupportedFormatError{Path: path, Ext: ".npy", Reason: err.Error()}
		}
		return fromArray(path, FormatNPY, arr)
	}
	m, err := openMapped(path, shape, dtype, int(offset))
	if err != nil {
		return nil, err
	}
	return &Volume{Shape: shape, DType: dtype, Format: FormatNPY, data: m}, nil
}

func loadNPZ(path string) (*Volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	arrays, err := npy.ReadNPZ(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".npz", Reason: err.Error()}
	}
	name, ok := npy.FirstName(arrays)
	if !ok {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".npz", Reason: "archive holds no arrays"}
	}
	return fromArray(path, FormatNPZ, arrays[name])
}
