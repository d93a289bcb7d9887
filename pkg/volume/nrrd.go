package volume

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type nrrdHeader struct {
	fields map[string]string
}

func readNRRDHeader(path string, r *bufio.Reader) (*nrrdHeader, error) {
	magic, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(magic, "NRRD") {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "missing NRRD magic"}
	}
	h := &nrrdHeader{fields: map[string]string{}}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "header has no terminating blank line"}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return h, nil
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// key:=value pairs are free-form metadata
		if strings.Contains(line, ":=") {
			continue
		}
		if i := strings.Index(line, ":"); i >= 0 {
			h.fields[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
		}
	}
}

func nrrdDType(path, t string) (DType, error) {
	switch strings.ToLower(t) {
	case "uchar", "unsigned char", "uint8", "uint8_t":
		return Uint8, nil
	case "ushort", "unsigned short", "unsigned short int", "uint16", "uint16_t":
		return Uint16, nil
	case "uint", "unsigned int", "uint32", "uint32_t":
		return Uint32, nil
	}
	return 0, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "unsupported type " + t}
}

var vectorRe = regexp.MustCompile(`\(([^)]*)\)`)

// nrrdPitch returns the isotropic voxel size declared by spacings or space
// directions, or 0.
func nrrdPitch(fields map[string]string) float64 {
	var steps []float64
	if s, ok := fields["spacings"]; ok {
		for _, f := range strings.Fields(s) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return 0
			}
			steps = append(steps, v)
		}
	} else if s, ok := fields["space directions"]; ok {
		for _, m := range vectorRe.FindAllStringSubmatch(s, -1) {
			var norm float64
			for _, c := range strings.Split(m[1], ",") {
				v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
				if err != nil {
					return 0
				}
				norm += v * v
			}
			steps = append(steps, math.Sqrt(norm))
		}
	}
	if len(steps) != 3 || steps[0] <= 0 {
		return 0
	}
	for _, s := range steps[1:] {
		if math.Abs(s-steps[0]) > 1e-6*steps[0] {
			return 0
		}
	}
	return steps[0]
}

func loadNRRD(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := readNRRDHeader(path, br)
	if err != nil {
		return nil, err
	}
	if _, ok := h.fields["data file"]; ok {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "detached data files are not supported"}
	}
	if d := h.fields["dimension"]; d != "3" {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "dimension must be 3, got " + d}
	}
	dtype, err := nrrdDType(path, h.fields["type"])
	if err != nil {
		return nil, err
	}
	sizes := strings.Fields(h.fields["sizes"])
	if len(sizes) != 3 {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "sizes must list 3 values"}
	}
	// sizes are listed fastest axis first
	var shape [3]int
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "bad size " + s}
		}
		shape[2-i] = n
	}

	var src io.Reader = br
	switch enc := strings.ToLower(h.fields["encoding"]); enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open gzip stream in %s", path)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, &UnsupportedFormatError{Path: path, Ext: ".nrrd", Reason: "unsupported encoding " + enc}
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read data of %s", path)
	}
	n := shape[0] * shape[1] * shape[2]
	if len(payload) != n*dtype.Size() {
		return nil, &ShapeMismatchError{Path: path, Shape: shape, ElemSize: dtype.Size(), Bytes: int64(len(payload))}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if strings.ToLower(h.fields["endian"]) == "big" {
		order = binary.BigEndian
	}
	v := &Volume{Shape: shape, DType: dtype, Format: FormatNRRD, Pitch: nrrdPitch(h.fields)}
	switch dtype {
	case Uint8:
		v.data = u8s(bytes.Clone(payload))
	case Uint16:
		buf := make([]uint16, n)
		for i := range buf {
			buf[i] = order.Uint16(payload[2*i:])
		}
		v.data = u16s(buf)
	case Uint32:
		buf := make([]uint32, n)
		for i := range buf {
			buf[i] = order.Uint32(payload[4*i:])
		}
		v.data = u32s(buf)
	}
	return v, nil
}
