package npy

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one named array inside an .npz archive. Name excludes the .npy
// suffix, matching the keys NumPy exposes.
type Entry struct {
	Name  string
	Array *Array
}

// WriteNPZ writes the entries as an uncompressed archive, the layout produced
// by numpy.savez. Entries carry no timestamps so identical arrays always
// produce identical bytes.
func WriteNPZ(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   e.Name + ".npy",
			Method: zip.Store,
		})
		if err != nil {
			return errors.Wrapf(err, "npz: create %s", e.Name)
		}
		if _, err := fw.Write(e.Array.Encode()); err != nil {
			return errors.Wrapf(err, "npz: write %s", e.Name)
		}
	}
	return errors.Wrap(zw.Close(), "npz: close")
}

// EncodeNPZ renders the entries into memory.
func EncodeNPZ(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteNPZ(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadNPZ decodes every array in an archive. Both stored and deflated
// members are accepted, so numpy.savez_compressed output reads as well.
func ReadNPZ(r io.ReaderAt, size int64) (map[string]*Array, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "npz: open archive")
	}
	out := map[string]*Array{}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "npz: open %s", f.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "npz: read %s", f.Name)
		}
		arr, err := Decode(data)
		if err != nil {
			return nil, errors.Wrapf(err, "npz: decode %s", f.Name)
		}
		out[strings.TrimSuffix(f.Name, ".npy")] = arr
	}
	return out, nil
}

// FirstName returns the key NumPy would list first for a single-array
// archive: arr_0 when present, otherwise the lexicographically smallest name.
func FirstName(arrays map[string]*Array) (string, bool) {
	if _, ok := arrays["arr_0"]; ok {
		return "arr_0", true
	}
	names := make([]string, 0, len(arrays))
	for k := range arrays {
		names = append(names, k)
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}
