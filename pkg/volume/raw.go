package volume

import (
	"path/filepath"
	"regexp"
	"strconv"
)

var rawShapeRe = regexp.MustCompile(`(?i)_(\d+)x(\d+)x(\d+)\.raw$`)

// ShapeFromName parses the _AxBxC.raw suffix of a raw volume file name.
func ShapeFromName(path string) ([3]int, bool) {
	m := rawShapeRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return [3]int{}, false
	}
	var shape [3]int
	for i := range shape {
		n, err := strconv.Atoi(m[i+1])
		if err != nil || n <= 0 {
			return [3]int{}, false
		}
		shape[i] = n
	}
	return shape, true
}

func loadRaw(path string, opts Options) (*Volume, error) {
	shape := opts.Shape
	if shape == ([3]int{}) {
		var ok bool
		if shape, ok = ShapeFromName(path); !ok {
			return nil, &UnsupportedFormatError{
				Path:   path,
				Ext:    ".raw",
				Reason: "shape must be given or embedded in the name as _AxBxC.raw",
			}
		}
	}
	m, err := openMapped(path, shape, opts.DType, 0)
	if err != nil {
		return nil, err
	}
	return &Volume{Shape: shape, DType: opts.DType, Format: FormatRaw, data: m}, nil
}
