package volume

import (
	"path/filepath"
	"strings"
)

// Format is one of the supported on-disk encodings of a labeled volume.
type Format int

const (
	// FormatTIFF is a multi-page bitmap stack, one page per slice along axis 0.
	FormatTIFF Format = iota
	// FormatRaw is a flat little-endian buffer whose shape is supplied externally.
	FormatRaw
	// FormatNPZ is a NumPy archive holding a single array.
	FormatNPZ
	// FormatNPY is a single NumPy array file.
	FormatNPY
	// FormatNRRD is a NRRD file with an attached header.
	FormatNRRD
)

var formatNames = [...]string{"tiff", "raw", "npz", "npy", "nrrd"}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "unknown"
	}
	return formatNames[f]
}

// FormatFromPath maps a file extension to its Format. It is the only place
// extensions are inspected.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".tif", ".tiff":
		return FormatTIFF, nil
	case ".raw":
		return FormatRaw, nil
	case ".npz":
		return FormatNPZ, nil
	case ".npy":
		return FormatNPY, nil
	case ".nrrd":
		return FormatNRRD, nil
	}
	return 0, &UnsupportedFormatError{Path: path, Ext: ext, Reason: "unrecognized extension"}
}
