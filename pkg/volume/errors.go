package volume

import "fmt"

// UnsupportedFormatError reports an input that cannot be decoded, either
// because of its extension or because of its contents.
type UnsupportedFormatError struct {
	Path   string
	Ext    string
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Ext != "" {
		return fmt.Sprintf("unsupported volume format %q for %s: %s", e.Ext, e.Path, e.Reason)
	}
	return fmt.Sprintf("unsupported volume %s: %s", e.Path, e.Reason)
}

// ShapeMismatchError reports a buffer whose byte length does not match its
// declared shape.
type ShapeMismatchError struct {
	Path     string
	Shape    [3]int
	ElemSize int
	Bytes    int64
}

func (e *ShapeMismatchError) Error() string {
	want := int64(e.Shape[0]) * int64(e.Shape[1]) * int64(e.Shape[2]) * int64(e.ElemSize)
	return fmt.Sprintf("shape %dx%dx%d of %d-byte elements needs %d bytes but %s holds %d",
		e.Shape[0], e.Shape[1], e.Shape[2], e.ElemSize, want, e.Path, e.Bytes)
}
