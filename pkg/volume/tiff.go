package volume

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

// pageReader presents a TIFF file whose first-IFD pointer is replaced, so
// that the single-image decoder can be pointed at any page of a stack.
type pageReader struct {
	data []byte
	ifd  [4]byte
}

func (p *pageReader) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(p.data)) {
		return 0, io.EOF
	}
	n := copy(b, p.data[off:])
	for i := 0; i < n; i++ {
		if pos := off + int64(i); pos >= 4 && pos < 8 {
			b[i] = p.ifd[pos-4]
		}
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// ifdOffsets walks the IFD chain of a classic TIFF file.
func ifdOffsets(path string, data []byte) ([]uint32, binary.ByteOrder, error) {
	if len(data) < 8 {
		return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "file too short"}
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "bad byte order mark"}
	}
	switch order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "BigTIFF is not supported"}
	default:
		return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "bad magic number"}
	}

	var offsets []uint32
	seen := map[uint32]bool{}
	off := order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] || int(off)+2 > len(data) {
			return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: fmt.Sprintf("corrupt IFD chain at %d", off)}
		}
		seen[off] = true
		offsets = append(offsets, off)
		count := int(order.Uint16(data[off:]))
		next := int(off) + 2 + 12*count
		if next+4 > len(data) {
			return nil, nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "truncated IFD"}
		}
		off = order.Uint32(data[next:])
	}
	return offsets, order, nil
}

// loadTIFF decodes every page of a stack. Page i becomes slice x=i; rows and
// columns become axes 1 and 2.
func loadTIFF(path string) (*Volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	offsets, order, err := ifdOffsets(path, data)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 0 {
		return nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: "no pages"}
	}

	var shape [3]int
	var wide bool
	pages := make([]image.Image, len(offsets))
	for i, off := range offsets {
		pr := &pageReader{data: data}
		order.PutUint32(pr.ifd[:], off)
		img, err := tiff.Decode(io.NewSectionReader(pr, 0, int64(len(data))))
		if err != nil {
			return nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: fmt.Sprintf("page %d: %v", i, err)}
		}
		b := img.Bounds()
		if i == 0 {
			shape = [3]int{len(offsets), b.Dy(), b.Dx()}
		} else if b.Dy() != shape[1] || b.Dx() != shape[2] {
			return nil, &ShapeMismatchError{Path: path, Shape: shape, ElemSize: 1, Bytes: int64(b.Dx() * b.Dy())}
		}
		switch img.(type) {
		case *image.Gray, *image.Paletted:
		case *image.Gray16:
			wide = true
		default:
			return nil, &UnsupportedFormatError{Path: path, Ext: ".tif", Reason: fmt.Sprintf("page %d: unsupported pixel type %T", i, img)}
		}
		pages[i] = img
	}

	n := shape[0] * shape[1] * shape[2]
	v := &Volume{Shape: shape, Format: FormatTIFF}
	if wide {
		buf := make([]uint16, n)
		for i, img := range pages {
			fillPage(img, shape, i, func(idx int, val uint32) { buf[idx] = uint16(val) })
		}
		v.DType, v.data = Uint16, u16s(buf)
	} else {
		buf := make([]uint8, n)
		for i, img := range pages {
			fillPage(img, shape, i, func(idx int, val uint32) { buf[idx] = uint8(val) })
		}
		v.DType, v.data = Uint8, u8s(buf)
	}
	return v, nil
}

func fillPage(img image.Image, shape [3]int, page int, set func(int, uint32)) {
	b := img.Bounds()
	base := page * shape[1] * shape[2]
	for row := 0; row < shape[1]; row++ {
		for col := 0; col < shape[2]; col++ {
			px, py := b.Min.X+col, b.Min.Y+row
			var val uint32
			switch im := img.(type) {
			case *image.Gray:
				val = uint32(im.GrayAt(px, py).Y)
			case *image.Gray16:
				val = uint32(im.Gray16At(px, py).Y)
			case *image.Paletted:
				val = uint32(im.ColorIndexAt(px, py))
			}
			set(base+row*shape[2]+col, val)
		}
	}
}
