package npy

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeHeaderAlignment(t *testing.T) {
	shapes := [][]int{{5}, {3, 4}, {12, 13, 14}, {100000, 3}}
	for _, shape := range shapes {
		h := EncodeHeader(Header{Descr: "<f4", Shape: shape})
		if len(h)%64 != 0 {
			t.Errorf("shape %v: header length %d is not a multiple of 64", shape, len(h))
		}
		if h[len(h)-1] != '\n' {
			t.Errorf("shape %v: header does not end with newline", shape)
		}
		if !bytes.HasPrefix(h, []byte(Magic+"\x01\x00")) {
			t.Errorf("shape %v: bad preamble %q", shape, h[:8])
		}
	}

	h := string(EncodeHeader(Header{Descr: "|b1", Shape: []int{7}}))
	if !strings.Contains(h, "'shape': (7,)") {
		t.Errorf("1-D shape should carry a trailing comma: %q", h)
	}
}

func TestDecodeEncoded(t *testing.T) {
	arr := Int32([]int{2, 3}, []int32{0, 1, 2, 3, 4, 5})
	got, err := Decode(arr.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Descr != "<i4" || len(got.Shape) != 2 || got.Shape[0] != 2 || got.Shape[1] != 3 {
		t.Fatalf("unexpected header %+v", got.Header)
	}
	vals, err := got.Int32s()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vals {
		if v != int32(i) {
			t.Errorf("element %d: got %d", i, v)
		}
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	data := Float32([]int{4}, []float32{1, 2, 3, 4}).Encode()
	if _, err := Decode(data[:len(data)-2]); err == nil {
		t.Fatal("expected an error for truncated data")
	}
	if _, err := Decode([]byte("not an array")); err == nil {
		t.Fatal("expected an error for bad magic")
	}
}

func TestDecodeRejectsBadShape(t *testing.T) {
	shapes := [][]int{{-1, 2, 2}, {2, -3}, {1 << 40, 1 << 40}}
	for _, shape := range shapes {
		data := append(EncodeHeader(Header{Descr: "<i4", Shape: shape}), make([]byte, 64)...)
		if _, err := Decode(data); err == nil {
			t.Errorf("shape %v: expected an error", shape)
		}
	}

	empty := EncodeHeader(Header{Descr: "<i4", Shape: []int{0, 3}})
	arr, err := Decode(empty)
	if err != nil {
		t.Fatalf("zero-length array rejected: %v", err)
	}
	if arr.Len() != 0 || len(arr.Data) != 0 {
		t.Errorf("unexpected empty array %+v", arr.Header)
	}
}

func TestUint32sRejectsNegative(t *testing.T) {
	arr := Int32([]int{2}, []int32{3, -1})
	if _, err := arr.Uint32s(); err == nil {
		t.Fatal("expected an error for negative labels")
	}
}

func TestNPZDeterministic(t *testing.T) {
	entries := []Entry{
		{Name: "vertices", Array: Float32([]int{1, 3}, []float32{0.5, 1, 1.5})},
		{Name: "faces", Array: Int32([]int{1, 3}, []int32{0, 0, 0})},
		{Name: "mask", Array: Bool([]int{1, 1, 2}, []bool{true, false})},
	}
	a, err := EncodeNPZ(entries)
	if err != nil {
		t.Fatalf("EncodeNPZ failed: %v", err)
	}
	b, err := EncodeNPZ(entries)
	if err != nil {
		t.Fatalf("EncodeNPZ failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("identical entries produced different archives")
	}

	arrays, err := ReadNPZ(bytes.NewReader(a), int64(len(a)))
	if err != nil {
		t.Fatalf("ReadNPZ failed: %v", err)
	}
	if len(arrays) != 3 {
		t.Fatalf("expected 3 arrays, got %d", len(arrays))
	}
	mask, err := arrays["mask"].Bools()
	if err != nil {
		t.Fatal(err)
	}
	if !mask[0] || mask[1] {
		t.Errorf("unexpected mask values %v", mask)
	}
	if name, _ := FirstName(arrays); name != "faces" {
		t.Errorf("expected faces to sort first, got %s", name)
	}
}
