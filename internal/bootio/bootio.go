// Package bootio collects the small binary.Read/Write helpers shared by
// every fixed-layout struct in the core (handoff record, bzImage setup
// header, chunk manifest), generalizing the teacher's repeated
// bytes.NewReader + binary.Read pattern (bootimg.go) into one place
// instead of copy-pasting it per struct.
package bootio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ReadStruct decodes a little-endian fixed-layout struct from buf at the
// given offset, the way DynImgV0.Init et al. decode boot image headers.
func ReadStruct(buf []byte, offset int, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("bootio: type is not a fixed-size struct")
	}
	if offset < 0 || offset+size > len(buf) {
		return fmt.Errorf("bootio: struct at offset %d (size %d) exceeds buffer of %d bytes", offset, size, len(buf))
	}
	r := bytes.NewReader(buf[offset : offset+size])
	return binary.Read(r, binary.LittleEndian, v)
}

// WriteStruct encodes v as little-endian bytes.
func WriteStruct(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CString extracts a NUL-terminated string from a fixed-size byte array
// field, the way the teacher reads Name/Cmdline/Id fields out of
// BootImgHdrV0.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// PutCString copies s into dst, NUL-padding or truncating to fit.
func PutCString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// AlignUp rounds v up to the next multiple of align (align must be a
// power of two), the teacher's align_to from common.go generalized to
// 64-bit offsets used throughout DMA and GPT math.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignPadding returns the number of padding bytes needed to align v.
func AlignPadding(v, align uint64) uint64 {
	return AlignUp(v, align) - v
}
