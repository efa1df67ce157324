// Package binread provides little-endian record decoding for the RTTI
// walkers. Both ABIs lay their metadata out as packed little-endian structs;
// the walkers read the raw bytes through the address-space service and
// decode them here.
package binread

import (
	"encoding/binary"
	"errors"
)

// Errors returned by Reader.
var (
	ErrUnexpectedEOF   = errors.New("binread: unexpected end of data")
	ErrBadPointerWidth = errors.New("binread: pointer width must be 4 or 8")
)

// Reader decodes binary data from a byte slice. All multi-byte values are
// read in little-endian order.
type Reader struct {
	data   []byte
	offset int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.offset }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.offset >= len(r.data) {
		return 0
	}
	return len(r.data) - r.offset
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) error {
	if r.offset+n > len(r.data) {
		return ErrUnexpectedEOF
	}
	r.offset += n
	return nil
}

// ReadU32 reads an unsigned 32-bit integer.
func (r *Reader) ReadU32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

// ReadU64 reads an unsigned 64-bit integer.
func (r *Reader) ReadU64() (uint64, error) {
	if r.offset+8 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

// ReadI32 reads a signed 32-bit integer.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadPointer reads a pointer-width unsigned value. Width must be 4 or 8.
func (r *Reader) ReadPointer(width int) (uint64, error) {
	switch width {
	case 4:
		v, err := r.ReadU32()
		return uint64(v), err
	case 8:
		return r.ReadU64()
	default:
		return 0, ErrBadPointerWidth
	}
}

// ReadSignedPointer reads a pointer-width value and sign-extends it. Vtables
// store the sub-object displacement as a negative pointer-width integer.
func (r *Reader) ReadSignedPointer(width int) (int64, error) {
	switch width {
	case 4:
		v, err := r.ReadU32()
		return int64(int32(v)), err
	case 8:
		v, err := r.ReadU64()
		return int64(v), err
	default:
		return 0, ErrBadPointerWidth
	}
}
