package stream

import (
	"bytes"
	"encoding/binary"
)

// BytesReader reads from an in-memory byte slice.
type BytesReader struct {
	data   []byte
	offset int64
}

// NewBytesReader creates a BytesReader from a byte slice. The slice is not
// copied and must not be modified while the reader is in use.
func NewBytesReader(data []byte) *BytesReader {
	return &BytesReader{data: data}
}

// Position returns the current read position.
func (r *BytesReader) Position() int64 {
	return r.offset
}

// SetPosition sets the read position.
func (r *BytesReader) SetPosition(pos int64) error {
	if pos < 0 || pos > int64(len(r.data)) {
		return ErrInvalidPosition
	}
	r.offset = pos
	return nil
}

// Len returns the size of the underlying slice.
func (r *BytesReader) Len() int64 {
	return int64(len(r.data))
}

// BytesRemaining returns the number of bytes remaining.
func (r *BytesReader) BytesRemaining() int64 {
	return int64(len(r.data)) - r.offset
}

// Skip advances the read position by n bytes.
func (r *BytesReader) Skip(n int64) error {
	if err := checkRead(r, n); err != nil {
		return err
	}
	r.offset += n
	return nil
}

// take returns the next n bytes of the slice and moves past them.
func (r *BytesReader) take(n int64) ([]byte, error) {
	if err := checkRead(r, n); err != nil {
		return nil, err
	}
	p := r.data[r.offset : r.offset+n]
	r.offset += n
	return p, nil
}

// ReadU8 reads one byte.
func (r *BytesReader) ReadU8() (uint8, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadU16 reads a little-endian uint16.
func (r *BytesReader) ReadU16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

// ReadU32 reads a little-endian uint32.
func (r *BytesReader) ReadU32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// ReadU64 reads a little-endian uint64.
func (r *BytesReader) ReadU64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// ReadI8 reads a signed 8-bit integer.
func (r *BytesReader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadI16 reads a signed 16-bit integer.
func (r *BytesReader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadI32 reads a signed 32-bit integer.
func (r *BytesReader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a signed 64-bit integer.
func (r *BytesReader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadBytes returns a copy of the next n bytes.
func (r *BytesReader) ReadBytes(n int) ([]byte, error) {
	p, err := r.take(int64(n))
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 0, n), p...), nil
}

// ReadCString reads a null-terminated string.
func (r *BytesReader) ReadCString() (string, error) {
	rest := r.data[r.offset:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", ErrUnterminatedString
	}
	s := string(rest[:end])
	r.offset += int64(end) + 1
	return s, nil
}

// Duplicate returns a new reader over the same slice at the same position.
func (r *BytesReader) Duplicate() Reader {
	return &BytesReader{data: r.data, offset: r.offset}
}
