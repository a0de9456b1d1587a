package stream

import "encoding/binary"

// FileReader is a sequential cursor over a mapped Source. Positions are
// absolute file offsets.
type FileReader struct {
	src *Source
	pos int64
	buf [8]byte
}

// NewFileReader creates a FileReader positioned at the start of src.
func NewFileReader(src *Source) *FileReader {
	return &FileReader{src: src}
}

// Source returns the mapping the reader draws from.
func (r *FileReader) Source() *Source {
	return r.src
}

// Position returns the absolute file offset of the cursor.
func (r *FileReader) Position() int64 {
	return r.pos
}

// SetPosition moves the cursor to an absolute file offset.
func (r *FileReader) SetPosition(pos int64) error {
	if pos < 0 || pos > r.src.Len() {
		return ErrInvalidPosition
	}
	r.pos = pos
	return nil
}

// Len returns the size of the mapped file.
func (r *FileReader) Len() int64 {
	return r.src.Len()
}

// BytesRemaining returns the bytes between the cursor and the end of the file.
func (r *FileReader) BytesRemaining() int64 {
	return r.src.Len() - r.pos
}

// Skip advances the cursor by n bytes.
func (r *FileReader) Skip(n int64) error {
	if err := checkRead(r, n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

func (r *FileReader) fill(n int) ([]byte, error) {
	b := r.buf[:n]
	if _, err := r.src.ReadAt(b, r.pos); err != nil {
		return nil, err
	}
	r.pos += int64(n)
	return b, nil
}

// ReadU8 reads one byte.
func (r *FileReader) ReadU8() (uint8, error) {
	v, err := r.src.ByteAt(r.pos)
	if err != nil {
		return 0, err
	}
	r.pos++
	return v, nil
}

// ReadU16 reads a little-endian uint16.
func (r *FileReader) ReadU16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads a little-endian uint32.
func (r *FileReader) ReadU32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian uint64.
func (r *FileReader) ReadU64() (uint64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadI8 reads a signed byte.
func (r *FileReader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadI16 reads a little-endian int16.
func (r *FileReader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadI32 reads a little-endian int32.
func (r *FileReader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a little-endian int64.
func (r *FileReader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadBytes returns a copy of the next n bytes.
func (r *FileReader) ReadBytes(n int) ([]byte, error) {
	if err := checkRead(r, int64(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	if _, err := r.src.ReadAt(v, r.pos); err != nil {
		return nil, err
	}
	r.pos += int64(n)
	return v, nil
}

// ReadCString reads a null-terminated string.
func (r *FileReader) ReadCString() (string, error) {
	s, n, err := r.src.cstring(r.pos)
	if err != nil {
		return "", err
	}
	r.pos += n
	return s, nil
}

// Duplicate returns a new cursor over the same mapping.
func (r *FileReader) Duplicate() Reader {
	return &FileReader{src: r.src, pos: r.pos}
}
