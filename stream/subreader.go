package stream

// SubReader is a fixed-length window over another reader.
//
// Local position 0 is the parent's position when the window was carved out.
// All I/O goes through a duplicate of the parent, so decoding inside the
// window never moves the parent, and no read can cross the window's end.
type SubReader struct {
	r      Reader
	start  int64
	length int64
}

// NewSubReader carves a window of length bytes out of parent starting at its
// current position, and advances parent past the window.
func NewSubReader(parent Reader, length int64) (*SubReader, error) {
	if length < 0 {
		return nil, ErrNegativeLength
	}
	if parent.BytesRemaining() < length {
		return nil, ErrUnexpectedEOF
	}

	start := parent.Position()
	d := parent.Duplicate()
	if err := parent.Skip(length); err != nil {
		return nil, err
	}
	return &SubReader{r: d, start: start, length: length}, nil
}

// NewSubReaderRest carves a window covering everything the parent has left.
func NewSubReaderRest(parent Reader) (*SubReader, error) {
	return NewSubReader(parent, parent.BytesRemaining())
}

// Position returns the offset relative to the start of the window.
func (s *SubReader) Position() int64 {
	return s.r.Position() - s.start
}

// SetPosition moves to an offset inside the window.
func (s *SubReader) SetPosition(pos int64) error {
	if pos < 0 || pos > s.length {
		return ErrInvalidPosition
	}
	return s.r.SetPosition(s.start + pos)
}

// Len returns the window length.
func (s *SubReader) Len() int64 {
	return s.length
}

// BytesRemaining returns the bytes left before the window ends.
func (s *SubReader) BytesRemaining() int64 {
	return s.length - s.Position()
}

// Skip advances n bytes without leaving the window.
func (s *SubReader) Skip(n int64) error {
	if err := checkRead(s, n); err != nil {
		return err
	}
	return s.r.Skip(n)
}

// ReadU8 reads one byte.
func (s *SubReader) ReadU8() (uint8, error) {
	if err := checkRead(s, 1); err != nil {
		return 0, err
	}
	return s.r.ReadU8()
}

// ReadI8 reads a signed byte.
func (s *SubReader) ReadI8() (int8, error) {
	if err := checkRead(s, 1); err != nil {
		return 0, err
	}
	return s.r.ReadI8()
}

// ReadU16 reads a little-endian uint16.
func (s *SubReader) ReadU16() (uint16, error) {
	if err := checkRead(s, 2); err != nil {
		return 0, err
	}
	return s.r.ReadU16()
}

// ReadI16 reads a little-endian int16.
func (s *SubReader) ReadI16() (int16, error) {
	if err := checkRead(s, 2); err != nil {
		return 0, err
	}
	return s.r.ReadI16()
}

// ReadU32 reads a little-endian uint32.
func (s *SubReader) ReadU32() (uint32, error) {
	if err := checkRead(s, 4); err != nil {
		return 0, err
	}
	return s.r.ReadU32()
}

// ReadI32 reads a little-endian int32.
func (s *SubReader) ReadI32() (int32, error) {
	if err := checkRead(s, 4); err != nil {
		return 0, err
	}
	return s.r.ReadI32()
}

// ReadU64 reads a little-endian uint64.
func (s *SubReader) ReadU64() (uint64, error) {
	if err := checkRead(s, 8); err != nil {
		return 0, err
	}
	return s.r.ReadU64()
}

// ReadI64 reads a little-endian int64.
func (s *SubReader) ReadI64() (int64, error) {
	if err := checkRead(s, 8); err != nil {
		return 0, err
	}
	return s.r.ReadI64()
}

// ReadBytes returns a copy of the next n bytes.
func (s *SubReader) ReadBytes(n int) ([]byte, error) {
	if err := checkRead(s, int64(n)); err != nil {
		return nil, err
	}
	return s.r.ReadBytes(n)
}

// ReadCString reads a null-terminated string that must end inside the window.
func (s *SubReader) ReadCString() (string, error) {
	pos := s.r.Position()
	remaining := s.BytesRemaining()

	str, err := s.r.ReadCString()
	if err == nil && int64(len(str))+1 <= remaining {
		return str, nil
	}
	// The terminator is past the window (or missing); undo the delegate read.
	if serr := s.r.SetPosition(pos); serr != nil {
		return "", serr
	}
	if err != nil && err != ErrUnterminatedString && err != ErrUnexpectedEOF {
		return "", err
	}
	return "", ErrUnterminatedString
}

// Duplicate returns an independent reader over the same window.
func (s *SubReader) Duplicate() Reader {
	return &SubReader{r: s.r.Duplicate(), start: s.start, length: s.length}
}
