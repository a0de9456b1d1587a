// Package stream provides the cursor types used to decode PDB data.
//
// Every cursor implements [Reader]: a positioned, little-endian view over a
// sequence of bytes. Concrete cursors read from a memory-mapped file
// ([FileReader]), an in-memory slice ([BytesReader]), a block-scattered MSF
// stream (msf.BlockReader) or a bounded window of any of those ([SubReader]).
// Decoders are written against the interface and never learn which one they
// were handed.
package stream

import (
	"errors"
	"fmt"
	"math"
)

// Errors returned by readers
var (
	ErrUnexpectedEOF      = errors.New("stream: unexpected end of data")
	ErrUnterminatedString = errors.New("stream: string is not null-terminated")
	ErrInvalidPosition    = errors.New("stream: position out of range")
	ErrNegativeLength     = errors.New("stream: negative length")
	ErrLengthOverflow     = errors.New("stream: length exceeds signed 32-bit range")
	ErrClosed             = errors.New("stream: source is closed")
)

// Reader is the contract shared by every cursor.
//
// All multi-byte values are little-endian. A successful read advances the
// position by exactly the width of the value; a failed read leaves the
// position where it was. Position is always within [0, Len()].
type Reader interface {
	// Position returns the current offset, relative to the start of the reader.
	Position() int64

	// SetPosition moves the cursor. It fails with ErrInvalidPosition when pos
	// is outside [0, Len()].
	SetPosition(pos int64) error

	// Len returns the total number of bytes addressable through the reader.
	Len() int64

	// BytesRemaining returns Len() - Position().
	BytesRemaining() int64

	ReadU8() (uint8, error)
	ReadI8() (int8, error)
	ReadU16() (uint16, error)
	ReadI16() (int16, error)
	ReadU32() (uint32, error)
	ReadI32() (int32, error)
	ReadU64() (uint64, error)
	ReadI64() (int64, error)

	// ReadCString reads up to and including a 0x00 terminator and returns
	// the bytes before it.
	ReadCString() (string, error)

	// ReadBytes reads n bytes into a new slice.
	ReadBytes(n int) ([]byte, error)

	// Skip advances the position by n bytes without reading them.
	Skip(n int64) error

	// Duplicate returns an independent cursor at the same position that
	// shares the underlying bytes.
	Duplicate() Reader
}

// CheckedLength converts a declared size field into an int, rejecting values
// that do not fit a signed 32-bit count.
func CheckedLength(n uint64) (int, error) {
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrLengthOverflow, n)
	}
	return int(n), nil
}

// Align advances r to the next multiple of alignment.
func Align(r Reader, alignment int64) error {
	if alignment <= 1 {
		return nil
	}
	if mod := r.Position() % alignment; mod != 0 {
		return r.Skip(alignment - mod)
	}
	return nil
}

func checkRead(r Reader, n int64) error {
	if n < 0 {
		return ErrNegativeLength
	}
	if r.BytesRemaining() < n {
		return ErrUnexpectedEOF
	}
	return nil
}
