package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/skdltmxn/pdbstream/stream"
)

// Block map errors
var (
	ErrInvalidBlockSize = errors.New("msf: invalid block size")
	ErrBlockMapTooShort = errors.New("msf: block map too short for stream length")
)

// BlockReader exposes one logical MSF stream whose bytes live in fixed-size,
// possibly scattered blocks of the underlying reader.
//
// Block i of the stream starts at physical offset blocks[i]*blockSize. The
// reader keeps the physical cursor in step with the logical position and
// tracks how many bytes can still be read before the next physical seam.
// Runs of physically adjacent blocks are read as one span.
type BlockReader struct {
	r         stream.Reader
	blocks    []uint32
	blockSize int64
	length    int64

	pos            int64
	blockIndex     int   // last block of the span the cursor is in
	blockRemaining int64 // bytes left before the span ends
}

// NewBlockReader creates a BlockReader over r positioned at logical offset 0.
// Every block holding stream bytes must lie inside r.
func NewBlockReader(r stream.Reader, blocks []uint32, blockSize, length uint32) (*BlockReader, error) {
	if blockSize == 0 {
		return nil, ErrInvalidBlockSize
	}
	if uint64(length) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: stream length %d", stream.ErrLengthOverflow, length)
	}
	if uint64(length) > uint64(len(blocks))*uint64(blockSize) {
		return nil, fmt.Errorf("%w: %d bytes in %d blocks of %d", ErrBlockMapTooShort, length, len(blocks), blockSize)
	}

	b := &BlockReader{
		r:         r,
		blocks:    blocks,
		blockSize: int64(blockSize),
		length:    int64(length),
	}
	for i := 0; int64(i)*b.blockSize < b.length; i++ {
		if end := b.physical(i) + b.blockLen(i); end > r.Len() {
			return nil, fmt.Errorf("%w: block %d ends at %d, past the %d bytes available", ErrInvalidBlockIndex, blocks[i], end, r.Len())
		}
	}
	if err := b.SetPosition(0); err != nil {
		return nil, err
	}
	return b, nil
}

// Blocks returns the block map of the stream.
func (b *BlockReader) Blocks() []uint32 {
	return b.blocks
}

// BlockSize returns the size of one block in bytes.
func (b *BlockReader) BlockSize() uint32 {
	return uint32(b.blockSize)
}

// Position returns the logical offset within the stream.
func (b *BlockReader) Position() int64 {
	return b.pos
}

// Len returns the logical stream length.
func (b *BlockReader) Len() int64 {
	return b.length
}

// BytesRemaining returns the bytes left in the stream.
func (b *BlockReader) BytesRemaining() int64 {
	return b.length - b.pos
}

// blockLen returns how many bytes of the stream live in block i.
func (b *BlockReader) blockLen(i int) int64 {
	if rest := b.length - int64(i)*b.blockSize; rest < b.blockSize {
		return rest
	}
	return b.blockSize
}

func (b *BlockReader) contiguous(i int) bool {
	return i+1 < len(b.blocks) && b.blocks[i]+1 == b.blocks[i+1]
}

func (b *BlockReader) physical(i int) int64 {
	return int64(b.blocks[i]) * b.blockSize
}

// cursor is a saved reader state, logical and physical.
type cursor struct {
	pos            int64
	blockIndex     int
	blockRemaining int64
	phys           int64
}

func (b *BlockReader) save() cursor {
	return cursor{pos: b.pos, blockIndex: b.blockIndex, blockRemaining: b.blockRemaining, phys: b.r.Position()}
}

// restore puts the reader back where save found it. The physical position
// was valid when saved, and the error that caused the rewind is the one
// worth reporting, so a failure here is dropped.
func (b *BlockReader) restore(c cursor) {
	b.pos, b.blockIndex, b.blockRemaining = c.pos, c.blockIndex, c.blockRemaining
	_ = b.r.SetPosition(c.phys)
}

// direct reads n bytes straight from the physical cursor with read. On
// failure nothing moves and the zero value is returned.
func direct[T any](b *BlockReader, n int64, read func() (T, error)) (T, error) {
	c := b.save()
	v, err := read()
	if err == nil {
		err = b.consumed(n)
	}
	if err != nil {
		b.restore(c)
		var zero T
		return zero, err
	}
	return v, nil
}

// SetPosition translates a logical offset into a block and repositions the
// physical cursor there.
func (b *BlockReader) SetPosition(pos int64) error {
	if pos < 0 || pos > b.length {
		return stream.ErrInvalidPosition
	}
	if pos == b.length {
		// Nothing left to read, so the physical cursor does not matter.
		b.pos = pos
		b.blockIndex = max(len(b.blocks)-1, 0)
		b.blockRemaining = 0
		return nil
	}

	index := int(pos / b.blockSize)
	offset := pos % b.blockSize
	if err := b.r.SetPosition(b.physical(index) + offset); err != nil {
		return fmt.Errorf("msf: block %d of stream is outside the file: %w", b.blocks[index], err)
	}
	b.pos = pos
	b.blockIndex = index
	b.blockRemaining = b.blockLen(index) - offset
	return nil
}

// extend grows the current span over physically adjacent blocks until at
// least n bytes can be read without a seek.
func (b *BlockReader) extend(n int64) {
	for b.blockRemaining < n && b.contiguous(b.blockIndex) {
		b.blockIndex++
		b.blockRemaining += b.blockLen(b.blockIndex)
	}
}

// consumed records n bytes read from the physical cursor and crosses into
// the next block once the current span is used up.
func (b *BlockReader) consumed(n int64) error {
	b.pos += n
	b.blockRemaining -= n
	if b.blockRemaining > 0 || b.pos >= b.length {
		return nil
	}

	prev := b.blockIndex
	b.blockIndex++
	b.blockRemaining = b.blockLen(b.blockIndex)
	if b.blocks[prev]+1 == b.blocks[b.blockIndex] {
		// Physically adjacent: the cursor already sits on the right byte.
		return nil
	}
	if err := b.r.SetPosition(b.physical(b.blockIndex)); err != nil {
		return fmt.Errorf("msf: block %d of stream is outside the file: %w", b.blocks[b.blockIndex], err)
	}
	return nil
}

// span reports whether n bytes can be read straight from the physical cursor.
func (b *BlockReader) span(n int64) (bool, error) {
	if b.length-b.pos < n {
		return false, stream.ErrUnexpectedEOF
	}
	if n > b.blockRemaining {
		b.extend(n)
	}
	return n <= b.blockRemaining, nil
}

// gather reads n bytes one at a time, crossing seams through ReadU8.
func (b *BlockReader) gather(buf []byte) error {
	c := b.save()
	for i := range buf {
		v, err := b.ReadU8()
		if err != nil {
			b.restore(c)
			return err
		}
		buf[i] = v
	}
	return nil
}

// ReadU8 reads one byte.
func (b *BlockReader) ReadU8() (uint8, error) {
	fast, err := b.span(1)
	if err != nil {
		return 0, err
	}
	if !fast {
		return 0, stream.ErrUnexpectedEOF
	}
	return direct(b, 1, b.r.ReadU8)
}

// ReadU16 reads a little-endian uint16, gathering it across a seam if needed.
func (b *BlockReader) ReadU16() (uint16, error) {
	fast, err := b.span(2)
	if err != nil {
		return 0, err
	}
	if fast {
		return direct(b, 2, b.r.ReadU16)
	}
	var buf [2]byte
	if err := b.gather(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a little-endian uint32, gathering it across a seam if needed.
func (b *BlockReader) ReadU32() (uint32, error) {
	fast, err := b.span(4)
	if err != nil {
		return 0, err
	}
	if fast {
		return direct(b, 4, b.r.ReadU32)
	}
	var buf [4]byte
	if err := b.gather(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian uint64, gathering it across a seam if needed.
func (b *BlockReader) ReadU64() (uint64, error) {
	fast, err := b.span(8)
	if err != nil {
		return 0, err
	}
	if fast {
		return direct(b, 8, b.r.ReadU64)
	}
	var buf [8]byte
	if err := b.gather(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadI8 reads a signed byte.
func (b *BlockReader) ReadI8() (int8, error) {
	v, err := b.ReadU8()
	return int8(v), err
}

// ReadI16 reads a little-endian int16.
func (b *BlockReader) ReadI16() (int16, error) {
	v, err := b.ReadU16()
	return int16(v), err
}

// ReadI32 reads a little-endian int32.
func (b *BlockReader) ReadI32() (int32, error) {
	v, err := b.ReadU32()
	return int32(v), err
}

// ReadI64 reads a little-endian int64.
func (b *BlockReader) ReadI64() (int64, error) {
	v, err := b.ReadU64()
	return int64(v), err
}

// ReadBytes copies n bytes, one physical span at a time.
func (b *BlockReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, stream.ErrNegativeLength
	}
	if b.BytesRemaining() < int64(n) {
		return nil, stream.ErrUnexpectedEOF
	}

	c := b.save()
	out := make([]byte, 0, n)
	for len(out) < n {
		b.extend(int64(n - len(out)))
		chunk := min(int64(n-len(out)), b.blockRemaining)
		part, err := b.r.ReadBytes(int(chunk))
		if err == nil {
			err = b.consumed(chunk)
		}
		if err != nil {
			b.restore(c)
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// ReadCString reads a null-terminated string.
//
// The string is first read straight from the physical cursor. If it ran past
// the end of the current span of adjacent blocks, the bytes it saw belong to
// some other block, so the cursor is rewound and the string is read again one
// byte at a time across the seams.
func (b *BlockReader) ReadCString() (string, error) {
	if b.pos >= b.length {
		return "", stream.ErrUnterminatedString
	}

	c := b.save()
	s, err := b.r.ReadCString()
	if err == nil {
		n := int64(len(s)) + 1
		if b.pos+n <= b.length {
			b.extend(n)
			if n <= b.blockRemaining {
				if err := b.consumed(n); err != nil {
					b.restore(c)
					return "", err
				}
				return s, nil
			}
		}
	}
	b.restore(c)

	var buf []byte
	for {
		ch, err := b.ReadU8()
		if err != nil {
			b.restore(c)
			if err == stream.ErrUnexpectedEOF {
				return "", stream.ErrUnterminatedString
			}
			return "", err
		}
		if ch == 0 {
			return string(buf), nil
		}
		buf = append(buf, ch)
	}
}

// Skip advances n bytes, crossing block boundaries one span at a time.
func (b *BlockReader) Skip(n int64) error {
	if n < 0 {
		return stream.ErrNegativeLength
	}
	if b.BytesRemaining() < n {
		return stream.ErrUnexpectedEOF
	}

	c := b.save()
	for n > 0 {
		step := min(n, b.blockRemaining)
		err := b.r.Skip(step)
		if err == nil {
			err = b.consumed(step)
		}
		if err != nil {
			b.restore(c)
			return err
		}
		n -= step
	}
	return nil
}

// Duplicate returns an independent reader over the same block map.
func (b *BlockReader) Duplicate() stream.Reader {
	d := *b
	d.r = b.r.Duplicate()
	return &d
}
