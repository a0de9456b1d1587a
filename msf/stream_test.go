package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/skdltmxn/pdbstream/internal/msftest"
	"github.com/skdltmxn/pdbstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 8

var layouts = map[string][]uint32{
	"scattered":  {5, 2, 9, 0, 11, 7, 3, 13, 1, 8, 4, 6},
	"contiguous": {4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	"mixed":      {3, 4, 5, 10, 11, 0, 7, 8, 9, 1, 12, 13},
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*37 + 11)
	}
	return data
}

func newBlockReader(t *testing.T, data []byte, blockSize int, order []uint32) *BlockReader {
	t.Helper()
	phys := msftest.Scatter(data, blockSize, order)
	br, err := NewBlockReader(stream.NewBytesReader(phys), order, uint32(blockSize), uint32(len(data)))
	require.NoError(t, err)
	return br
}

func readWidth(r stream.Reader, width int) (uint64, error) {
	switch width {
	case 1:
		v, err := r.ReadU8()
		return uint64(v), err
	case 2:
		v, err := r.ReadU16()
		return uint64(v), err
	case 4:
		v, err := r.ReadU32()
		return uint64(v), err
	default:
		return r.ReadU64()
	}
}

func TestBlockReaderSeamEquivalence(t *testing.T) {
	data := pattern(92) // last block only partially used
	control := stream.NewBytesReader(data)

	for name, order := range layouts {
		t.Run(name, func(t *testing.T) {
			br := newBlockReader(t, data, testBlockSize, order)
			for _, width := range []int{1, 2, 4, 8} {
				for p := 0; p+width <= len(data); p++ {
					require.NoError(t, br.SetPosition(int64(p)))
					require.NoError(t, control.SetPosition(int64(p)))

					got, err := readWidth(br, width)
					require.NoError(t, err, "width %d at %d", width, p)
					want, err := readWidth(control, width)
					require.NoError(t, err)

					require.Equal(t, want, got, "width %d at %d", width, p)
					require.Equal(t, int64(p+width), br.Position())
				}
			}
		})
	}
}

func TestBlockReaderSequentialReads(t *testing.T) {
	data := pattern(96)

	for name, order := range layouts {
		t.Run(name, func(t *testing.T) {
			br := newBlockReader(t, data, testBlockSize, order)
			control := stream.NewBytesReader(data)

			// Odd start so that most reads straddle a seam.
			require.NoError(t, br.Skip(3))
			require.NoError(t, control.Skip(3))
			for br.BytesRemaining() >= 8 {
				want, err := control.ReadU64()
				require.NoError(t, err)
				got, err := br.ReadU64()
				require.NoError(t, err)
				require.Equal(t, want, got, "at %d", control.Position())
			}
			for br.BytesRemaining() > 0 {
				want, _ := control.ReadU8()
				got, err := br.ReadU8()
				require.NoError(t, err)
				require.Equal(t, want, got)
			}

			_, err := br.ReadU8()
			assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)
		})
	}
}

func TestBlockReaderSignedReads(t *testing.T) {
	var data []byte
	data = append(data, 0xff)
	data = binary.LittleEndian.AppendUint16(data, 0xfffe)
	data = binary.LittleEndian.AppendUint32(data, 0xfffffffd)
	data = binary.LittleEndian.AppendUint64(data, 0xfffffffffffffffc)

	br := newBlockReader(t, data, 4, []uint32{3, 1, 6, 0})

	i8, err := br.ReadI8()
	require.NoError(t, err)
	assert.Equal(t, int8(-1), i8)
	i16, err := br.ReadI16()
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)
	i32, err := br.ReadI32()
	require.NoError(t, err)
	assert.Equal(t, int32(-3), i32)
	i64, err := br.ReadI64()
	require.NoError(t, err)
	assert.Equal(t, int64(-4), i64)
	assert.Equal(t, int64(0), br.BytesRemaining())
}

func TestBlockReaderFailedReadKeepsPosition(t *testing.T) {
	data := pattern(20)
	br := newBlockReader(t, data, 4, []uint32{4, 2, 0, 3, 1})

	require.NoError(t, br.SetPosition(18))
	_, err := br.ReadU32()
	assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)
	assert.Equal(t, int64(18), br.Position())

	v, err := br.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint16(data[18:]), v)
}

func TestBlockReaderPositionRoundTrip(t *testing.T) {
	br := newBlockReader(t, pattern(92), testBlockSize, layouts["mixed"])
	for x := int64(0); x <= br.Len(); x++ {
		require.NoError(t, br.SetPosition(x))
		assert.Equal(t, x, br.Position())
	}
	assert.ErrorIs(t, br.SetPosition(-1), stream.ErrInvalidPosition)
	assert.ErrorIs(t, br.SetPosition(93), stream.ErrInvalidPosition)
}

func TestBlockReaderSkip(t *testing.T) {
	data := pattern(92)

	for name, order := range layouts {
		t.Run(name, func(t *testing.T) {
			br := newBlockReader(t, data, testBlockSize, order)
			for p := 0; p < len(data); p++ {
				for n := 0; p+n < len(data); n++ {
					require.NoError(t, br.SetPosition(int64(p)))
					require.NoError(t, br.Skip(int64(n)))
					require.Equal(t, int64(p+n), br.Position())

					got, err := br.ReadU8()
					require.NoError(t, err)
					require.Equal(t, data[p+n], got, "skip %d from %d", n, p)
				}
			}

			require.NoError(t, br.SetPosition(10))
			assert.ErrorIs(t, br.Skip(83), stream.ErrUnexpectedEOF)
			assert.ErrorIs(t, br.Skip(-1), stream.ErrNegativeLength)
			require.NoError(t, br.Skip(82))
			assert.Equal(t, int64(0), br.BytesRemaining())
		})
	}
}

func TestBlockReaderReadBytes(t *testing.T) {
	data := pattern(92)

	for name, order := range layouts {
		t.Run(name, func(t *testing.T) {
			br := newBlockReader(t, data, testBlockSize, order)
			require.NoError(t, br.SetPosition(5))

			got, err := br.ReadBytes(40)
			require.NoError(t, err)
			assert.Equal(t, data[5:45], got)
			assert.Equal(t, int64(45), br.Position())

			_, err = br.ReadBytes(48)
			assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)
			assert.Equal(t, int64(45), br.Position())

			got, err = br.ReadBytes(47)
			require.NoError(t, err)
			assert.Equal(t, data[45:], got)
		})
	}
}

// stringStream places s (plus terminator) at offset start, followed by "tail".
func stringStream(start int, s string) []byte {
	data := pattern(start)
	for i := range data {
		data[i] |= 0x01 // keep the padding free of terminators
	}
	data = append(data, s...)
	data = append(data, 0)
	return append(data, "tail\x00"...)
}

func seams(start, n, blockSize int) int {
	count := 0
	for off := start + 1; off < start+n; off++ {
		if off%blockSize == 0 {
			count++
		}
	}
	return count
}

func TestBlockReaderStringAcrossSeams(t *testing.T) {
	const blockSize = 4
	strs := []string{"", "x", "abcd", "main", "crossing", "seam-crossing-string"}
	crossed := map[int]bool{}

	for _, s := range strs {
		for start := 0; start < 8; start++ {
			data := stringStream(start, s)
			blocks := (len(data) + blockSize - 1) / blockSize

			orders := map[string][]uint32{
				"reversed":   make([]uint32, blocks),
				"contiguous": make([]uint32, blocks),
				"pairs":      make([]uint32, blocks),
			}
			for i := range blocks {
				orders["reversed"][i] = uint32(2*(blocks-i) - 1)
				orders["contiguous"][i] = uint32(i + 2)
				// runs of two adjacent blocks, runs placed out of order
				orders["pairs"][i] = uint32(4*(blocks/2-i/2+1) + i%2)
			}

			for name, order := range orders {
				t.Run(fmt.Sprintf("%s/%q@%d", name, s, start), func(t *testing.T) {
					br := newBlockReader(t, data, blockSize, order)
					require.NoError(t, br.SetPosition(int64(start)))

					got, err := br.ReadCString()
					require.NoError(t, err)
					assert.Equal(t, s, got)
					assert.Equal(t, int64(start+len(s)+1), br.Position())

					tail, err := br.ReadCString()
					require.NoError(t, err)
					assert.Equal(t, "tail", tail)
					assert.Equal(t, int64(0), br.BytesRemaining())
				})
			}
			crossed[min(seams(start, len(s)+1, blockSize), 3)] = true
		}
	}

	assert.True(t, crossed[1] && crossed[2] && crossed[3], "fixtures must cross 1, 2 and 3+ seams")
}

func TestBlockReaderUnterminatedString(t *testing.T) {
	data := []byte("no terminator here")
	br := newBlockReader(t, data, 4, []uint32{9, 7, 5, 3, 1})

	require.NoError(t, br.SetPosition(2))
	_, err := br.ReadCString()
	assert.ErrorIs(t, err, stream.ErrUnterminatedString)
	assert.Equal(t, int64(2), br.Position())

	require.NoError(t, br.SetPosition(br.Len()))
	_, err = br.ReadCString()
	assert.ErrorIs(t, err, stream.ErrUnterminatedString)
}

// A terminator physically right after the last logical byte must not be
// mistaken for the end of a string that is not terminated inside the stream.
func TestBlockReaderStringStopsAtStreamEnd(t *testing.T) {
	data := []byte("abc")
	phys := []byte("abc\x00")
	br, err := NewBlockReader(stream.NewBytesReader(phys), []uint32{0}, 4, 3)
	require.NoError(t, err)

	_, err = br.ReadCString()
	assert.ErrorIs(t, err, stream.ErrUnterminatedString)
	assert.Equal(t, int64(0), br.Position())

	got, err := br.ReadBytes(len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlockReaderDuplicate(t *testing.T) {
	data := pattern(92)
	br := newBlockReader(t, data, testBlockSize, layouts["scattered"])
	require.NoError(t, br.SetPosition(6))

	d := br.Duplicate()
	v, err := d.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint32(data[6:]), v)
	assert.Equal(t, int64(6), br.Position())

	v, err = br.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint32(data[6:]), v)

	u, err := d.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint64(data[10:]), u)
	assert.Equal(t, int64(10), br.Position())
}

func TestBlockReaderOverMappedFile(t *testing.T) {
	data := pattern(92)
	order := layouts["mixed"]
	path := filepath.Join(t.TempDir(), "blocks.bin")
	require.NoError(t, os.WriteFile(path, msftest.Scatter(data, testBlockSize, order), 0o644))

	src, err := stream.Open(path)
	require.NoError(t, err)
	defer src.Close()

	br, err := NewBlockReader(stream.NewFileReader(src), order, testBlockSize, uint32(len(data)))
	require.NoError(t, err)

	got, err := br.ReadBytes(len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, br.SetPosition(13))
	v, err := br.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint64(data[13:]), v)
}

func TestSubReaderOverBlockReader(t *testing.T) {
	// record: u16 len, u16 kind, u32 value, name, then a second record
	var rec []byte
	rec = binary.LittleEndian.AppendUint16(rec, 0)
	rec = binary.LittleEndian.AppendUint16(rec, 0x110e)
	rec = binary.LittleEndian.AppendUint32(rec, 0xdeadbeef)
	rec = append(rec, "a_symbol_name_that_spans_blocks\x00"...)
	binary.LittleEndian.PutUint16(rec, uint16(len(rec)-2))
	data := append(append([]byte{}, rec...), rec...)

	blocks := (len(data) + 3) / 4
	order := make([]uint32, blocks)
	for i := range order {
		order[i] = uint32(3*(blocks-i) + i%2)
	}
	br := newBlockReader(t, data, 4, order)

	for i := 0; i < 2; i++ {
		length, err := br.ReadU16()
		require.NoError(t, err)

		sub, err := stream.NewSubReader(br, int64(length))
		require.NoError(t, err)
		assert.Equal(t, int64((i+1)*len(rec)), br.Position())

		kind, err := sub.ReadU16()
		require.NoError(t, err)
		assert.Equal(t, uint16(0x110e), kind)
		v, err := sub.ReadU32()
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), v)

		name, err := sub.ReadCString()
		require.NoError(t, err)
		assert.Equal(t, "a_symbol_name_that_spans_blocks", name)
		assert.Equal(t, int64(0), sub.BytesRemaining())
	}
}

func TestSubReaderOverBlockReaderStringRewind(t *testing.T) {
	// The window ends before the string's terminator, which lives in a
	// block that is physically adjacent; the read must fail and rewind.
	data := []byte("abcdefgh\x00")
	br := newBlockReader(t, data, 4, []uint32{0, 1, 2})

	sub, err := stream.NewSubReader(br, 6)
	require.NoError(t, err)

	_, err = sub.ReadCString()
	assert.ErrorIs(t, err, stream.ErrUnterminatedString)
	assert.Equal(t, int64(0), sub.Position())

	got, err := sub.ReadBytes(6)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
}

func TestBlockReaderOverSubReader(t *testing.T) {
	data := stringStream(3, "nested-reader-string")
	blocks := (len(data) + 3) / 4
	order := make([]uint32, blocks)
	for i := range order {
		order[i] = uint32(blocks - 1 - i)
	}
	phys := append([]byte("HEADER"), msftest.Scatter(data, 4, order)...)

	parent := stream.NewBytesReader(phys)
	require.NoError(t, parent.Skip(6))
	window, err := stream.NewSubReaderRest(parent)
	require.NoError(t, err)

	br, err := NewBlockReader(window, order, 4, uint32(len(data)))
	require.NoError(t, err)
	require.NoError(t, br.Skip(3))

	s, err := br.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "nested-reader-string", s)

	s, err = br.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "tail", s)
}

func TestNewBlockReaderValidation(t *testing.T) {
	phys := make([]byte, 64)

	_, err := NewBlockReader(stream.NewBytesReader(phys), []uint32{0}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidBlockSize)

	_, err = NewBlockReader(stream.NewBytesReader(phys), []uint32{0, 1}, 8, 17)
	assert.ErrorIs(t, err, ErrBlockMapTooShort)

	_, err = NewBlockReader(stream.NewBytesReader(phys), []uint32{100}, 8, 8)
	assert.ErrorIs(t, err, ErrInvalidBlockIndex)

	// The second block starts inside the data but ends past it.
	_, err = NewBlockReader(stream.NewBytesReader(phys[:16]), []uint32{0, 9}, 8, 16)
	assert.ErrorIs(t, err, ErrInvalidBlockIndex)
	_, err = NewBlockReader(stream.NewBytesReader(phys[:16]), []uint32{0, 1}, 8, 16)
	assert.NoError(t, err)

	// Only the bytes the stream uses must be present.
	_, err = NewBlockReader(stream.NewBytesReader(phys[:20]), []uint32{0, 2}, 8, 12)
	assert.NoError(t, err)

	empty, err := NewBlockReader(stream.NewBytesReader(phys), nil, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Len())
	_, err = empty.ReadU8()
	assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)
}

var errSeek = errors.New("seek failed")

// seekFailer fails the next failures calls to SetPosition.
type seekFailer struct {
	stream.Reader
	failures int
}

func (s *seekFailer) SetPosition(pos int64) error {
	if s.failures > 0 {
		s.failures--
		return errSeek
	}
	return s.Reader.SetPosition(pos)
}

func TestBlockReaderFailedSeamCrossing(t *testing.T) {
	data := pattern(24)
	order := []uint32{2, 0, 1}
	phys := msftest.Scatter(data, testBlockSize, order)

	ops := map[string]func(t *testing.T, r *BlockReader) error{
		"u32": func(t *testing.T, r *BlockReader) error {
			v, err := r.ReadU32()
			assert.Zero(t, v)
			return err
		},
		"u64": func(t *testing.T, r *BlockReader) error {
			v, err := r.ReadU64()
			assert.Zero(t, v)
			return err
		},
		"bytes": func(t *testing.T, r *BlockReader) error {
			v, err := r.ReadBytes(8)
			assert.Nil(t, v)
			return err
		},
		"skip": func(t *testing.T, r *BlockReader) error {
			return r.Skip(6)
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			src := &seekFailer{Reader: stream.NewBytesReader(phys)}
			br, err := NewBlockReader(src, order, testBlockSize, uint32(len(data)))
			require.NoError(t, err)
			require.NoError(t, br.Skip(4))

			// Block 2 is followed by block 0, so crossing the seam seeks.
			src.failures = 1
			assert.ErrorIs(t, op(t, br), errSeek)
			assert.Equal(t, int64(4), br.Position())
			assert.Equal(t, int64(20), br.BytesRemaining())

			v, err := br.ReadU64()
			require.NoError(t, err)
			assert.Equal(t, binary.LittleEndian.Uint64(data[4:]), v)
			v, err = br.ReadU64()
			require.NoError(t, err)
			assert.Equal(t, binary.LittleEndian.Uint64(data[12:]), v)
		})
	}
}
