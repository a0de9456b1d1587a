package msf

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pdbstream/stream"
)

// NilStreamSize indicates a deleted or nil stream
const NilStreamSize = 0xFFFFFFFF

// Well-known stream indices
const (
	StreamOldDirectory = 0 // Old MSF directory (unused in PDB 7.0)
	StreamPDBInfo      = 1 // PDB Info stream (GUID, age, named streams)
	StreamTPI          = 2 // Type Program Information
	StreamDBI          = 3 // Debug Information
	StreamIPI          = 4 // ID Program Information
)

// Directory parsing errors
var (
	ErrTruncatedDirectory = errors.New("msf: truncated stream directory")
	ErrInvalidStreamIndex = errors.New("msf: invalid stream index")
	ErrInvalidBlockIndex  = errors.New("msf: invalid block index")
	ErrNilStream          = errors.New("msf: stream is nil")
)

// StreamDirectory describes all streams in the MSF file.
// It is a jagged array where each stream has its own list of block indices.
type StreamDirectory struct {
	// NumStreams is the count of streams
	NumStreams uint32

	// StreamSizes holds the size in bytes of each stream.
	// A value of NilStreamSize (0xFFFFFFFF) indicates a deleted stream.
	StreamSizes []uint32

	// StreamBlocks is a jagged array where StreamBlocks[i] contains
	// the block indices for stream i. For nil streams, this will be nil.
	StreamBlocks [][]uint32
}

// ParseDirectory reads the stream directory from r. numBlocks bounds every
// block index so that a corrupt directory cannot point outside the file.
func ParseDirectory(r stream.Reader, blockSize, numBlocks uint32) (*StreamDirectory, error) {
	numStreams, err := r.ReadU32()
	if err != nil {
		return nil, ErrTruncatedDirectory
	}
	if int64(numStreams)*4 > r.BytesRemaining() {
		return nil, ErrTruncatedDirectory
	}

	dir := &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  make([]uint32, numStreams),
		StreamBlocks: make([][]uint32, numStreams),
	}

	for i := range dir.StreamSizes {
		if dir.StreamSizes[i], err = r.ReadU32(); err != nil {
			return nil, ErrTruncatedDirectory
		}
	}

	// Block indices for each stream follow the size table in stream order
	for i, size := range dir.StreamSizes {
		if size == NilStreamSize || size == 0 {
			continue
		}

		count := (size + blockSize - 1) / blockSize
		if int64(count)*4 > r.BytesRemaining() {
			return nil, ErrTruncatedDirectory
		}
		blocks := make([]uint32, count)
		for j := range blocks {
			if blocks[j], err = r.ReadU32(); err != nil {
				return nil, ErrTruncatedDirectory
			}
			if blocks[j] >= numBlocks {
				return nil, fmt.Errorf("%w: stream %d block %d >= %d", ErrInvalidBlockIndex, i, blocks[j], numBlocks)
			}
		}
		dir.StreamBlocks[i] = blocks
	}

	return dir, nil
}

// StreamSize returns the size of the given stream, or 0 if the stream doesn't exist
// or is a nil stream.
func (d *StreamDirectory) StreamSize(streamIndex uint32) uint32 {
	if streamIndex >= d.NumStreams {
		return 0
	}
	size := d.StreamSizes[streamIndex]
	if size == NilStreamSize {
		return 0
	}
	return size
}

// StreamExists returns true if the stream exists and is not a nil stream.
func (d *StreamDirectory) StreamExists(streamIndex uint32) bool {
	if streamIndex >= d.NumStreams {
		return false
	}
	return d.StreamSizes[streamIndex] != NilStreamSize && d.StreamSizes[streamIndex] > 0
}

// ReadDirectory locates and parses the stream directory of the file behind r.
//
// The superblock's BlockMapAddr names the first of the blocks holding the
// directory's own block list; both levels are read through a BlockReader.
func ReadDirectory(sb *SuperBlock, r stream.Reader) (*StreamDirectory, error) {
	numDirBlocks := sb.NumDirectoryBlocks()
	mapBytes := numDirBlocks * 4
	mapBlocks := make([]uint32, (mapBytes+sb.BlockSize-1)/sb.BlockSize)
	for i := range mapBlocks {
		mapBlocks[i] = sb.BlockMapAddr + uint32(i)
		if mapBlocks[i] >= sb.NumBlocks {
			return nil, fmt.Errorf("%w: block map block %d >= %d", ErrInvalidBlockIndex, mapBlocks[i], sb.NumBlocks)
		}
	}

	mapReader, err := NewBlockReader(r.Duplicate(), mapBlocks, sb.BlockSize, mapBytes)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to read block map: %w", err)
	}

	dirBlocks := make([]uint32, numDirBlocks)
	for i := range dirBlocks {
		if dirBlocks[i], err = mapReader.ReadU32(); err != nil {
			return nil, fmt.Errorf("msf: failed to read block map: %w", err)
		}
		if dirBlocks[i] >= sb.NumBlocks {
			return nil, fmt.Errorf("%w: directory block %d >= %d", ErrInvalidBlockIndex, dirBlocks[i], sb.NumBlocks)
		}
	}

	dirReader, err := NewBlockReader(r.Duplicate(), dirBlocks, sb.BlockSize, sb.NumDirectoryBytes)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to read stream directory: %w", err)
	}
	return ParseDirectory(dirReader, sb.BlockSize, sb.NumBlocks)
}
