package msf

import (
	"fmt"
	"sync"

	"github.com/skdltmxn/pdbstream/stream"
)

// File represents an opened MSF file.
// Streams opened from it are independent cursors and may be read from
// different goroutines.
type File struct {
	r          stream.Reader
	src        *stream.Source // nil if the caller owns the data
	superBlock *SuperBlock

	dirOnce   sync.Once
	directory *StreamDirectory
	dirErr    error
}

// Open maps the MSF file at path.
func Open(path string) (*File, error) {
	src, err := stream.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to open file: %w", err)
	}

	f, err := NewFile(stream.NewFileReader(src))
	if err != nil {
		src.Close()
		return nil, err
	}

	f.src = src
	return f, nil
}

// NewFile reads an MSF container from r, which must cover the whole file
// with position 0 at its first byte.
// The caller is responsible for releasing whatever backs r.
func NewFile(r stream.Reader) (*File, error) {
	if r.Len() < SuperBlockSize {
		return nil, ErrTruncatedFile
	}

	head := r.Duplicate()
	if err := head.SetPosition(0); err != nil {
		return nil, err
	}
	sb, err := ReadSuperBlock(head)
	if err != nil {
		return nil, err
	}

	// Validate file size matches expected size
	if expected := sb.FileSize(); r.Len() < expected {
		return nil, fmt.Errorf("msf: file too small: got %d bytes, expected %d", r.Len(), expected)
	}

	return &File{r: r, superBlock: sb}, nil
}

// Close releases the mapping if the file was opened with Open. Streams
// opened from the file fail with stream.ErrClosed afterwards.
func (f *File) Close() error {
	if f.src != nil {
		return f.src.Close()
	}
	return nil
}

// SuperBlock returns the MSF superblock.
func (f *File) SuperBlock() *SuperBlock {
	return f.superBlock
}

// Directory returns the stream directory.
// The directory is lazily loaded on first access.
func (f *File) Directory() (*StreamDirectory, error) {
	f.dirOnce.Do(func() {
		f.directory, f.dirErr = ReadDirectory(f.superBlock, f.r)
	})

	if f.dirErr != nil {
		return nil, f.dirErr
	}
	return f.directory, nil
}

// NumStreams returns the number of streams in the file.
func (f *File) NumStreams() (uint32, error) {
	dir, err := f.Directory()
	if err != nil {
		return 0, err
	}
	return dir.NumStreams, nil
}

// StreamSize returns the size of the given stream in bytes.
func (f *File) StreamSize(streamIndex uint32) (uint32, error) {
	dir, err := f.Directory()
	if err != nil {
		return 0, err
	}
	return dir.StreamSize(streamIndex), nil
}

// StreamExists returns true if the stream exists and is not a nil stream.
func (f *File) StreamExists(streamIndex uint32) (bool, error) {
	dir, err := f.Directory()
	if err != nil {
		return false, err
	}
	return dir.StreamExists(streamIndex), nil
}

// OpenStream returns a reader over the logical bytes of a stream.
func (f *File) OpenStream(streamIndex uint32) (*BlockReader, error) {
	dir, err := f.Directory()
	if err != nil {
		return nil, err
	}

	if streamIndex >= dir.NumStreams {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
	}

	size := dir.StreamSizes[streamIndex]
	if size == NilStreamSize {
		return nil, fmt.Errorf("%w: %d", ErrNilStream, streamIndex)
	}

	return NewBlockReader(f.r.Duplicate(), dir.StreamBlocks[streamIndex], f.superBlock.BlockSize, size)
}

// BlockSize returns the block size used by this MSF file.
func (f *File) BlockSize() uint32 {
	return f.superBlock.BlockSize
}

// FileSize returns the total size of the MSF file.
func (f *File) FileSize() int64 {
	return f.r.Len()
}

// NumBlocks returns the total number of blocks in the file.
func (f *File) NumBlocks() uint32 {
	return f.superBlock.NumBlocks
}
