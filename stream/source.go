package stream

import (
	"fmt"
	"sync"

	"golang.org/x/exp/mmap"
)

// Source is a read-only memory mapping of a file on disk.
//
// The mapping is acquired by Open and released exactly once by Close. Every
// access takes a shared lock on the mapping, so readers that outlive the
// Source get ErrClosed instead of touching unmapped memory.
type Source struct {
	mu   sync.RWMutex
	m    *mmap.ReaderAt
	size int64
	path string
}

// Open maps the file at path for reading.
func Open(path string) (*Source, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to map %s: %w", path, err)
	}
	return &Source{m: m, size: int64(m.Len()), path: path}, nil
}

// Path returns the path the source was opened from.
func (s *Source) Path() string {
	return s.path
}

// Len returns the size of the mapping in bytes.
func (s *Source) Len() int64 {
	return s.size
}

// Close releases the mapping. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		return nil
	}
	err := s.m.Close()
	s.m = nil
	if err != nil {
		return fmt.Errorf("stream: failed to unmap %s: %w", s.path, err)
	}
	return nil
}

// ByteAt returns the byte at the given absolute offset.
func (s *Source) ByteAt(off int64) (byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.m == nil {
		return 0, ErrClosed
	}
	if off < 0 || off >= s.size {
		return 0, ErrUnexpectedEOF
	}
	return s.m.At(int(off)), nil
}

// ReadAt fills p with the bytes starting at off. Short reads are errors.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.m == nil {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, ErrUnexpectedEOF
	}
	return s.m.ReadAt(p, off)
}

// cstring returns the bytes from off up to the next 0x00 and the total number
// of bytes consumed including the terminator.
func (s *Source) cstring(off int64) (string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.m == nil {
		return "", 0, ErrClosed
	}
	end := off
	for ; end < s.size; end++ {
		if s.m.At(int(end)) == 0 {
			break
		}
	}
	if end >= s.size {
		return "", 0, ErrUnterminatedString
	}

	buf := make([]byte, end-off)
	if _, err := s.m.ReadAt(buf, off); err != nil {
		return "", 0, err
	}
	return string(buf), end - off + 1, nil
}
