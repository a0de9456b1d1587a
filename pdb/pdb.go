package pdb

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/internal/dbi"
	"github.com/skdltmxn/pdbstream/msf"
	"github.com/skdltmxn/pdbstream/stream"
)

// DefaultModuleCacheSize is the number of modules whose decoded symbols are
// kept in memory.
const DefaultModuleCacheSize = 64

// File represents an opened PDB file.
// It is safe for concurrent read access after opening.
type File struct {
	msf    *msf.File
	closed bool
	mu     sync.RWMutex

	// decoded module symbols by module index; nil when caching is off
	moduleSymbols *lru.Cache[int, []codeview.Symbol]

	info     lazy[*Info]
	dbi      lazy[*dbi.Stream]
	modules  lazy[[]*Module]
	tpi      lazy[*codeview.TypeStream]
	ipi      lazy[*codeview.TypeStream]
	symbols  lazy[*SymbolTable]
	sections lazy[*SectionHeaders]
}

// lazy holds a value loaded on first use.
type lazy[T any] struct {
	once sync.Once
	v    T
	err  error
}

func (l *lazy[T]) get(load func() (T, error)) (T, error) {
	l.once.Do(func() {
		l.v, l.err = load()
	})
	return l.v, l.err
}

type options struct {
	moduleCacheSize int
}

// Option configures a File.
type Option func(*options)

// WithModuleCacheSize sets how many modules keep their decoded symbols in
// memory. Zero or less disables the cache.
func WithModuleCacheSize(n int) Option {
	return func(o *options) {
		o.moduleCacheSize = n
	}
}

// Open opens a PDB file from the given path.
func Open(path string, opts ...Option) (*File, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to open file: %w", err)
	}

	f, err := newFile(m, opts)
	if err != nil {
		m.Close()
		return nil, err
	}
	return f, nil
}

// NewFile reads a PDB from r, which must cover the whole file. The caller
// keeps ownership of whatever backs r.
func NewFile(r stream.Reader, opts ...Option) (*File, error) {
	m, err := msf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to open file: %w", err)
	}
	return newFile(m, opts)
}

func newFile(m *msf.File, opts []Option) (*File, error) {
	o := options{moduleCacheSize: DefaultModuleCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	f := &File{msf: m}
	if o.moduleCacheSize > 0 {
		cache, err := lru.New[int, []codeview.Symbol](o.moduleCacheSize)
		if err != nil {
			return nil, fmt.Errorf("pdb: module cache: %w", err)
		}
		f.moduleSymbols = cache
	}
	return f, nil
}

// Close releases resources associated with the PDB file. Readers handed
// out earlier fail with stream.ErrClosed once the file is closed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	if f.moduleSymbols != nil {
		f.moduleSymbols.Purge()
	}
	return f.msf.Close()
}

func (f *File) checkOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFileClosed
	}
	return nil
}

// BlockSize returns the block size used by this PDB file.
func (f *File) BlockSize() uint32 {
	return f.msf.BlockSize()
}

// NumStreams returns the number of streams in the PDB.
func (f *File) NumStreams() (uint32, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	return f.msf.NumStreams()
}

// StreamSize returns the size of a stream in bytes.
func (f *File) StreamSize(index uint32) (uint32, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	return f.msf.StreamSize(index)
}

// OpenStream returns a reader over a raw MSF stream.
func (f *File) OpenStream(index uint32) (*msf.BlockReader, error) {
	return f.openStream(index, fmt.Sprintf("stream %d", index))
}

func (f *File) openStream(index uint32, name string) (*msf.BlockReader, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	r, err := f.msf.OpenStream(index)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to open %s stream: %w", name, err)
	}
	return r, nil
}

// optionalStream opens a stream referenced by a 16-bit index, reporting
// ErrStreamNotFound for absent streams.
func (f *File) optionalStream(index uint16, name string) (*msf.BlockReader, error) {
	if index == dbi.InvalidStreamIndex {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	exists, err := f.msf.StreamExists(uint32(index))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return f.openStream(uint32(index), name)
}

func (f *File) getDBI() (*dbi.Stream, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.dbi.get(func() (*dbi.Stream, error) {
		r, err := f.openStream(msf.StreamDBI, "DBI")
		if err != nil {
			return nil, err
		}
		s, err := dbi.Parse(r)
		if err != nil {
			return nil, &ParseError{Stream: "DBI", Offset: r.Position(), Message: "invalid DBI stream", Err: err}
		}
		return s, nil
	})
}

// DBIHeader returns the header of the DBI stream.
func (f *File) DBIHeader() (*dbi.Header, error) {
	s, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	return &s.Header, nil
}
