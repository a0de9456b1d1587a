package pdb

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/internal/dbi"
	"github.com/skdltmxn/pdbstream/stream"
)

// CVSignatureC13 is the signature at the start of a module symbol stream.
const CVSignatureC13 uint32 = 4

// Module represents a compilation unit (object file) in the PDB.
type Module struct {
	pdb   *File
	index int
	info  *dbi.ModuleInfo
	files []string
}

// Index returns the module index.
func (m *Module) Index() int {
	return m.index
}

// Name returns the module name (typically the object file path).
func (m *Module) Name() string {
	return m.info.ModuleName
}

// ObjectFileName returns the original object file name, which is the
// library for modules pulled from one.
func (m *Module) ObjectFileName() string {
	return m.info.ObjFileName
}

// Section returns the section index for this module's contribution.
func (m *Module) Section() uint16 {
	return m.info.Section.Section
}

func (m *Module) Offset() int32 {
	return m.info.Section.Offset
}

func (m *Module) Size() int32 {
	return m.info.Section.Size
}

// SourceFileCount returns the number of source files.
func (m *Module) SourceFileCount() uint16 {
	return m.info.SourceFileCount
}

// SourceFiles returns the names of the module's source files.
func (m *Module) SourceFiles() []string {
	return m.files
}

// StreamIndex returns the module's symbol stream, or 0xFFFF if it has none.
func (m *Module) StreamIndex() uint16 {
	return m.info.ModuleSymStreamIndex
}

// HasSymbols reports whether the module has a symbol stream.
func (m *Module) HasSymbols() bool {
	return m.info.HasSymbols()
}

// Symbols decodes the module's symbol records. Records of kinds the
// codeview package does not decode are skipped. The returned slice is
// shared with the module cache and must not be modified.
//
// A malformed record makes the whole module unavailable; other modules are
// not affected.
func (m *Module) Symbols() ([]codeview.Symbol, error) {
	if err := m.pdb.checkOpen(); err != nil {
		return nil, err
	}

	cache := m.pdb.moduleSymbols
	if cache != nil {
		if syms, ok := cache.Get(m.index); ok {
			return syms, nil
		}
	}

	syms, err := m.readSymbols()
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Add(m.index, syms)
	}
	return syms, nil
}

// SymbolCount returns the number of decoded symbols in this module.
func (m *Module) SymbolCount() (int, error) {
	syms, err := m.Symbols()
	return len(syms), err
}

func (m *Module) streamName() string {
	return fmt.Sprintf("module %d", m.index)
}

func (m *Module) readSymbols() ([]codeview.Symbol, error) {
	if !m.info.HasSymbols() {
		return nil, nil
	}

	name := m.streamName()
	r, err := m.pdb.openStream(uint32(m.info.ModuleSymStreamIndex), name)
	if err != nil {
		return nil, err
	}

	sig, err := r.ReadU32()
	if err != nil {
		return nil, &ParseError{Stream: name, Message: "missing signature", Err: err}
	}
	if sig != CVSignatureC13 {
		return nil, &ParseError{Stream: name, Message: fmt.Sprintf("unsupported signature %d", sig)}
	}

	size, err := stream.CheckedLength(uint64(m.info.SymByteSize) - 4)
	if err != nil {
		return nil, &ParseError{Stream: name, Offset: 4, Message: "symbol size", Err: err}
	}
	window, err := stream.NewSubReader(r, int64(size))
	if err != nil {
		return nil, &ParseError{Stream: name, Offset: 4, Message: fmt.Sprintf("symbols need %d bytes", size), Err: err}
	}

	it := codeview.NewSymbolIterator(window)
	var syms []codeview.Symbol
	for s := range it.Symbols() {
		syms = append(syms, s)
	}
	if err := it.Err(); err != nil {
		offset := window.Position()
		var de *codeview.DecodeError
		if errors.As(err, &de) {
			offset = de.Offset
		}
		return nil, &ParseError{Stream: name, Offset: offset + 4, Message: "invalid symbol record", Err: err}
	}
	return syms, nil
}

// Modules returns all modules (compilands) in the PDB.
func (f *File) Modules() ([]*Module, error) {
	s, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	return f.modules.get(func() ([]*Module, error) {
		modules := make([]*Module, len(s.Modules))
		for i := range s.Modules {
			modules[i] = &Module{pdb: f, index: i, info: &s.Modules[i]}
			if i < len(s.SourceFiles) {
				modules[i].files = s.SourceFiles[i].Names
			}
		}
		return modules, nil
	})
}

// ModuleCount returns the number of modules in the PDB.
func (f *File) ModuleCount() (int, error) {
	s, err := f.getDBI()
	if err != nil {
		return 0, err
	}
	return s.ModuleCount(), nil
}

// Module returns the module at index.
func (f *File) Module(index int) (*Module, error) {
	modules, err := f.Modules()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(modules) {
		return nil, fmt.Errorf("%w: index %d", ErrModuleNotFound, index)
	}
	return modules[index], nil
}

// ModuleAt returns the module whose section contribution covers
// section:offset.
func (f *File) ModuleAt(section uint16, offset uint32) (*Module, error) {
	s, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	sc, ok := s.ContributionAt(section, offset)
	if !ok {
		return nil, fmt.Errorf("%w: no contribution at %04x:%08x", ErrModuleNotFound, section, offset)
	}
	return f.Module(int(sc.ModuleIndex))
}
