package pdb

import (
	"errors"
	"fmt"
	"iter"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/internal/gsi"
	"github.com/skdltmxn/pdbstream/stream"
)

// SymbolTable gives access to the global symbol records shared by all
// modules, and to the name and address indices over them.
type SymbolTable struct {
	// records is never read directly; every walk duplicates it.
	records stream.Reader
	globals *gsi.Table   // nil if the PDB has no globals hash
	publics *gsi.Publics // nil if the PDB has no publics hash
}

// Symbols returns the global symbol table.
func (f *File) Symbols() (*SymbolTable, error) {
	s, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	return f.symbols.get(func() (*SymbolTable, error) {
		st := &SymbolTable{records: stream.NewBytesReader(nil)}

		r, err := f.optionalStream(s.Header.SymRecordStreamIndex, "symbol records")
		switch {
		case err == nil:
			st.records = r
		case !errors.Is(err, ErrStreamNotFound):
			return nil, err
		}

		if r, err := f.optionalStream(s.Header.GlobalStreamIndex, "globals"); err == nil {
			if st.globals, err = gsi.ReadTable(r); err != nil {
				return nil, &ParseError{Stream: "globals", Offset: r.Position(), Message: "invalid hash", Err: err}
			}
		} else if !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}

		if r, err := f.optionalStream(s.Header.PublicStreamIndex, "publics"); err == nil {
			if st.publics, err = gsi.ReadPublics(r); err != nil {
				return nil, &ParseError{Stream: "publics", Offset: r.Position(), Message: "invalid hash", Err: err}
			}
		} else if !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}

		return st, nil
	})
}

// Globals iterates over every decodable record of the symbol record
// stream. Iteration stops after yielding an error.
func (f *File) Globals() iter.Seq2[codeview.Symbol, error] {
	st, err := f.Symbols()
	if err != nil {
		return func(yield func(codeview.Symbol, error) bool) { yield(nil, err) }
	}
	return st.All()
}

// Publics iterates over the S_PUB32 records of the symbol record stream.
func (f *File) Publics() iter.Seq2[*codeview.PublicSym, error] {
	st, err := f.Symbols()
	if err != nil {
		return func(yield func(*codeview.PublicSym, error) bool) { yield(nil, err) }
	}
	return st.Publics()
}

func (st *SymbolTable) walk() (*codeview.SymbolIterator, error) {
	r := st.records.Duplicate()
	if err := r.SetPosition(0); err != nil {
		return nil, err
	}
	return codeview.NewSymbolIterator(r), nil
}

func recordError(err error) error {
	var offset int64
	var de *codeview.DecodeError
	if errors.As(err, &de) {
		offset = de.Offset
	}
	return &ParseError{Stream: "symbol records", Offset: offset, Message: "invalid symbol record", Err: err}
}

// All iterates over every decodable record in stream order.
func (st *SymbolTable) All() iter.Seq2[codeview.Symbol, error] {
	return func(yield func(codeview.Symbol, error) bool) {
		it, err := st.walk()
		if err != nil {
			yield(nil, err)
			return
		}
		for s := range it.Symbols() {
			if !yield(s, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, recordError(err))
		}
	}
}

// Publics iterates over the public symbols in stream order.
func (st *SymbolTable) Publics() iter.Seq2[*codeview.PublicSym, error] {
	return func(yield func(*codeview.PublicSym, error) bool) {
		it, err := st.walk()
		if err != nil {
			yield(nil, err)
			return
		}
		for rec, payload := range it.Records() {
			if rec.Kind != codeview.S_PUB32 {
				continue
			}
			pub, err := codeview.DecodeAs[codeview.PublicSym](rec.Kind, payload)
			if err != nil {
				var de *codeview.DecodeError
				if errors.As(err, &de) {
					de.Offset = rec.Offset
				}
				yield(nil, recordError(err))
				return
			}
			if !yield(pub, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, recordError(err))
		}
	}
}

// At decodes the record at offset in the symbol record stream.
func (st *SymbolTable) At(offset uint32) (codeview.Symbol, error) {
	r := st.records.Duplicate()
	if err := r.SetPosition(int64(offset)); err != nil {
		return nil, &ParseError{Stream: "symbol records", Offset: int64(offset), Message: "record offset", Err: err}
	}
	rec, payload, err := codeview.NextSymbol(r)
	if err != nil {
		return nil, recordError(err)
	}
	s, err := codeview.DecodeSymbol(rec.Kind, payload)
	if err != nil {
		var de *codeview.DecodeError
		if errors.As(err, &de) {
			de.Offset = rec.Offset
		}
		return nil, recordError(err)
	}
	return s, nil
}

// ByName returns the records named name, using the globals and publics
// hashes.
func (st *SymbolTable) ByName(name string) ([]codeview.Symbol, error) {
	var hits []gsi.HashRecord
	if st.globals != nil {
		hits = append(hits, st.globals.Lookup(name)...)
	}
	if st.publics != nil {
		hits = append(hits, st.publics.Lookup(name)...)
	}

	var out []codeview.Symbol
	for _, hr := range hits {
		s, err := st.At(hr.Offset)
		if errors.Is(err, codeview.ErrUnknownSymbol) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if codeview.SymbolName(s) == name {
			out = append(out, s)
		}
	}
	return out, nil
}

// FindByName returns the first record named name.
func (st *SymbolTable) FindByName(name string) (codeview.Symbol, error) {
	syms, err := st.ByName(name)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	return syms[0], nil
}

// PublicCount returns the number of entries in the publics address map.
func (st *SymbolTable) PublicCount() int {
	if st.publics == nil {
		return 0
	}
	return len(st.publics.AddrMap)
}

func (st *SymbolTable) publicAt(i int) (*codeview.PublicSym, error) {
	s, err := st.At(st.publics.AddrMap[i])
	if err != nil {
		return nil, err
	}
	pub, ok := s.(*codeview.PublicSym)
	if !ok {
		return nil, &ParseError{Stream: "publics", Offset: int64(i) * 4, Message: fmt.Sprintf("address map entry refers to %s", s.Kind())}
	}
	return pub, nil
}

// searchAddress returns the index of the first address map entry at or
// after section:offset.
func (st *SymbolTable) searchAddress(section uint16, offset uint32) (int, error) {
	lo, hi := 0, len(st.publics.AddrMap)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		pub, err := st.publicAt(mid)
		if err != nil {
			return 0, err
		}
		if pub.Segment < section || (pub.Segment == section && pub.Offset < offset) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// ByAddress returns the public symbol at exactly section:offset.
func (st *SymbolTable) ByAddress(section uint16, offset uint32) (*codeview.PublicSym, error) {
	pub, exact, err := st.nearest(section, offset)
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, fmt.Errorf("%w: no public at %04x:%08x", ErrSymbolNotFound, section, offset)
	}
	return pub, nil
}

// FindSymbolContaining returns the public symbol at section:offset or the
// closest one before it in the same section.
func (st *SymbolTable) FindSymbolContaining(section uint16, offset uint32) (*codeview.PublicSym, error) {
	pub, _, err := st.nearest(section, offset)
	return pub, err
}

func (st *SymbolTable) nearest(section uint16, offset uint32) (*codeview.PublicSym, bool, error) {
	notFound := fmt.Errorf("%w: no public near %04x:%08x", ErrSymbolNotFound, section, offset)
	if st.publics == nil {
		return nil, false, notFound
	}

	i, err := st.searchAddress(section, offset)
	if err != nil {
		return nil, false, err
	}
	if i < len(st.publics.AddrMap) {
		pub, err := st.publicAt(i)
		if err != nil {
			return nil, false, err
		}
		if pub.Segment == section && pub.Offset == offset {
			return pub, true, nil
		}
	}
	if i == 0 {
		return nil, false, notFound
	}
	pub, err := st.publicAt(i - 1)
	if err != nil {
		return nil, false, err
	}
	if pub.Segment != section {
		return nil, false, notFound
	}
	return pub, false, nil
}
