// Package codeview decodes CodeView symbol and type records from any
// stream.Reader.
package codeview

import (
	"errors"
	"fmt"
	"slices"

	"github.com/skdltmxn/pdbstream/stream"
)

var (
	ErrUnknownSymbol       = errors.New("codeview: unknown symbol kind")
	ErrKindMismatch        = errors.New("codeview: symbol kind not accepted by record type")
	ErrInvalidNumeric      = errors.New("codeview: invalid numeric leaf")
	ErrInvalidRecordLength = errors.New("codeview: invalid record length")
)

// DecodeError describes a record that could not be decoded.
type DecodeError struct {
	Kind   SymbolKind
	Offset int64 // where the record starts in the reader it came from
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codeview: decoding %s at offset 0x%x: %v", e.Kind, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Symbol is a decoded symbol record.
type Symbol interface {
	// Kind returns the tag the record was decoded from.
	Kind() SymbolKind
	// Kinds lists every tag the record type decodes.
	Kinds() []SymbolKind
	// Accepts reports whether k is one of Kinds.
	Accepts(k SymbolKind) bool
}

type record interface {
	Symbol
	setKind(SymbolKind)
	decode(stream.Reader) error
}

func (s CoffGroupSym) Accepts(k SymbolKind) bool  { return slices.Contains(s.Kinds(), k) }
func (s ConstantSym) Accepts(k SymbolKind) bool   { return slices.Contains(s.Kinds(), k) }
func (s DataSym) Accepts(k SymbolKind) bool       { return slices.Contains(s.Kinds(), k) }
func (s ProcSym) Accepts(k SymbolKind) bool       { return slices.Contains(s.Kinds(), k) }
func (s ProcRefSym) Accepts(k SymbolKind) bool    { return slices.Contains(s.Kinds(), k) }
func (s PublicSym) Accepts(k SymbolKind) bool     { return slices.Contains(s.Kinds(), k) }
func (s SectionSym) Accepts(k SymbolKind) bool    { return slices.Contains(s.Kinds(), k) }
func (s ThreadDataSym) Accepts(k SymbolKind) bool { return slices.Contains(s.Kinds(), k) }
func (s ThunkSym) Accepts(k SymbolKind) bool      { return slices.Contains(s.Kinds(), k) }
func (s TrampolineSym) Accepts(k SymbolKind) bool { return slices.Contains(s.Kinds(), k) }
func (s UDTSym) Accepts(k SymbolKind) bool        { return slices.Contains(s.Kinds(), k) }
func (s ObjNameSym) Accepts(k SymbolKind) bool    { return slices.Contains(s.Kinds(), k) }

// newRecord returns an empty record for kind, or nil if no record type
// decodes it.
func newRecord(kind SymbolKind) record {
	switch kind {
	case S_COFFGROUP:
		return &CoffGroupSym{}
	case S_CONSTANT, S_MANCONSTANT:
		return &ConstantSym{}
	case S_LDATA32, S_GDATA32, S_LMANDATA, S_GMANDATA:
		return &DataSym{}
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID:
		return &ProcSym{}
	case S_PROCREF, S_LPROCREF, S_DATAREF:
		return &ProcRefSym{}
	case S_PUB32:
		return &PublicSym{}
	case S_SECTION:
		return &SectionSym{}
	case S_LTHREAD32, S_GTHREAD32:
		return &ThreadDataSym{}
	case S_THUNK32:
		return &ThunkSym{}
	case S_TRAMPOLINE:
		return &TrampolineSym{}
	case S_UDT, S_COBOLUDT:
		return &UDTSym{}
	case S_OBJNAME:
		return &ObjNameSym{}
	}
	return nil
}

// IsKnown reports whether DecodeSymbol can decode kind.
func IsKnown(kind SymbolKind) bool {
	return newRecord(kind) != nil
}

// DecodeSymbol decodes the payload of a record with the given kind from r,
// which must be positioned just past the record's kind field. Kinds that no
// record type decodes yield ErrUnknownSymbol; callers normally skip those.
//
// On success r is left on the first byte past the decoded fields.
func DecodeSymbol(kind SymbolKind, r stream.Reader) (Symbol, error) {
	rec := newRecord(kind)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, kind)
	}
	if err := decodeInto(rec, kind, r); err != nil {
		return nil, err
	}
	return rec, nil
}

// DecodeAs decodes a record of a specific type. It fails with
// ErrKindMismatch if kind is not one the type accepts.
func DecodeAs[T any, P interface {
	*T
	record
}](kind SymbolKind, r stream.Reader) (*T, error) {
	var v T
	p := P(&v)
	if !p.Accepts(kind) {
		return nil, fmt.Errorf("%w: %s does not decode as %T", ErrKindMismatch, kind, v)
	}
	if err := decodeInto(p, kind, r); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeInto(rec record, kind SymbolKind, r stream.Reader) error {
	offset := r.Position()
	rec.setKind(kind)
	if err := rec.decode(r); err != nil {
		return &DecodeError{Kind: kind, Offset: offset, Err: err}
	}
	return nil
}

// SymbolName returns the name carried by s, or "" for records without one.
func SymbolName(s Symbol) string {
	switch s := s.(type) {
	case *CoffGroupSym:
		return s.Name
	case *ConstantSym:
		return s.Name
	case *DataSym:
		return s.Name
	case *ProcSym:
		return s.Name
	case *ProcRefSym:
		return s.Name
	case *PublicSym:
		return s.Name
	case *SectionSym:
		return s.Name
	case *ThreadDataSym:
		return s.Name
	case *ThunkSym:
		return s.Name
	case *UDTSym:
		return s.Name
	case *ObjNameSym:
		return s.Name
	}
	return ""
}

// SymbolAddress returns the segment:offset a record refers to. ok is false
// for records that carry no address.
func SymbolAddress(s Symbol) (segment uint16, offset uint32, ok bool) {
	switch s := s.(type) {
	case *CoffGroupSym:
		return s.Segment, s.Offset, true
	case *DataSym:
		return s.Segment, s.Offset, true
	case *ProcSym:
		return s.Segment, s.CodeOffset, true
	case *PublicSym:
		return s.Segment, s.Offset, true
	case *ThreadDataSym:
		return s.Segment, s.Offset, true
	case *ThunkSym:
		return s.Segment, s.Offset, true
	}
	return 0, 0, false
}
