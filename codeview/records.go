package codeview

import (
	"fmt"

	"github.com/skdltmxn/pdbstream/stream"
)

// recordKind remembers which tag a record was decoded from.
type recordKind struct {
	kind SymbolKind
}

// Kind returns the tag the record was decoded from.
func (rk recordKind) Kind() SymbolKind { return rk.kind }

func (rk *recordKind) setKind(k SymbolKind) { rk.kind = k }

// ProcFlags describes procedure attributes.
type ProcFlags uint8

func (pf ProcFlags) HasFP() bool                 { return (pf & 0x01) != 0 }
func (pf ProcFlags) HasIRET() bool               { return (pf & 0x02) != 0 }
func (pf ProcFlags) HasFRET() bool               { return (pf & 0x04) != 0 }
func (pf ProcFlags) IsNoReturn() bool            { return (pf & 0x08) != 0 }
func (pf ProcFlags) IsUnreachable() bool         { return (pf & 0x10) != 0 }
func (pf ProcFlags) HasCustomCallingConv() bool  { return (pf & 0x20) != 0 }
func (pf ProcFlags) IsNoInline() bool            { return (pf & 0x40) != 0 }
func (pf ProcFlags) HasOptimizedDebugInfo() bool { return (pf & 0x80) != 0 }

// PublicSymFlags describes public symbol attributes.
type PublicSymFlags uint32

const (
	PublicCode     PublicSymFlags = 0x01
	PublicFunction PublicSymFlags = 0x02
	PublicManaged  PublicSymFlags = 0x04
	PublicMSIL     PublicSymFlags = 0x08
)

func (psf PublicSymFlags) IsCode() bool     { return psf&PublicCode != 0 }
func (psf PublicSymFlags) IsFunction() bool { return psf&PublicFunction != 0 }
func (psf PublicSymFlags) IsManaged() bool  { return psf&PublicManaged != 0 }
func (psf PublicSymFlags) IsMSIL() bool     { return psf&PublicMSIL != 0 }

// ThunkOrdinal identifies the flavour of an S_THUNK32 record.
type ThunkOrdinal uint8

const (
	ThunkStandard ThunkOrdinal = iota
	ThunkThisAdjustor
	ThunkVCall
	ThunkPCode
	ThunkUnknownLoad
	ThunkTrampIncremental
	ThunkBranchIsland
)

func (o ThunkOrdinal) String() string {
	switch o {
	case ThunkStandard:
		return "standard"
	case ThunkThisAdjustor:
		return "this-adjustor"
	case ThunkVCall:
		return "vcall"
	case ThunkPCode:
		return "pcode"
	case ThunkUnknownLoad:
		return "delay-load"
	case ThunkTrampIncremental:
		return "incremental"
	case ThunkBranchIsland:
		return "branch-island"
	}
	return fmt.Sprintf("ordinal(%d)", uint8(o))
}

// TrampolineType identifies the flavour of an S_TRAMPOLINE record.
type TrampolineType uint16

const (
	TrampolineIncremental TrampolineType = iota
	TrampolineBranchIsland
)

func (t TrampolineType) String() string {
	switch t {
	case TrampolineIncremental:
		return "incremental"
	case TrampolineBranchIsland:
		return "branch-island"
	}
	return fmt.Sprintf("trampoline(%d)", uint16(t))
}

// CoffGroupSym represents S_COFFGROUP.
type CoffGroupSym struct {
	recordKind
	Size            uint32
	Characteristics uint32
	Offset          uint32
	Segment         uint16
	Name            string
}

func (CoffGroupSym) Kinds() []SymbolKind { return []SymbolKind{S_COFFGROUP} }

func (s *CoffGroupSym) decode(r stream.Reader) error {
	var err error
	if s.Size, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Characteristics, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Offset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// ConstantSym represents S_CONSTANT and S_MANCONSTANT.
type ConstantSym struct {
	recordKind
	Type  TypeIndex
	Value EncodedInteger
	Name  string
}

func (ConstantSym) Kinds() []SymbolKind { return []SymbolKind{S_CONSTANT, S_MANCONSTANT} }

func (s *ConstantSym) decode(r stream.Reader) error {
	var err error
	if s.Type, err = ReadTypeIndex(r); err != nil {
		return err
	}
	if s.Value, err = ReadEncodedInteger(r); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// DataSym represents S_LDATA32, S_GDATA32 and their managed variants.
type DataSym struct {
	recordKind
	Type    TypeIndex
	Offset  uint32
	Segment uint16
	Name    string
}

func (DataSym) Kinds() []SymbolKind {
	return []SymbolKind{S_LDATA32, S_GDATA32, S_LMANDATA, S_GMANDATA}
}

func (s *DataSym) decode(r stream.Reader) error {
	var err error
	if s.Type, err = ReadTypeIndex(r); err != nil {
		return err
	}
	if s.Offset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// ProcSym represents S_GPROC32, S_LPROC32 and their ID-mapped variants.
type ProcSym struct {
	recordKind
	PtrParent    uint32
	PtrEnd       uint32
	PtrNext      uint32
	CodeSize     uint32
	DbgStart     uint32
	DbgEnd       uint32
	FunctionType TypeIndex
	CodeOffset   uint32
	Segment      uint16
	Flags        ProcFlags
	Name         string
}

func (ProcSym) Kinds() []SymbolKind {
	return []SymbolKind{S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID}
}

func (s *ProcSym) decode(r stream.Reader) error {
	var err error
	for _, field := range []*uint32{&s.PtrParent, &s.PtrEnd, &s.PtrNext, &s.CodeSize, &s.DbgStart, &s.DbgEnd} {
		if *field, err = r.ReadU32(); err != nil {
			return err
		}
	}
	if s.FunctionType, err = ReadTypeIndex(r); err != nil {
		return err
	}
	if s.CodeOffset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	flags, err := r.ReadU8()
	if err != nil {
		return err
	}
	s.Flags = ProcFlags(flags)
	s.Name, err = r.ReadCString()
	return err
}

// ProcRefSym represents S_PROCREF, S_LPROCREF and S_DATAREF. Module is the
// one-based index of the module holding the referenced record.
type ProcRefSym struct {
	recordKind
	SumName uint32
	Offset  uint32
	Module  uint16
	Name    string
}

func (ProcRefSym) Kinds() []SymbolKind { return []SymbolKind{S_PROCREF, S_LPROCREF, S_DATAREF} }

func (s *ProcRefSym) decode(r stream.Reader) error {
	var err error
	if s.SumName, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Offset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Module, err = r.ReadU16(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// PublicSym represents S_PUB32.
type PublicSym struct {
	recordKind
	Flags   PublicSymFlags
	Offset  uint32
	Segment uint16
	Name    string
}

func (PublicSym) Kinds() []SymbolKind { return []SymbolKind{S_PUB32} }

func (s *PublicSym) decode(r stream.Reader) error {
	flags, err := r.ReadU32()
	if err != nil {
		return err
	}
	s.Flags = PublicSymFlags(flags)
	if s.Offset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// SectionSym represents S_SECTION.
type SectionSym struct {
	recordKind
	SectionNumber   uint16
	Alignment       uint8
	Reserved        uint8
	RVA             uint32
	Length          uint32
	Characteristics uint32
	Name            string
}

func (SectionSym) Kinds() []SymbolKind { return []SymbolKind{S_SECTION} }

func (s *SectionSym) decode(r stream.Reader) error {
	var err error
	if s.SectionNumber, err = r.ReadU16(); err != nil {
		return err
	}
	if s.Alignment, err = r.ReadU8(); err != nil {
		return err
	}
	if s.Reserved, err = r.ReadU8(); err != nil {
		return err
	}
	if s.RVA, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Length, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Characteristics, err = r.ReadU32(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// ThreadDataSym represents S_LTHREAD32 and S_GTHREAD32.
type ThreadDataSym struct {
	recordKind
	Type    TypeIndex
	Offset  uint32
	Segment uint16
	Name    string
}

func (ThreadDataSym) Kinds() []SymbolKind { return []SymbolKind{S_LTHREAD32, S_GTHREAD32} }

func (s *ThreadDataSym) decode(r stream.Reader) error {
	var err error
	if s.Type, err = ReadTypeIndex(r); err != nil {
		return err
	}
	if s.Offset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// ThunkSym represents S_THUNK32.
//
// VariantData holds whatever follows the name up to the end of the record,
// so the reader handed to the decoder must end where the record ends.
type ThunkSym struct {
	recordKind
	PtrParent   uint32
	PtrEnd      uint32
	PtrNext     uint32
	Offset      uint32
	Segment     uint16
	Length      uint16
	Ordinal     ThunkOrdinal
	Name        string
	VariantData []byte
}

func (ThunkSym) Kinds() []SymbolKind { return []SymbolKind{S_THUNK32} }

func (s *ThunkSym) decode(r stream.Reader) error {
	var err error
	for _, field := range []*uint32{&s.PtrParent, &s.PtrEnd, &s.PtrNext, &s.Offset} {
		if *field, err = r.ReadU32(); err != nil {
			return err
		}
	}
	if s.Segment, err = r.ReadU16(); err != nil {
		return err
	}
	if s.Length, err = r.ReadU16(); err != nil {
		return err
	}
	ordinal, err := r.ReadU8()
	if err != nil {
		return err
	}
	s.Ordinal = ThunkOrdinal(ordinal)
	if s.Name, err = r.ReadCString(); err != nil {
		return err
	}

	n, err := stream.CheckedLength(uint64(r.BytesRemaining()))
	if err != nil {
		return err
	}
	s.VariantData, err = r.ReadBytes(n)
	return err
}

// TrampolineSym represents S_TRAMPOLINE.
type TrampolineSym struct {
	recordKind
	Type          TrampolineType
	Size          uint16
	ThunkOffset   uint32
	TargetOffset  uint32
	ThunkSection  uint16
	TargetSection uint16
}

func (TrampolineSym) Kinds() []SymbolKind { return []SymbolKind{S_TRAMPOLINE} }

func (s *TrampolineSym) decode(r stream.Reader) error {
	typ, err := r.ReadU16()
	if err != nil {
		return err
	}
	s.Type = TrampolineType(typ)
	if s.Size, err = r.ReadU16(); err != nil {
		return err
	}
	if s.ThunkOffset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.TargetOffset, err = r.ReadU32(); err != nil {
		return err
	}
	if s.ThunkSection, err = r.ReadU16(); err != nil {
		return err
	}
	s.TargetSection, err = r.ReadU16()
	return err
}

// UDTSym represents S_UDT and S_COBOLUDT.
type UDTSym struct {
	recordKind
	Type TypeIndex
	Name string
}

func (UDTSym) Kinds() []SymbolKind { return []SymbolKind{S_UDT, S_COBOLUDT} }

func (s *UDTSym) decode(r stream.Reader) error {
	var err error
	if s.Type, err = ReadTypeIndex(r); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}

// ObjNameSym represents S_OBJNAME, the first record of most module streams.
type ObjNameSym struct {
	recordKind
	Signature uint32
	Name      string
}

func (ObjNameSym) Kinds() []SymbolKind { return []SymbolKind{S_OBJNAME} }

func (s *ObjNameSym) decode(r stream.Reader) error {
	var err error
	if s.Signature, err = r.ReadU32(); err != nil {
		return err
	}
	s.Name, err = r.ReadCString()
	return err
}
