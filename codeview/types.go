package codeview

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/skdltmxn/pdbstream/stream"
)

// TPI stream version constants
const (
	TPIVersionV40 uint32 = 19950410
	TPIVersionV41 uint32 = 19951122
	TPIVersionV50 uint32 = 19961031
	TPIVersionV70 uint32 = 19990903
	TPIVersionV80 uint32 = 20040203 // Current version
)

// TypeStreamHeaderSize is the size of the TPI/IPI header in current PDBs.
const TypeStreamHeaderSize = 56

var (
	ErrInvalidTypeStreamHeader = errors.New("codeview: invalid type stream header")
	ErrUnsupportedTypeVersion  = errors.New("codeview: unsupported type stream version")
	ErrTypeIndexOutOfRange     = errors.New("codeview: type index out of range")
)

// TypeLeafKind identifies the type of a type record.
type TypeLeafKind uint16

// Type record kinds (LF_*)
const (
	LF_VTSHAPE          TypeLeafKind = 0x000a
	LF_MODIFIER         TypeLeafKind = 0x1001
	LF_POINTER          TypeLeafKind = 0x1002
	LF_PROCEDURE        TypeLeafKind = 0x1008
	LF_MFUNCTION        TypeLeafKind = 0x1009
	LF_ARGLIST          TypeLeafKind = 0x1201
	LF_FIELDLIST        TypeLeafKind = 0x1203
	LF_BITFIELD         TypeLeafKind = 0x1205
	LF_METHODLIST       TypeLeafKind = 0x1206
	LF_ARRAY            TypeLeafKind = 0x1503
	LF_CLASS            TypeLeafKind = 0x1504
	LF_STRUCTURE        TypeLeafKind = 0x1505
	LF_UNION            TypeLeafKind = 0x1506
	LF_ENUM             TypeLeafKind = 0x1507
	LF_PRECOMP          TypeLeafKind = 0x1509
	LF_ALIAS            TypeLeafKind = 0x150a
	LF_TYPESERVER2      TypeLeafKind = 0x1515
	LF_INTERFACE        TypeLeafKind = 0x1519
	LF_VFTABLE          TypeLeafKind = 0x151d
	LF_FUNC_ID          TypeLeafKind = 0x1601
	LF_MFUNC_ID         TypeLeafKind = 0x1602
	LF_BUILDINFO        TypeLeafKind = 0x1603
	LF_SUBSTR_LIST      TypeLeafKind = 0x1604
	LF_STRING_ID        TypeLeafKind = 0x1605
	LF_UDT_SRC_LINE     TypeLeafKind = 0x1606
	LF_UDT_MOD_SRC_LINE TypeLeafKind = 0x1607
)

var leafNames = map[TypeLeafKind]string{
	LF_VTSHAPE:          "LF_VTSHAPE",
	LF_MODIFIER:         "LF_MODIFIER",
	LF_POINTER:          "LF_POINTER",
	LF_PROCEDURE:        "LF_PROCEDURE",
	LF_MFUNCTION:        "LF_MFUNCTION",
	LF_ARGLIST:          "LF_ARGLIST",
	LF_FIELDLIST:        "LF_FIELDLIST",
	LF_BITFIELD:         "LF_BITFIELD",
	LF_METHODLIST:       "LF_METHODLIST",
	LF_ARRAY:            "LF_ARRAY",
	LF_CLASS:            "LF_CLASS",
	LF_STRUCTURE:        "LF_STRUCTURE",
	LF_UNION:            "LF_UNION",
	LF_ENUM:             "LF_ENUM",
	LF_PRECOMP:          "LF_PRECOMP",
	LF_ALIAS:            "LF_ALIAS",
	LF_TYPESERVER2:      "LF_TYPESERVER2",
	LF_INTERFACE:        "LF_INTERFACE",
	LF_VFTABLE:          "LF_VFTABLE",
	LF_FUNC_ID:          "LF_FUNC_ID",
	LF_MFUNC_ID:         "LF_MFUNC_ID",
	LF_BUILDINFO:        "LF_BUILDINFO",
	LF_SUBSTR_LIST:      "LF_SUBSTR_LIST",
	LF_STRING_ID:        "LF_STRING_ID",
	LF_UDT_SRC_LINE:     "LF_UDT_SRC_LINE",
	LF_UDT_MOD_SRC_LINE: "LF_UDT_MOD_SRC_LINE",
}

func (k TypeLeafKind) String() string {
	if name, ok := leafNames[k]; ok {
		return name
	}
	return fmt.Sprintf("LF_UNKNOWN(0x%04x)", uint16(k))
}

// TypeStreamHeader is the header of the TPI or IPI stream.
type TypeStreamHeader struct {
	// Version is always V80 (20040203) in modern PDBs
	Version uint32

	// HeaderSize is the size of this header (typically 56 bytes)
	HeaderSize uint32

	// TypeIndexBegin is the first valid type index (typically 0x1000)
	TypeIndexBegin TypeIndex

	// TypeIndexEnd is one past the last type index
	TypeIndexEnd TypeIndex

	// TypeRecordBytes is the total size of type record data
	TypeRecordBytes uint32

	HashStreamIndex    uint16
	HashAuxStreamIndex uint16
	HashKeySize        uint32
	NumHashBuckets     uint32

	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// TypeCount returns the number of type records.
func (h *TypeStreamHeader) TypeCount() uint32 {
	return uint32(h.TypeIndexEnd - h.TypeIndexBegin)
}

// ReadTypeStreamHeader reads the header at r's position and leaves r at the
// first type record.
func ReadTypeStreamHeader(r stream.Reader) (*TypeStreamHeader, error) {
	var h TypeStreamHeader
	var err error

	if h.Version, err = r.ReadU32(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}
	if h.Version != TPIVersionV80 && h.Version != TPIVersionV70 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTypeVersion, h.Version)
	}

	u32s := []*uint32{&h.HeaderSize, (*uint32)(&h.TypeIndexBegin), (*uint32)(&h.TypeIndexEnd), &h.TypeRecordBytes}
	for _, field := range u32s {
		if *field, err = r.ReadU32(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
		}
	}
	if h.HeaderSize < TypeStreamHeaderSize || h.TypeIndexEnd < h.TypeIndexBegin {
		return nil, ErrInvalidTypeStreamHeader
	}

	if h.HashStreamIndex, err = r.ReadU16(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}
	if h.HashAuxStreamIndex, err = r.ReadU16(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}

	if h.HashKeySize, err = r.ReadU32(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}
	if h.NumHashBuckets, err = r.ReadU32(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}
	buffers := []struct {
		offset *int32
		length *uint32
	}{
		{&h.HashValueBufferOffset, &h.HashValueBufferLength},
		{&h.IndexOffsetBufferOffset, &h.IndexOffsetBufferLength},
		{&h.HashAdjBufferOffset, &h.HashAdjBufferLength},
	}
	for _, b := range buffers {
		if *b.offset, err = r.ReadI32(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
		}
		if *b.length, err = r.ReadU32(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
		}
	}

	// Newer writers may append fields; the records start at HeaderSize.
	if err := r.Skip(int64(h.HeaderSize) - TypeStreamHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTypeStreamHeader, err)
	}
	return &h, nil
}

// TypeRecord is the header of one type record.
type TypeRecord struct {
	Index  TypeIndex
	Offset int64 // position of the length field within the record area
	Length uint16
	Leaf   TypeLeafKind
}

// TypeStream gives access to the records of a TPI or IPI stream.
// It is safe for concurrent use.
type TypeStream struct {
	Header  *TypeStreamHeader
	records stream.Reader

	indexOnce sync.Once
	offsets   []int64
	indexErr  error
}

// NewTypeStream reads the stream header from r and scopes the record area
// to TypeRecordBytes.
func NewTypeStream(r stream.Reader) (*TypeStream, error) {
	h, err := ReadTypeStreamHeader(r)
	if err != nil {
		return nil, err
	}
	records, err := stream.NewSubReader(r, int64(h.TypeRecordBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %d record bytes: %w", ErrInvalidTypeStreamHeader, h.TypeRecordBytes, err)
	}
	return &TypeStream{Header: h, records: records}, nil
}

// TypeCount returns the number of type records.
func (ts *TypeStream) TypeCount() uint32 {
	return ts.Header.TypeCount()
}

func nextType(r stream.Reader, ti TypeIndex) (TypeRecord, *stream.SubReader, error) {
	rec := TypeRecord{Index: ti, Offset: r.Position()}

	length, err := r.ReadU16()
	if err != nil {
		return rec, nil, err
	}
	if length < 2 {
		return rec, nil, fmt.Errorf("%w: type 0x%x has length %d", ErrInvalidRecordLength, uint32(ti), length)
	}
	rec.Length = length

	leaf, err := r.ReadU16()
	if err != nil {
		return rec, nil, err
	}
	rec.Leaf = TypeLeafKind(leaf)

	payload, err := stream.NewSubReader(r, int64(length)-2)
	if err != nil {
		return rec, nil, fmt.Errorf("%w: type 0x%x claims %d bytes", ErrInvalidRecordLength, uint32(ti), length)
	}
	return rec, payload, nil
}

// Records walks the record area in index order. Each call starts from the
// first record and uses its own cursor. The error, if any, is reported
// through the callback's second value and ends iteration.
func (ts *TypeStream) Records() iter.Seq2[TypeRecord, error] {
	return func(yield func(TypeRecord, error) bool) {
		r := ts.records.Duplicate()
		if err := r.SetPosition(0); err != nil {
			yield(TypeRecord{}, err)
			return
		}
		for ti := ts.Header.TypeIndexBegin; ti < ts.Header.TypeIndexEnd && r.BytesRemaining() > 0; ti++ {
			rec, _, err := nextType(r, ti)
			if err != nil {
				yield(rec, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// buildIndex records the offset of every type record.
func (ts *TypeStream) buildIndex() {
	ts.offsets = make([]int64, 0, ts.TypeCount())
	for rec, err := range ts.Records() {
		if err != nil {
			ts.indexErr = err
			return
		}
		ts.offsets = append(ts.offsets, rec.Offset)
	}
}

// Lookup returns the header of type ti and a reader over its payload.
func (ts *TypeStream) Lookup(ti TypeIndex) (TypeRecord, *stream.SubReader, error) {
	if ti < ts.Header.TypeIndexBegin || ti >= ts.Header.TypeIndexEnd {
		return TypeRecord{}, nil, fmt.Errorf("%w: 0x%x", ErrTypeIndexOutOfRange, uint32(ti))
	}

	ts.indexOnce.Do(ts.buildIndex)
	if ts.indexErr != nil {
		return TypeRecord{}, nil, ts.indexErr
	}

	i := int(ti - ts.Header.TypeIndexBegin)
	if i >= len(ts.offsets) {
		return TypeRecord{}, nil, fmt.Errorf("%w: 0x%x past the last record", ErrTypeIndexOutOfRange, uint32(ti))
	}

	r := ts.records.Duplicate()
	if err := r.SetPosition(ts.offsets[i]); err != nil {
		return TypeRecord{}, nil, err
	}
	return nextType(r, ti)
}
