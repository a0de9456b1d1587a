package codeview

import (
	"fmt"
	"strconv"

	"github.com/skdltmxn/pdbstream/stream"
)

// NumericLeaf is the u16 tag that starts an encoded integer. Tags below
// LF_NUMERIC are the value itself.
type NumericLeaf uint16

// Numeric leaf tags (LF_*).
const (
	LF_NUMERIC    NumericLeaf = 0x8000
	LF_CHAR       NumericLeaf = 0x8000
	LF_SHORT      NumericLeaf = 0x8001
	LF_USHORT     NumericLeaf = 0x8002
	LF_LONG       NumericLeaf = 0x8003
	LF_ULONG      NumericLeaf = 0x8004
	LF_REAL32     NumericLeaf = 0x8005
	LF_REAL64     NumericLeaf = 0x8006
	LF_REAL80     NumericLeaf = 0x8007
	LF_REAL128    NumericLeaf = 0x8008
	LF_QUADWORD   NumericLeaf = 0x8009
	LF_UQUADWORD  NumericLeaf = 0x800a
	LF_REAL48     NumericLeaf = 0x800b
	LF_COMPLEX32  NumericLeaf = 0x800c
	LF_COMPLEX64  NumericLeaf = 0x800d
	LF_COMPLEX80  NumericLeaf = 0x800e
	LF_COMPLEX128 NumericLeaf = 0x800f
	LF_VARSTRING  NumericLeaf = 0x8010
	LF_OCTWORD    NumericLeaf = 0x8017
	LF_UOCTWORD   NumericLeaf = 0x8018
	LF_DECIMAL    NumericLeaf = 0x8019
	LF_DATE       NumericLeaf = 0x801a
	LF_UTF8STRING NumericLeaf = 0x801b
	LF_REAL16     NumericLeaf = 0x801c
)

// EncodedInteger is an integer stored in CodeView's variable-width form.
type EncodedInteger struct {
	// Leaf is the tag that was read. For literals it equals the value.
	Leaf NumericLeaf
	raw  uint64
}

// ReadEncodedInteger reads a u16 tag and, unless the tag is itself the
// value, exactly as many bytes as the tag's integer kind occupies.
// Floating point, string and 128-bit leaves are rejected.
func ReadEncodedInteger(r stream.Reader) (EncodedInteger, error) {
	tag, err := r.ReadU16()
	if err != nil {
		return EncodedInteger{}, err
	}

	leaf := NumericLeaf(tag)
	if leaf < LF_NUMERIC {
		return EncodedInteger{Leaf: leaf, raw: uint64(tag)}, nil
	}

	var raw uint64
	switch leaf {
	case LF_CHAR:
		v, err := r.ReadI8()
		if err != nil {
			return EncodedInteger{}, err
		}
		raw = uint64(int64(v))
	case LF_SHORT:
		v, err := r.ReadI16()
		if err != nil {
			return EncodedInteger{}, err
		}
		raw = uint64(int64(v))
	case LF_USHORT:
		v, err := r.ReadU16()
		if err != nil {
			return EncodedInteger{}, err
		}
		raw = uint64(v)
	case LF_LONG:
		v, err := r.ReadI32()
		if err != nil {
			return EncodedInteger{}, err
		}
		raw = uint64(int64(v))
	case LF_ULONG:
		v, err := r.ReadU32()
		if err != nil {
			return EncodedInteger{}, err
		}
		raw = uint64(v)
	case LF_QUADWORD, LF_UQUADWORD:
		if raw, err = r.ReadU64(); err != nil {
			return EncodedInteger{}, err
		}
	default:
		return EncodedInteger{}, fmt.Errorf("%w: leaf 0x%04x", ErrInvalidNumeric, tag)
	}
	return EncodedInteger{Leaf: leaf, raw: raw}, nil
}

// IsLiteral reports whether the value was stored in the tag itself.
func (e EncodedInteger) IsLiteral() bool {
	return e.Leaf < LF_NUMERIC
}

// IsSigned reports whether the value was stored as a signed integer.
func (e EncodedInteger) IsSigned() bool {
	switch e.Leaf {
	case LF_CHAR, LF_SHORT, LF_LONG, LF_QUADWORD:
		return true
	}
	return false
}

// Width returns the number of bytes that followed the tag.
func (e EncodedInteger) Width() int {
	switch e.Leaf {
	case LF_CHAR:
		return 1
	case LF_SHORT, LF_USHORT:
		return 2
	case LF_LONG, LF_ULONG:
		return 4
	case LF_QUADWORD, LF_UQUADWORD:
		return 8
	}
	return 0
}

// Uint64 returns the value as unsigned. Negative values wrap.
func (e EncodedInteger) Uint64() uint64 {
	return e.raw
}

// Int64 returns the value as signed. Unsigned quadwords above MaxInt64 wrap.
func (e EncodedInteger) Int64() int64 {
	return int64(e.raw)
}

func (e EncodedInteger) String() string {
	if e.IsSigned() {
		return strconv.FormatInt(e.Int64(), 10)
	}
	return strconv.FormatUint(e.raw, 10)
}
