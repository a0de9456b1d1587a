package codeview

import (
	"fmt"

	"github.com/skdltmxn/pdbstream/stream"
)

// TypeIndex references a record in the TPI or IPI stream. Values below
// FirstUserTypeIndex encode a built-in type directly.
type TypeIndex uint32

// FirstUserTypeIndex is the first index assigned to a type record.
const FirstUserTypeIndex TypeIndex = 0x1000

// ReadTypeIndex reads a 4-byte type index.
func ReadTypeIndex(r stream.Reader) (TypeIndex, error) {
	v, err := r.ReadU32()
	return TypeIndex(v), err
}

// IsSimpleType returns true if this is a built-in primitive type.
func (ti TypeIndex) IsSimpleType() bool {
	return ti < FirstUserTypeIndex
}

// SimpleKind extracts the simple type kind (bits 0-7).
func (ti TypeIndex) SimpleKind() SimpleTypeKind {
	return SimpleTypeKind(ti & 0xFF)
}

// SimpleMode extracts the simple type mode (bits 8-11).
func (ti TypeIndex) SimpleMode() SimpleTypeMode {
	return SimpleTypeMode((ti >> 8) & 0x0F)
}

func (ti TypeIndex) String() string {
	if !ti.IsSimpleType() {
		return fmt.Sprintf("0x%x", uint32(ti))
	}
	name := ti.SimpleKind().String()
	if ti.SimpleMode() != SimpleModeDirect {
		name += "*"
	}
	return name
}

// SimpleTypeKind identifies primitive types.
type SimpleTypeKind uint8

const (
	SimpleTypeNone          SimpleTypeKind = 0x00
	SimpleTypeVoid          SimpleTypeKind = 0x03
	SimpleTypeNotTranslated SimpleTypeKind = 0x07
	SimpleTypeHResult       SimpleTypeKind = 0x08
	SimpleTypeSignedChar    SimpleTypeKind = 0x10
	SimpleTypeUnsignedChar  SimpleTypeKind = 0x20
	SimpleTypeNarrowChar    SimpleTypeKind = 0x70
	SimpleTypeWideChar      SimpleTypeKind = 0x71
	SimpleTypeChar16        SimpleTypeKind = 0x7a
	SimpleTypeChar32        SimpleTypeKind = 0x7b
	SimpleTypeInt16Short    SimpleTypeKind = 0x11
	SimpleTypeUInt16Short   SimpleTypeKind = 0x21
	SimpleTypeInt16         SimpleTypeKind = 0x72
	SimpleTypeUInt16        SimpleTypeKind = 0x73
	SimpleTypeInt32Long     SimpleTypeKind = 0x12
	SimpleTypeUInt32Long    SimpleTypeKind = 0x22
	SimpleTypeInt32         SimpleTypeKind = 0x74
	SimpleTypeUInt32        SimpleTypeKind = 0x75
	SimpleTypeInt64Quad     SimpleTypeKind = 0x13
	SimpleTypeUInt64Quad    SimpleTypeKind = 0x23
	SimpleTypeInt64         SimpleTypeKind = 0x76
	SimpleTypeUInt64        SimpleTypeKind = 0x77
	SimpleTypeFloat32       SimpleTypeKind = 0x40
	SimpleTypeFloat64       SimpleTypeKind = 0x41
	SimpleTypeFloat80       SimpleTypeKind = 0x42
	SimpleTypeBool8         SimpleTypeKind = 0x30
	SimpleTypeBool32        SimpleTypeKind = 0x32
)

var simpleTypeNames = map[SimpleTypeKind]string{
	SimpleTypeNone:          "<none>",
	SimpleTypeVoid:          "void",
	SimpleTypeNotTranslated: "<not translated>",
	SimpleTypeHResult:       "HRESULT",
	SimpleTypeSignedChar:    "signed char",
	SimpleTypeUnsignedChar:  "unsigned char",
	SimpleTypeNarrowChar:    "char",
	SimpleTypeWideChar:      "wchar_t",
	SimpleTypeChar16:        "char16_t",
	SimpleTypeChar32:        "char32_t",
	SimpleTypeInt16Short:    "short",
	SimpleTypeUInt16Short:   "unsigned short",
	SimpleTypeInt16:         "int16_t",
	SimpleTypeUInt16:        "uint16_t",
	SimpleTypeInt32Long:     "long",
	SimpleTypeUInt32Long:    "unsigned long",
	SimpleTypeInt32:         "int",
	SimpleTypeUInt32:        "unsigned int",
	SimpleTypeInt64Quad:     "__int64",
	SimpleTypeUInt64Quad:    "unsigned __int64",
	SimpleTypeInt64:         "int64_t",
	SimpleTypeUInt64:        "uint64_t",
	SimpleTypeFloat32:       "float",
	SimpleTypeFloat64:       "double",
	SimpleTypeFloat80:       "long double",
	SimpleTypeBool8:         "bool",
	SimpleTypeBool32:        "BOOL",
}

func (k SimpleTypeKind) String() string {
	if name, ok := simpleTypeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("<simple 0x%02x>", uint8(k))
}

// SimpleTypeMode identifies pointer modes for simple types.
type SimpleTypeMode uint8

const (
	SimpleModeDirect         SimpleTypeMode = 0x00
	SimpleModeNearPointer    SimpleTypeMode = 0x01
	SimpleModeFarPointer     SimpleTypeMode = 0x02
	SimpleModeHugePointer    SimpleTypeMode = 0x03
	SimpleModeNearPointer32  SimpleTypeMode = 0x04
	SimpleModeFarPointer32   SimpleTypeMode = 0x05
	SimpleModeNearPointer64  SimpleTypeMode = 0x06
	SimpleModeNearPointer128 SimpleTypeMode = 0x07
)
