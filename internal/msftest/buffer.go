package msftest

import "encoding/binary"

// Buffer accumulates little-endian fixture bytes.
type Buffer struct {
	b []byte
}

func (b *Buffer) U8(v uint8) *Buffer {
	b.b = append(b.b, v)
	return b
}

func (b *Buffer) U16(v uint16) *Buffer {
	b.b = binary.LittleEndian.AppendUint16(b.b, v)
	return b
}

func (b *Buffer) U32(v uint32) *Buffer {
	b.b = binary.LittleEndian.AppendUint32(b.b, v)
	return b
}

func (b *Buffer) I32(v int32) *Buffer {
	return b.U32(uint32(v))
}

// Str appends s followed by a null terminator.
func (b *Buffer) Str(s string) *Buffer {
	b.b = append(b.b, s...)
	b.b = append(b.b, 0)
	return b
}

func (b *Buffer) Raw(p ...byte) *Buffer {
	b.b = append(b.b, p...)
	return b
}

// Align pads with zeros up to a multiple of n.
func (b *Buffer) Align(n int) *Buffer {
	for len(b.b)%n != 0 {
		b.b = append(b.b, 0)
	}
	return b
}

func (b *Buffer) Len() int {
	return len(b.b)
}

func (b *Buffer) Bytes() []byte {
	return b.b
}
