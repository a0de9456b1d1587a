// Package gsi reads the global and public symbol hash streams, which index
// the records of the symbol record stream by name and by address.
package gsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/skdltmxn/pdbstream/stream"
)

const (
	// NumBuckets is the number of name hash buckets.
	NumBuckets = 4096

	VersionSignature uint32 = 0xffffffff
	VersionV70       uint32 = 0xeffe0000 + 19990810

	hashRecordSize = 8
	// bucket entries are offsets into an in-memory array of 12-byte records
	bucketEntrySize = 12
	bitmapWords     = (NumBuckets + 1 + 31) / 32

	emptySlot = math.MaxUint32

	// PublicsHeaderSize is the size of the header in front of a publics hash.
	PublicsHeaderSize = 28
)

var (
	ErrInvalidHeader = errors.New("gsi: invalid hash header")
	ErrInvalidBucket = errors.New("gsi: invalid hash bucket")
)

// HashRecord refers to one record in the symbol record stream.
type HashRecord struct {
	Offset uint32 // offset of the record in the symbol record stream
	CRef   uint32
}

// Table is a name hash over symbol records.
type Table struct {
	Records []HashRecord
	// starts holds, per bucket, the index of its first record, or -1.
	starts []int32
}

// ReadTable reads a hash table from r's current position.
func ReadTable(r stream.Reader) (*Table, error) {
	var sig, ver, hrSize, bucketSize uint32
	for _, p := range []*uint32{&sig, &ver, &hrSize, &bucketSize} {
		v, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
		}
		*p = v
	}
	if sig != VersionSignature || ver != VersionV70 {
		return nil, fmt.Errorf("%w: signature 0x%08x version 0x%08x", ErrInvalidHeader, sig, ver)
	}
	if hrSize%hashRecordSize != 0 {
		return nil, fmt.Errorf("%w: record size %d", ErrInvalidHeader, hrSize)
	}

	n, err := stream.CheckedLength(uint64(hrSize / hashRecordSize))
	if err != nil {
		return nil, err
	}
	if int64(hrSize) > r.BytesRemaining() {
		return nil, fmt.Errorf("%w: %d hash records", stream.ErrUnexpectedEOF, n)
	}

	t := &Table{Records: make([]HashRecord, 0, n), starts: make([]int32, NumBuckets)}
	for range n {
		off, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		cref, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		// offsets are stored biased by one; zero marks an empty slot
		t.Records = append(t.Records, HashRecord{Offset: off - 1, CRef: cref})
	}
	for i := range t.starts {
		t.starts[i] = -1
	}
	if bucketSize == 0 {
		return t, nil
	}

	bitmap, err := r.ReadBytes(bitmapWords * 4)
	if err != nil {
		return nil, fmt.Errorf("%w: bitmap: %w", ErrInvalidBucket, err)
	}
	for i := range NumBuckets {
		word := binary.LittleEndian.Uint32(bitmap[i/32*4:])
		if word&(1<<(i%32)) == 0 {
			continue
		}
		v, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: bucket %d: %w", ErrInvalidBucket, i, err)
		}
		start := v / bucketEntrySize
		if v%bucketEntrySize != 0 || start >= uint32(len(t.Records)) {
			return nil, fmt.Errorf("%w: bucket %d starts at 0x%x", ErrInvalidBucket, i, v)
		}
		t.starts[i] = int32(start)
	}
	return t, nil
}

// Lookup returns the records hashed into name's bucket. The caller compares
// the names of the records it refers to.
func (t *Table) Lookup(name string) []HashRecord {
	b := Hash(name) % NumBuckets
	start := t.starts[b]
	if start < 0 {
		return nil
	}
	end := int32(len(t.Records))
	for _, next := range t.starts[b+1:] {
		if next >= 0 {
			end = next
			break
		}
	}
	if end < start {
		return nil
	}
	return slices.DeleteFunc(slices.Clone(t.Records[start:end]), func(hr HashRecord) bool {
		return hr.Offset == emptySlot
	})
}

// Hash is the case-insensitive name hash that selects a bucket.
func Hash(name string) uint32 {
	var h uint32
	b := []byte(name)
	for len(b) >= 4 {
		h ^= binary.LittleEndian.Uint32(b)
		b = b[4:]
	}
	if len(b) >= 2 {
		h ^= uint32(binary.LittleEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		h ^= uint32(b[0])
	}

	h |= 0x20202020
	h ^= h >> 11
	return h ^ (h >> 16)
}

// PublicsHeader precedes the name hash in the publics stream.
type PublicsHeader struct {
	SymHash         uint32 // size of the name hash
	AddrMap         uint32 // size of the address map
	NumThunks       uint32
	SizeOfThunk     uint32
	ISectThunkTable uint16
	OffThunkTable   uint32
	NumSections     uint32
}

// Publics is the public symbol index: a name hash plus an address map.
type Publics struct {
	Header PublicsHeader
	*Table
	// AddrMap lists symbol record offsets sorted by section and offset.
	AddrMap []uint32
}

// ReadPublics reads a publics stream from r's current position.
func ReadPublics(r stream.Reader) (*Publics, error) {
	p := &Publics{}
	h := &p.Header
	var pad uint16
	var err error
	read32 := func(v *uint32) {
		if err == nil {
			*v, err = r.ReadU32()
		}
	}
	read16 := func(v *uint16) {
		if err == nil {
			*v, err = r.ReadU16()
		}
	}
	read32(&h.SymHash)
	read32(&h.AddrMap)
	read32(&h.NumThunks)
	read32(&h.SizeOfThunk)
	read16(&h.ISectThunkTable)
	read16(&pad)
	read32(&h.OffThunkTable)
	read32(&h.NumSections)
	if err != nil {
		return nil, fmt.Errorf("%w: publics: %w", ErrInvalidHeader, err)
	}

	size, err := stream.CheckedLength(uint64(h.SymHash))
	if err != nil {
		return nil, err
	}
	hash, err := stream.NewSubReader(r, int64(size))
	if err != nil {
		return nil, fmt.Errorf("%w: name hash of %d bytes", err, size)
	}
	if p.Table, err = ReadTable(hash); err != nil {
		return nil, err
	}

	if h.AddrMap%4 != 0 || int64(h.AddrMap) > r.BytesRemaining() {
		return nil, fmt.Errorf("%w: address map of %d bytes", ErrInvalidHeader, h.AddrMap)
	}
	p.AddrMap = make([]uint32, h.AddrMap/4)
	for i := range p.AddrMap {
		if p.AddrMap[i], err = r.ReadU32(); err != nil {
			return nil, err
		}
	}
	return p, nil
}
