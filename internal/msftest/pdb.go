package msftest

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"maps"
	"slices"
)

// Fixed stream indices used by PDB.
const (
	StreamInfo       = 1
	StreamTPI        = 2
	StreamDBI        = 3
	StreamIPI        = 4
	StreamGlobals    = 5
	StreamPublics    = 6
	StreamSymRecords = 7
	StreamSections   = 8
	firstModule      = 9
)

const (
	kindPub32 = 0x110e

	hashBuckets = 4096
	gsiVerHdr   = 0xeffe0000 + 19990810
	scVer60     = 0xeffe0000 + 19970605
	tpiV80      = 20040203
)

// Module is one compiland of a synthetic PDB.
type Module struct {
	Name    string
	ObjName string
	Section uint16
	Offset  int32
	Size    int32

	// Symbols are complete records (length, kind, payload). A module without
	// symbols and without a Stream gets no module stream.
	Symbols [][]byte
	// Stream, if set, replaces the generated module stream.
	Stream []byte
	Files  []string
}

// Symbol is a record of the shared symbol record stream. Records with a
// Name are entered into the name hash of the publics (S_PUB32) or the
// globals (everything else).
type Symbol struct {
	Record []byte
	Name   string
}

// Section is a PE section header.
type Section struct {
	Name           string
	VirtualSize    uint32
	VirtualAddress uint32
}

// PDB describes a synthetic PDB file.
type PDB struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
	Machine   uint16

	Modules  []Module
	Symbols  []Symbol
	Sections []Section
	// Types are complete TPI records (length, leaf, payload).
	Types [][]byte

	// Named streams are appended after the module streams.
	Named map[string][]byte

	// Hash is the name hash used to fill the GSI buckets.
	Hash func(string) uint32
}

// Streams returns the PDB's streams, ready for Build.
func (p *PDB) Streams() [][]byte {
	streams := make([][]byte, firstModule, firstModule+len(p.Modules)+len(p.Named))
	streams[0] = []byte{}

	modIndex := make([]uint16, len(p.Modules))
	for i, m := range p.Modules {
		data := m.Stream
		if data == nil && len(m.Symbols) > 0 {
			data = ModuleStream(m.Symbols)
		}
		if data == nil {
			modIndex[i] = 0xffff
			continue
		}
		modIndex[i] = uint16(len(streams))
		streams = append(streams, data)
	}

	names := slices.Sorted(maps.Keys(p.Named))
	named := make(map[string]uint32, len(names))
	for _, name := range names {
		named[name] = uint32(len(streams))
		streams = append(streams, p.Named[name])
	}

	records, pubs, globals := p.symbolRecords()

	streams[StreamInfo] = p.infoStream(names, named)
	streams[StreamTPI] = TypeStream(p.Types)
	streams[StreamDBI] = p.dbiStream(modIndex)
	streams[StreamIPI] = TypeStream(nil)
	streams[StreamGlobals] = GSI(globals, p.Hash)
	streams[StreamPublics] = p.psi(pubs)
	streams[StreamSymRecords] = records
	streams[StreamSections] = p.sectionStream()
	return streams
}

// ModuleStream returns a module stream holding records, followed by a few
// bytes of line information that must not be read as symbols.
func ModuleStream(records [][]byte) []byte {
	b := &Buffer{}
	b.U32(4)
	for _, r := range records {
		b.Raw(r...)
	}
	b.Raw(0xf4, 0, 0, 0, 8, 0, 0, 0) // C13 lines
	b.U32(0)                         // global refs
	return b.Bytes()
}

func moduleSymBytes(m Module) uint32 {
	n := 4
	for _, r := range m.Symbols {
		n += len(r)
	}
	return uint32(n)
}

// HashEntry is a symbol reference to be placed in a GSI hash.
type HashEntry struct {
	Name   string
	Offset uint32 // offset of the record in the symbol record stream
}

type publicEntry struct {
	HashEntry
	segment uint16
	offset  uint32
}

func (p *PDB) symbolRecords() ([]byte, []publicEntry, []HashEntry) {
	b := &Buffer{}
	var pubs []publicEntry
	var globals []HashEntry
	for _, s := range p.Symbols {
		off := uint32(b.Len())
		b.Raw(s.Record...)
		if s.Name == "" {
			continue
		}
		e := HashEntry{Name: s.Name, Offset: off}
		if binary.LittleEndian.Uint16(s.Record[2:]) == kindPub32 {
			pubs = append(pubs, publicEntry{
				HashEntry: e,
				offset:    binary.LittleEndian.Uint32(s.Record[8:]),
				segment:   binary.LittleEndian.Uint16(s.Record[12:]),
			})
			continue
		}
		globals = append(globals, e)
	}
	return b.Bytes(), pubs, globals
}

// GSI returns a global symbol hash over entries.
func GSI(entries []HashEntry, hash func(string) uint32) []byte {
	buckets := make([][]HashEntry, hashBuckets)
	for _, e := range entries {
		h := hash(e.Name) % hashBuckets
		buckets[h] = append(buckets[h], e)
	}

	records := &Buffer{}
	var bitmap [(hashBuckets + 1 + 31) / 32]uint32
	starts := &Buffer{}
	n := 0
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		bitmap[i/32] |= 1 << (i % 32)
		starts.U32(uint32(n * 12))
		for _, e := range bucket {
			records.U32(e.Offset + 1).U32(1)
			n++
		}
	}

	b := &Buffer{}
	b.U32(0xffffffff).U32(gsiVerHdr)
	b.U32(uint32(records.Len()))
	b.U32(uint32(len(bitmap)*4 + starts.Len()))
	b.Raw(records.Bytes()...)
	for _, w := range bitmap {
		b.U32(w)
	}
	b.Raw(starts.Bytes()...)
	return b.Bytes()
}

func (p *PDB) psi(pubs []publicEntry) []byte {
	entries := make([]HashEntry, len(pubs))
	for i, e := range pubs {
		entries[i] = e.HashEntry
	}
	hash := GSI(entries, p.Hash)

	sorted := slices.Clone(pubs)
	slices.SortStableFunc(sorted, func(a, b publicEntry) int {
		if a.segment != b.segment {
			return int(a.segment) - int(b.segment)
		}
		return cmp.Compare(a.offset, b.offset)
	})

	b := &Buffer{}
	b.U32(uint32(len(hash)))
	b.U32(uint32(4 * len(sorted)))
	b.U32(0).U32(0).U16(0).U16(0).U32(0)
	b.U32(uint32(len(p.Sections)))
	b.Raw(hash...)
	for _, e := range sorted {
		b.U32(e.Offset)
	}
	return b.Bytes()
}

func (p *PDB) infoStream(names []string, named map[string]uint32) []byte {
	strs := &Buffer{}
	offsets := make([]uint32, len(names))
	for i, name := range names {
		offsets[i] = uint32(strs.Len())
		strs.Str(name)
	}

	b := &Buffer{}
	b.U32(p.Version).U32(p.Signature).U32(p.Age).Raw(p.GUID[:]...)
	b.U32(uint32(strs.Len())).Raw(strs.Bytes()...)

	// hash table with every entry in the low slots
	capacity := max(1, 2*len(names))
	words := make([]uint32, (capacity+31)/32)
	for i := range names {
		words[i/32] |= 1 << (i % 32)
	}
	b.U32(uint32(len(names))).U32(uint32(capacity))
	b.U32(uint32(len(words)))
	for _, w := range words {
		b.U32(w)
	}
	b.U32(0) // deleted
	for i, name := range names {
		b.U32(offsets[i]).U32(named[name])
	}
	b.U32(20140508) // VC140 feature
	return b.Bytes()
}

// TypeStream returns a TPI stream holding records.
func TypeStream(records [][]byte) []byte {
	body := bytes.Join(records, nil)
	b := &Buffer{}
	b.U32(tpiV80).U32(56).U32(0x1000).U32(0x1000 + uint32(len(records))).U32(uint32(len(body)))
	b.U16(0xffff).U16(0xffff).U32(4).U32(0x3ffff)
	for range 3 {
		b.U32(0).U32(0)
	}
	b.Raw(body...)
	return b.Bytes()
}

func (p *PDB) dbiStream(modIndex []uint16) []byte {
	mods := &Buffer{}
	for i, m := range p.Modules {
		mods.U32(0)
		contribution(mods, m, i)
		symBytes := uint32(0)
		if modIndex[i] != 0xffff {
			symBytes = moduleSymBytes(m)
			if m.Stream != nil {
				symBytes = uint32(len(m.Stream))
			}
		}
		mods.U16(0x01).U16(modIndex[i])
		mods.U32(symBytes).U32(0)
		if symBytes > 0 && m.Stream == nil {
			mods.U32(8)
		} else {
			mods.U32(0)
		}
		mods.U16(uint16(len(m.Files))).U16(0).U32(0).U32(0).U32(0)
		mods.Str(m.Name).Str(m.ObjName)
		mods.Align(4)
	}

	contribs := &Buffer{}
	contribs.U32(scVer60)
	// written in reverse so readers must sort
	for i := len(p.Modules) - 1; i >= 0; i-- {
		contribution(contribs, p.Modules[i], i)
	}

	sectionMap := &Buffer{}
	sectionMap.U16(uint16(len(p.Sections))).U16(uint16(len(p.Sections)))
	for i, s := range p.Sections {
		sectionMap.U16(0x010d).U16(0).U16(0).U16(uint16(i + 1)).U16(0xffff).U16(0xffff).U32(0).U32(s.VirtualSize)
	}

	files := &Buffer{}
	names := &Buffer{}
	files.U16(uint16(len(p.Modules)))
	total := 0
	for _, m := range p.Modules {
		total += len(m.Files)
	}
	files.U16(uint16(total))
	start := 0
	for _, m := range p.Modules {
		files.U16(uint16(start))
		start += len(m.Files)
	}
	for _, m := range p.Modules {
		files.U16(uint16(len(m.Files)))
	}
	for _, m := range p.Modules {
		for _, f := range m.Files {
			files.U32(uint32(names.Len()))
			names.Str(f)
		}
	}
	files.Raw(names.Bytes()...).Align(4)

	dbg := &Buffer{}
	for i := range 11 {
		if i == 5 {
			dbg.U16(StreamSections)
			continue
		}
		dbg.U16(0xffff)
	}

	b := &Buffer{}
	b.I32(-1).U32(19990903).U32(p.Age)
	b.U16(StreamGlobals).U16(0x8e00).U16(StreamPublics).U16(0).U16(StreamSymRecords).U16(0)
	b.U32(uint32(mods.Len()))
	b.U32(uint32(contribs.Len()))
	b.U32(uint32(sectionMap.Len()))
	b.U32(uint32(files.Len()))
	b.U32(0).U32(0)
	b.U32(uint32(dbg.Len()))
	b.U32(0)
	b.U16(0).U16(p.Machine).U32(0)
	b.Raw(mods.Bytes()...)
	b.Raw(contribs.Bytes()...)
	b.Raw(sectionMap.Bytes()...)
	b.Raw(files.Bytes()...)
	b.Raw(dbg.Bytes()...)
	return b.Bytes()
}

func contribution(b *Buffer, m Module, index int) {
	b.U16(m.Section).U16(0).I32(m.Offset).I32(m.Size)
	b.U32(0x60000020).U16(uint16(index)).U16(0).U32(0).U32(0)
}

func (p *PDB) sectionStream() []byte {
	b := &Buffer{}
	for _, s := range p.Sections {
		var name [8]byte
		copy(name[:], s.Name)
		b.Raw(name[:]...)
		b.U32(s.VirtualSize).U32(s.VirtualAddress)
		b.U32(0).U32(0).U32(0).U32(0).U16(0).U16(0)
		b.U32(0x60000020)
	}
	return b.Bytes()
}
