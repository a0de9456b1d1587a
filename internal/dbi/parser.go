// Package dbi parses the DBI (Debug Information) stream.
package dbi

import (
	"errors"
	"fmt"
	"slices"

	"github.com/skdltmxn/pdbstream/stream"
)

// DBI stream version constants
const (
	DBIVersionV41  uint32 = 930803
	DBIVersionV50  uint32 = 19960307
	DBIVersionV60  uint32 = 19970606
	DBIVersionV70  uint32 = 19990903
	DBIVersionV110 uint32 = 20091201
)

// HeaderSize is the size of the fixed DBI header.
const HeaderSize = 64

// Machine types
const (
	MachineUnknown uint16 = 0x0000
	MachineI386    uint16 = 0x014c
	MachineAMD64   uint16 = 0x8664
	MachineARM     uint16 = 0x01c0
	MachineARM64   uint16 = 0xaa64
	MachineARMNT   uint16 = 0x01c4
	MachineIA64    uint16 = 0x0200
)

// InvalidStreamIndex marks an absent stream.
const InvalidStreamIndex uint16 = 0xFFFF

// Section contribution substream versions
const (
	SectionContribVer60 uint32 = 0xeffe0000 + 19970605
	SectionContribVer2  uint32 = 0xeffe0000 + 20140516
)

var (
	ErrInvalidHeader      = errors.New("dbi: invalid DBI header")
	ErrUnsupportedVersion = errors.New("dbi: unsupported section contribution version")
	ErrTruncatedStream    = errors.New("dbi: truncated stream")
	ErrModuleOutOfRange   = errors.New("dbi: module index out of range")
)

// Header is the fixed part at the start of the DBI stream.
type Header struct {
	VersionSignature int32 // always -1
	VersionHeader    uint32
	Age              uint32

	GlobalStreamIndex    uint16
	BuildNumber          uint16
	PublicStreamIndex    uint16
	PDBDllVersion        uint16
	SymRecordStreamIndex uint16
	PDBDllRbld           uint16

	// Substream sizes in bytes
	ModInfoSize             uint32
	SectionContributionSize uint32
	SectionMapSize          uint32
	SourceInfoSize          uint32
	TypeServerMapSize       uint32
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   uint32
	ECSubstreamSize         uint32

	Flags   uint16
	Machine uint16
	Padding uint32
}

// BuildMajorVersion returns the toolchain major version.
func (h *Header) BuildMajorVersion() uint16 {
	return (h.BuildNumber >> 8) & 0x7F
}

func (h *Header) BuildMinorVersion() uint16 {
	return h.BuildNumber & 0xFF
}

func (h *Header) IsIncrementallyLinked() bool {
	return h.Flags&0x01 != 0
}

// IsStripped reports whether private symbols were removed.
func (h *Header) IsStripped() bool {
	return h.Flags&0x02 != 0
}

func (h *Header) HasConflictingTypes() bool {
	return h.Flags&0x04 != 0
}

// Stream is a parsed DBI stream.
type Stream struct {
	Header Header

	Modules              []ModuleInfo
	SectionContributions []SectionContribution
	SectionMap           *SectionMap
	SourceFiles          []SourceFileInfo

	// OptionalDbgStreams is nil when the stream has no optional debug header.
	OptionalDbgStreams *OptionalDbgHeader
}

// ModuleInfo describes one compilation unit.
type ModuleInfo struct {
	Opened               uint32
	Section              SectionContribution
	Flags                ModuleFlags
	ModuleSymStreamIndex uint16
	SymByteSize          uint32
	C11ByteSize          uint32
	C13ByteSize          uint32
	SourceFileCount      uint16
	SourceFileNameIndex  uint32
	PDBFilePathNameIndex uint32
	ModuleName           string
	ObjFileName          string
}

// HasSymbols reports whether the module has a symbol stream.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStreamIndex != InvalidStreamIndex && m.SymByteSize > 4
}

// ModuleFlags is the flags word of a module descriptor.
type ModuleFlags uint16

func (f ModuleFlags) Written() bool   { return f&0x01 != 0 }
func (f ModuleFlags) ECEnabled() bool { return f&0x02 != 0 }

// TypeServerIndex returns the type server the module's types came from.
func (f ModuleFlags) TypeServerIndex() uint8 { return uint8(f >> 8) }

// SectionContribution describes a module's contribution to a PE section.
type SectionContribution struct {
	Section         uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	DataCrc         uint32
	RelocCrc        uint32
	ISectCoff       uint32 // only in SectionContribVer2
}

// Contains reports whether section:offset lies inside the contribution.
func (sc *SectionContribution) Contains(section uint16, offset uint32) bool {
	if sc.Section != section || sc.Offset < 0 || sc.Size <= 0 {
		return false
	}
	start := uint64(sc.Offset)
	return uint64(offset) >= start && uint64(offset) < start+uint64(sc.Size)
}

// SectionMap describes the logical segments of the image.
type SectionMap struct {
	Count    uint16
	LogCount uint16
	Entries  []SectionMapEntry
}

type SectionMapEntry struct {
	Flags         uint16
	Ovl           uint16
	Group         uint16
	Frame         uint16
	SectionName   uint16
	ClassName     uint16
	Offset        uint32
	SectionLength uint32
}

// SourceFileInfo lists the source files that contributed to a module.
type SourceFileInfo struct {
	ModuleIndex uint16
	Names       []string
}

// OptionalDbgHeader holds stream indices for additional debug data.
type OptionalDbgHeader struct {
	FPOStreamIndex            uint16
	ExceptionStreamIndex      uint16
	FixupStreamIndex          uint16
	OmapToSrcStreamIndex      uint16
	OmapFromSrcStreamIndex    uint16
	SectionHdrStreamIndex     uint16
	TokenRidMapStreamIndex    uint16
	XDataStreamIndex          uint16
	PDataStreamIndex          uint16
	NewFPOStreamIndex         uint16
	SectionHdrOrigStreamIndex uint16
}

// fields reads a run of fixed-width values and remembers the first error.
type fields struct {
	r   stream.Reader
	err error
}

func (f *fields) u16(p *uint16) {
	if f.err == nil {
		*p, f.err = f.r.ReadU16()
	}
}

func (f *fields) u32(p *uint32) {
	if f.err == nil {
		*p, f.err = f.r.ReadU32()
	}
}

func (f *fields) i32(p *int32) {
	if f.err == nil {
		*p, f.err = f.r.ReadI32()
	}
}

func (f *fields) cstring(p *string) {
	if f.err == nil {
		*p, f.err = f.r.ReadCString()
	}
}

func (f *fields) skip(n int64) {
	if f.err == nil {
		f.err = f.r.Skip(n)
	}
}

// Parse reads a DBI stream starting at r's current position.
func Parse(r stream.Reader) (*Stream, error) {
	s := &Stream{}
	if err := s.parseHeader(r); err != nil {
		return nil, err
	}

	substreams := []struct {
		name  string
		size  uint32
		parse func(*stream.SubReader) error
	}{
		{"module info", s.Header.ModInfoSize, s.parseModuleInfo},
		{"section contributions", s.Header.SectionContributionSize, s.parseSectionContributions},
		{"section map", s.Header.SectionMapSize, s.parseSectionMap},
		{"source info", s.Header.SourceInfoSize, s.parseSourceInfo},
		{"type server map", s.Header.TypeServerMapSize, nil},
		{"EC", s.Header.ECSubstreamSize, nil},
		{"optional debug header", s.Header.OptionalDbgHeaderSize, s.parseOptionalDbgHeader},
	}

	for _, sub := range substreams {
		size, err := stream.CheckedLength(uint64(sub.size))
		if err != nil {
			return nil, fmt.Errorf("dbi: %s size: %w", sub.name, err)
		}
		window, err := stream.NewSubReader(r, int64(size))
		if err != nil {
			return nil, fmt.Errorf("%w: %s substream needs %d bytes", ErrTruncatedStream, sub.name, size)
		}
		if sub.parse == nil || size == 0 {
			continue
		}
		if err := sub.parse(window); err != nil {
			return nil, fmt.Errorf("dbi: failed to parse %s: %w", sub.name, err)
		}
	}

	return s, nil
}

func (s *Stream) parseHeader(r stream.Reader) error {
	h := &s.Header
	f := fields{r: r}

	f.i32(&h.VersionSignature)
	f.u32(&h.VersionHeader)
	f.u32(&h.Age)
	f.u16(&h.GlobalStreamIndex)
	f.u16(&h.BuildNumber)
	f.u16(&h.PublicStreamIndex)
	f.u16(&h.PDBDllVersion)
	f.u16(&h.SymRecordStreamIndex)
	f.u16(&h.PDBDllRbld)
	f.u32(&h.ModInfoSize)
	f.u32(&h.SectionContributionSize)
	f.u32(&h.SectionMapSize)
	f.u32(&h.SourceInfoSize)
	f.u32(&h.TypeServerMapSize)
	f.u32(&h.MFCTypeServerIndex)
	f.u32(&h.OptionalDbgHeaderSize)
	f.u32(&h.ECSubstreamSize)
	f.u16(&h.Flags)
	f.u16(&h.Machine)
	f.u32(&h.Padding)

	if f.err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, f.err)
	}
	if h.VersionSignature != -1 {
		return fmt.Errorf("%w: version signature %d", ErrInvalidHeader, h.VersionSignature)
	}
	return nil
}

func readContribution(f *fields, sc *SectionContribution) {
	f.u16(&sc.Section)
	f.skip(2)
	f.i32(&sc.Offset)
	f.i32(&sc.Size)
	f.u32(&sc.Characteristics)
	f.u16(&sc.ModuleIndex)
	f.skip(2)
	f.u32(&sc.DataCrc)
	f.u32(&sc.RelocCrc)
}

func (s *Stream) parseModuleInfo(r *stream.SubReader) error {
	for r.BytesRemaining() > 0 {
		var mod ModuleInfo
		f := fields{r: r}
		var flags uint16

		f.u32(&mod.Opened)
		readContribution(&f, &mod.Section)
		f.u16(&flags)
		f.u16(&mod.ModuleSymStreamIndex)
		f.u32(&mod.SymByteSize)
		f.u32(&mod.C11ByteSize)
		f.u32(&mod.C13ByteSize)
		f.u16(&mod.SourceFileCount)
		f.skip(2 + 4) // padding, unused
		f.u32(&mod.SourceFileNameIndex)
		f.u32(&mod.PDBFilePathNameIndex)
		f.cstring(&mod.ModuleName)
		f.cstring(&mod.ObjFileName)
		if f.err != nil {
			return fmt.Errorf("module %d: %w", len(s.Modules), f.err)
		}
		mod.Flags = ModuleFlags(flags)

		// the last entry may end without padding
		if r.BytesRemaining() > 0 {
			if err := stream.Align(r, 4); err != nil {
				return err
			}
		}

		s.Modules = append(s.Modules, mod)
	}
	return nil
}

func (s *Stream) parseSectionContributions(r *stream.SubReader) error {
	version, err := r.ReadU32()
	if err != nil {
		return err
	}
	if version != SectionContribVer60 && version != SectionContribVer2 {
		return fmt.Errorf("%w: 0x%08x", ErrUnsupportedVersion, version)
	}

	for r.BytesRemaining() > 0 {
		var sc SectionContribution
		f := fields{r: r}
		readContribution(&f, &sc)
		if version == SectionContribVer2 {
			f.u32(&sc.ISectCoff)
		}
		if f.err != nil {
			return fmt.Errorf("contribution %d: %w", len(s.SectionContributions), f.err)
		}
		s.SectionContributions = append(s.SectionContributions, sc)
	}

	slices.SortStableFunc(s.SectionContributions, compareContributions)
	return nil
}

func compareContributions(a, b SectionContribution) int {
	if a.Section != b.Section {
		return int(a.Section) - int(b.Section)
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

func (s *Stream) parseSectionMap(r *stream.SubReader) error {
	sm := &SectionMap{}
	f := fields{r: r}
	f.u16(&sm.Count)
	f.u16(&sm.LogCount)
	if f.err != nil {
		return f.err
	}

	sm.Entries = make([]SectionMapEntry, sm.Count)
	for i := range sm.Entries {
		e := &sm.Entries[i]
		f.u16(&e.Flags)
		f.u16(&e.Ovl)
		f.u16(&e.Group)
		f.u16(&e.Frame)
		f.u16(&e.SectionName)
		f.u16(&e.ClassName)
		f.u32(&e.Offset)
		f.u32(&e.SectionLength)
	}
	if f.err != nil {
		return f.err
	}

	s.SectionMap = sm
	return nil
}

// parseSourceInfo reads the file info substream: per-module file counts,
// then one name offset per file into a trailing string buffer.
func (s *Stream) parseSourceInfo(r *stream.SubReader) error {
	var numModules, ignored uint16
	f := fields{r: r}
	f.u16(&numModules)
	f.u16(&ignored) // the 16-bit file count overflows; it is recomputed
	f.skip(2 * int64(numModules))

	counts := make([]uint16, numModules)
	total := 0
	for i := range counts {
		f.u16(&counts[i])
		total += int(counts[i])
	}
	offsets := make([]uint32, total)
	for i := range offsets {
		f.u32(&offsets[i])
	}
	if f.err != nil {
		return f.err
	}

	names, err := stream.NewSubReaderRest(r)
	if err != nil {
		return err
	}

	next := 0
	s.SourceFiles = make([]SourceFileInfo, numModules)
	for i, n := range counts {
		info := SourceFileInfo{ModuleIndex: uint16(i), Names: make([]string, n)}
		for j := range info.Names {
			if err := names.SetPosition(int64(offsets[next])); err != nil {
				return fmt.Errorf("file name offset 0x%x: %w", offsets[next], err)
			}
			if info.Names[j], err = names.ReadCString(); err != nil {
				return err
			}
			next++
		}
		s.SourceFiles[i] = info
	}
	return nil
}

func (s *Stream) parseOptionalDbgHeader(r *stream.SubReader) error {
	h := &OptionalDbgHeader{}
	indices := []*uint16{
		&h.FPOStreamIndex,
		&h.ExceptionStreamIndex,
		&h.FixupStreamIndex,
		&h.OmapToSrcStreamIndex,
		&h.OmapFromSrcStreamIndex,
		&h.SectionHdrStreamIndex,
		&h.TokenRidMapStreamIndex,
		&h.XDataStreamIndex,
		&h.PDataStreamIndex,
		&h.NewFPOStreamIndex,
		&h.SectionHdrOrigStreamIndex,
	}

	// Older writers emit fewer entries; the rest stay absent.
	for _, p := range indices {
		*p = InvalidStreamIndex
		if r.BytesRemaining() < 2 {
			continue
		}
		v, err := r.ReadU16()
		if err != nil {
			return err
		}
		*p = v
	}

	s.OptionalDbgStreams = h
	return nil
}

// ModuleCount returns the number of modules.
func (s *Stream) ModuleCount() int {
	return len(s.Modules)
}

// GetModule returns module info by index.
func (s *Stream) GetModule(index int) (*ModuleInfo, error) {
	if index < 0 || index >= len(s.Modules) {
		return nil, fmt.Errorf("%w: %d", ErrModuleOutOfRange, index)
	}
	return &s.Modules[index], nil
}

// ContributionAt returns the section contribution covering section:offset.
func (s *Stream) ContributionAt(section uint16, offset uint32) (*SectionContribution, bool) {
	// first contribution that starts after offset
	i, _ := slices.BinarySearchFunc(s.SectionContributions, SectionContribution{Section: section, Offset: int32(min(offset, 1<<31-1))}, compareContributions)
	for i < len(s.SectionContributions) && s.SectionContributions[i].Section == section && uint32(s.SectionContributions[i].Offset) <= offset {
		i++
	}
	if i == 0 {
		return nil, false
	}
	sc := &s.SectionContributions[i-1]
	if !sc.Contains(section, offset) {
		return nil, false
	}
	return sc, true
}
