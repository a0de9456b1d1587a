package pdb

import (
	"bytes"
	"fmt"

	"github.com/skdltmxn/pdbstream/stream"
)

// SectionHeader represents a PE section header.
// This matches the IMAGE_SECTION_HEADER structure.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32 // RVA of the section
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NameString returns the section name as a string.
func (s *SectionHeader) NameString() string {
	if n := bytes.IndexByte(s.Name[:], 0); n >= 0 {
		return string(s.Name[:n])
	}
	return string(s.Name[:])
}

// SectionHeaders provides access to PE section headers stored in PDB.
type SectionHeaders struct {
	sections []SectionHeader
}

// Count returns the number of sections.
func (sh *SectionHeaders) Count() int {
	return len(sh.sections)
}

// Get returns the section header at the given index (0-based).
func (sh *SectionHeaders) Get(index int) (*SectionHeader, error) {
	if index < 0 || index >= len(sh.sections) {
		return nil, fmt.Errorf("pdb: section index out of range: %d", index)
	}
	return &sh.sections[index], nil
}

// All returns all section headers.
func (sh *SectionHeaders) All() []SectionHeader {
	return sh.sections
}

// ToRVA converts a section:offset pair to an RVA (Relative Virtual Address).
// Section numbers are 1-based (as used in PDB symbols).
// Returns 0 if the section number is invalid.
func (sh *SectionHeaders) ToRVA(section uint16, offset uint32) uint32 {
	if section == 0 || int(section) > len(sh.sections) {
		return 0
	}
	return sh.sections[section-1].VirtualAddress + offset
}

// FindSection finds which section contains the given RVA.
// Returns section number (1-based) and offset within the section.
// Returns 0, 0 if the RVA is not within any section.
func (sh *SectionHeaders) FindSection(rva uint32) (section uint16, offset uint32) {
	for i, sec := range sh.sections {
		if rva >= sec.VirtualAddress && rva-sec.VirtualAddress < sec.VirtualSize {
			return uint16(i + 1), rva - sec.VirtualAddress
		}
	}
	return 0, 0
}

// Section header size in bytes
const sectionHeaderSize = 40

func readSectionHeaders(r stream.Reader) (*SectionHeaders, error) {
	if r.Len()%sectionHeaderSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of headers", stream.ErrUnexpectedEOF, r.Len())
	}

	sections := make([]SectionHeader, r.Len()/sectionHeaderSize)
	for i := range sections {
		sec := &sections[i]
		name, err := r.ReadBytes(len(sec.Name))
		if err != nil {
			return nil, err
		}
		copy(sec.Name[:], name)

		for _, p := range []*uint32{&sec.VirtualSize, &sec.VirtualAddress, &sec.SizeOfRawData,
			&sec.PointerToRawData, &sec.PointerToRelocations, &sec.PointerToLinenumbers} {
			if *p, err = r.ReadU32(); err != nil {
				return nil, err
			}
		}
		if sec.NumberOfRelocations, err = r.ReadU16(); err != nil {
			return nil, err
		}
		if sec.NumberOfLinenumbers, err = r.ReadU16(); err != nil {
			return nil, err
		}
		if sec.Characteristics, err = r.ReadU32(); err != nil {
			return nil, err
		}
	}

	return &SectionHeaders{sections: sections}, nil
}

// Sections returns the PE section headers.
func (f *File) Sections() (*SectionHeaders, error) {
	s, err := f.getDBI()
	if err != nil {
		return nil, err
	}
	return f.sections.get(func() (*SectionHeaders, error) {
		if s.OptionalDbgStreams == nil {
			return nil, fmt.Errorf("%w: no optional debug header", ErrStreamNotFound)
		}
		r, err := f.optionalStream(s.OptionalDbgStreams.SectionHdrStreamIndex, "section headers")
		if err != nil {
			return nil, err
		}
		sh, err := readSectionHeaders(r)
		if err != nil {
			return nil, &ParseError{Stream: "section headers", Offset: r.Position(), Message: "invalid section header", Err: err}
		}
		return sh, nil
	})
}
