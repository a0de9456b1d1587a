package pdb

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/skdltmxn/pdbstream/msf"
	"github.com/skdltmxn/pdbstream/stream"
)

// PDB info stream versions
const (
	ImplVC2     uint32 = 19941610
	ImplVC4     uint32 = 19950623
	ImplVC41    uint32 = 19950814
	ImplVC50    uint32 = 19960307
	ImplVC98    uint32 = 19970604
	ImplVC70Dep uint32 = 19990604
	ImplVC70    uint32 = 20000404
	ImplVC80    uint32 = 20030901
	ImplVC110   uint32 = 20091201
	ImplVC140   uint32 = 20140508
)

// Feature is a signature appended to the info stream.
type Feature uint32

const (
	FeatureVC110            Feature = 20091201
	FeatureVC140            Feature = 20140508
	FeatureNoTypeMerge      Feature = 0x4D544F4E
	FeatureMinimalDebugInfo Feature = 0x494E494D
)

func (ft Feature) String() string {
	switch ft {
	case FeatureVC110:
		return "VC110"
	case FeatureVC140:
		return "VC140"
	case FeatureNoTypeMerge:
		return "NoTypeMerge"
	case FeatureMinimalDebugInfo:
		return "MinimalDebugInfo"
	}
	return fmt.Sprintf("Feature(0x%08x)", uint32(ft))
}

// GUID identifies a PDB together with its age.
type GUID [16]byte

func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%X-%X",
		binary.LittleEndian.Uint32(g[0:]),
		binary.LittleEndian.Uint16(g[4:]),
		binary.LittleEndian.Uint16(g[6:]),
		g[8:10], g[10:])
}

// Info contains metadata about the PDB file.
type Info struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      GUID

	// NamedStreams maps stream names such as "/names" to stream indices.
	NamedStreams map[string]uint32
	Features     []Feature
}

// HasFeature reports whether the info stream lists ft.
func (i *Info) HasFeature(ft Feature) bool {
	return slices.Contains(i.Features, ft)
}

// SymbolServerKey returns the GUID and age in the form symbol servers use
// in their directory layout.
func (i *Info) SymbolServerKey() string {
	return strings.ReplaceAll(i.GUID.String(), "-", "") + fmt.Sprintf("%X", i.Age)
}

// Info returns metadata about the PDB file.
func (f *File) Info() (*Info, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.info.get(f.loadInfo)
}

func (f *File) loadInfo() (*Info, error) {
	r, err := f.openStream(msf.StreamPDBInfo, "PDB info")
	if err != nil {
		return nil, err
	}

	info, err := readInfo(r)
	if err != nil {
		return nil, &ParseError{Stream: "PDB info", Offset: r.Position(), Message: "invalid info stream", Err: err}
	}
	return info, nil
}

func readInfo(r stream.Reader) (*Info, error) {
	info := &Info{}
	for _, p := range []*uint32{&info.Version, &info.Signature, &info.Age} {
		v, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		*p = v
	}
	guid, err := r.ReadBytes(len(info.GUID))
	if err != nil {
		return nil, err
	}
	copy(info.GUID[:], guid)

	if info.NamedStreams, err = readNamedStreams(r); err != nil {
		return nil, fmt.Errorf("named stream map: %w", err)
	}

	for r.BytesRemaining() >= 4 {
		v, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		info.Features = append(info.Features, Feature(v))
	}
	return info, nil
}

// readNamedStreams reads a string buffer followed by a hash table whose
// keys are offsets into the buffer and whose values are stream indices.
func readNamedStreams(r stream.Reader) (map[string]uint32, error) {
	size, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	n, err := stream.CheckedLength(uint64(size))
	if err != nil {
		return nil, err
	}
	names, err := stream.NewSubReader(r, int64(n))
	if err != nil {
		return nil, err
	}

	var count, capacity uint32
	if count, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if capacity, err = r.ReadU32(); err != nil {
		return nil, err
	}
	present, err := readBitVector(r)
	if err != nil {
		return nil, err
	}
	if _, err := readBitVector(r); err != nil { // deleted
		return nil, err
	}

	m := make(map[string]uint32, count)
	for i := range capacity {
		if !bitSet(present, i) {
			continue
		}
		key, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		value, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		if err := names.SetPosition(int64(key)); err != nil {
			return nil, fmt.Errorf("name offset 0x%x: %w", key, err)
		}
		name, err := names.ReadCString()
		if err != nil {
			return nil, err
		}
		m[name] = value
	}
	if uint32(len(m)) != count {
		return nil, fmt.Errorf("%d entries present, header says %d", len(m), count)
	}
	return m, nil
}

func readBitVector(r stream.Reader) ([]uint32, error) {
	words, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int64(words)*4 > r.BytesRemaining() {
		return nil, fmt.Errorf("%w: bit vector of %d words", stream.ErrUnexpectedEOF, words)
	}
	v := make([]uint32, words)
	for i := range v {
		if v[i], err = r.ReadU32(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func bitSet(v []uint32, i uint32) bool {
	w := i / 32
	return int(w) < len(v) && v[w]&(1<<(i%32)) != 0
}

// StreamByName opens a stream listed in the info stream's name map.
func (f *File) StreamByName(name string) (*msf.BlockReader, error) {
	info, err := f.Info()
	if err != nil {
		return nil, err
	}
	index, ok := info.NamedStreams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStreamNotFound, name)
	}
	return f.openStream(index, name)
}
