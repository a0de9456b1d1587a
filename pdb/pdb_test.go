package pdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/internal/gsi"
	"github.com/skdltmxn/pdbstream/internal/msftest"
	"github.com/skdltmxn/pdbstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuf() *msftest.Buffer { return &msftest.Buffer{} }

func record(kind codeview.SymbolKind, payload *msftest.Buffer) []byte {
	for (payload.Len()+4)%4 != 0 {
		payload.U8(0)
	}
	return newBuf().U16(uint16(payload.Len() + 2)).U16(uint16(kind)).Raw(payload.Bytes()...).Bytes()
}

func pub32(flags codeview.PublicSymFlags, segment uint16, offset uint32, name string) []byte {
	return record(codeview.S_PUB32, newBuf().U32(uint32(flags)).U32(offset).U16(segment).Str(name))
}

func proc32(kind codeview.SymbolKind, segment uint16, offset, size uint32, name string) []byte {
	return record(kind, newBuf().U32(0).U32(0).U32(0).U32(size).U32(0).U32(size).U32(0x1001).U32(offset).U16(segment).U8(0).Str(name))
}

func data32(segment uint16, offset uint32, name string) []byte {
	return record(codeview.S_GDATA32, newBuf().U32(0x74).U32(offset).U16(segment).Str(name))
}

func udt(name string) []byte {
	return record(codeview.S_UDT, newBuf().U32(0x1003).Str(name))
}

func objName(name string) []byte {
	return record(codeview.S_OBJNAME, newBuf().U32(0).Str(name))
}

var (
	endRecord     = record(codeview.S_END, newBuf())
	unknownRecord = record(codeview.S_FRAMEPROC, newBuf().U32(0x28).U32(0).U32(0).U32(0).U32(0).U16(0).U32(0))
	brokenRecord  = newBuf().U16(6).U16(uint16(codeview.S_GPROC32)).U32(0).Bytes()
)

func testPDB() *msftest.PDB {
	return &msftest.PDB{
		Version:   ImplVC70,
		Signature: 0x5f000000,
		Age:       2,
		GUID:      [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Machine:   0x8664,
		Hash:      gsi.Hash,
		Modules: []msftest.Module{
			{
				Name: `d:\obj\main.obj`, ObjName: `d:\obj\main.obj`, Section: 1, Offset: 0x10, Size: 0x40,
				Symbols: [][]byte{objName(`d:\obj\main.obj`), proc32(codeview.S_GPROC32, 1, 0x10, 0x30, "main"), endRecord, unknownRecord, udt("point")},
				Files:   []string{`d:\src\main.cpp`},
			},
			{Name: "* Linker *", Section: 2, Offset: 0, Size: 0x4},
			{
				Name: `d:\obj\util.obj`, ObjName: `d:\obj\util.obj`, Section: 1, Offset: 0x50, Size: 0x20,
				Symbols: [][]byte{proc32(codeview.S_LPROC32, 1, 0x50, 0x20, "helper"), endRecord},
				Files:   []string{`d:\src\util.cpp`, `d:\src\util.h`},
			},
			{
				Name: `d:\obj\broken.obj`, Section: 1, Offset: 0x100, Size: 0x10,
				Stream: msftest.ModuleStream([][]byte{objName("x.obj"), brokenRecord}),
			},
		},
		Symbols: []msftest.Symbol{
			{Record: pub32(codeview.PublicFunction, 1, 0x10, "main"), Name: "main"},
			{Record: pub32(codeview.PublicFunction, 1, 0x50, "helper"), Name: "helper"},
			{Record: pub32(0, 2, 0x8, "g_counter"), Name: "g_counter"},
			{Record: data32(2, 0x8, "g_counter"), Name: "g_counter"},
			{Record: record(codeview.S_PROCREF, newBuf().U32(0).U32(0x38).U16(1).Str("main")), Name: "main"},
			{Record: unknownRecord},
			{Record: udt("point"), Name: "point"},
		},
		Sections: []msftest.Section{
			{Name: ".text", VirtualSize: 0x1000, VirtualAddress: 0x1000},
			{Name: ".data", VirtualSize: 0x200, VirtualAddress: 0x3000},
		},
		Types: [][]byte{
			newBuf().U16(10).U16(uint16(codeview.LF_ARGLIST)).U32(1).U32(0x74).Bytes(),
			newBuf().U16(14).U16(uint16(codeview.LF_PROCEDURE)).U32(0x74).U8(0).U8(0).U16(1).U32(0x1000).Bytes(),
		},
		Named: map[string][]byte{
			"/names":    []byte("\xfe\xef\xfe\xef"),
			"/LinkInfo": {},
		},
	}
}

func openTestPDB(t *testing.T, layout msftest.Layout, opts ...Option) *File {
	t.Helper()
	path := msftest.WriteFile(t, 512, layout, testPDB().Streams())
	f, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestInfo(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	info, err := f.Info()
	require.NoError(t, err)
	assert.Equal(t, ImplVC70, info.Version)
	assert.Equal(t, uint32(0x5f000000), info.Signature)
	assert.Equal(t, uint32(2), info.Age)
	assert.Equal(t, "04030201-0605-0807-090A-0B0C0D0E0F10", info.GUID.String())
	assert.Equal(t, "0403020106050807090A0B0C0D0E0F102", info.SymbolServerKey())
	assert.True(t, info.HasFeature(FeatureVC140))
	assert.False(t, info.HasFeature(FeatureNoTypeMerge))
	assert.Len(t, info.NamedStreams, 2)
	assert.Contains(t, info.NamedStreams, "/names")

	again, err := f.Info()
	require.NoError(t, err)
	assert.Same(t, info, again)
}

func TestStreamByName(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	r, err := f.StreamByName("/names")
	require.NoError(t, err)
	sig, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xeffeeffe), sig)

	r, err = f.StreamByName("/LinkInfo")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Len())

	_, err = f.StreamByName("/src/headerblock")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestModules(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	n, err := f.ModuleCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	modules, err := f.Modules()
	require.NoError(t, err)
	require.Len(t, modules, 4)

	main := modules[0]
	assert.Equal(t, 0, main.Index())
	assert.Equal(t, `d:\obj\main.obj`, main.Name())
	assert.Equal(t, uint16(1), main.Section())
	assert.Equal(t, int32(0x10), main.Offset())
	assert.Equal(t, int32(0x40), main.Size())
	assert.Equal(t, []string{`d:\src\main.cpp`}, main.SourceFiles())
	assert.True(t, main.HasSymbols())

	linker, err := f.Module(1)
	require.NoError(t, err)
	assert.False(t, linker.HasSymbols())
	assert.Equal(t, uint16(0xffff), linker.StreamIndex())
	syms, err := linker.Symbols()
	require.NoError(t, err)
	assert.Empty(t, syms)

	assert.Equal(t, uint16(2), modules[2].SourceFileCount())
	assert.Equal(t, []string{`d:\src\util.cpp`, `d:\src\util.h`}, modules[2].SourceFiles())

	_, err = f.Module(4)
	assert.ErrorIs(t, err, ErrModuleNotFound)
	_, err = f.Module(-1)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestModuleSymbols(t *testing.T) {
	for _, layout := range []msftest.Layout{msftest.Sequential, msftest.Reversed} {
		f := openTestPDB(t, layout)
		m, err := f.Module(0)
		require.NoError(t, err)

		syms, err := m.Symbols()
		require.NoError(t, err)
		// S_END and S_FRAMEPROC are not decoded
		require.Len(t, syms, 3)

		obj, ok := syms[0].(*codeview.ObjNameSym)
		require.True(t, ok)
		assert.Equal(t, `d:\obj\main.obj`, obj.Name)

		proc, ok := syms[1].(*codeview.ProcSym)
		require.True(t, ok)
		assert.Equal(t, codeview.S_GPROC32, proc.Kind())
		assert.Equal(t, "main", proc.Name)
		assert.Equal(t, uint32(0x10), proc.CodeOffset)
		assert.Equal(t, uint32(0x30), proc.CodeSize)
		assert.Equal(t, codeview.TypeIndex(0x1001), proc.FunctionType)

		assert.Equal(t, "point", codeview.SymbolName(syms[2]))

		count, err := m.SymbolCount()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	}
}

func TestModuleSymbolCache(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)
	m, err := f.Module(2)
	require.NoError(t, err)

	first, err := m.Symbols()
	require.NoError(t, err)
	second, err := m.Symbols()
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Same(t, first[0], second[0])

	uncached := openTestPDB(t, msftest.Reversed, WithModuleCacheSize(0))
	m, err = uncached.Module(2)
	require.NoError(t, err)
	first, err = m.Symbols()
	require.NoError(t, err)
	second, err = m.Symbols()
	require.NoError(t, err)
	assert.NotSame(t, first[0], second[0])
	assert.Equal(t, first, second)
}

func TestBrokenModule(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)
	broken, err := f.Module(3)
	require.NoError(t, err)

	_, err = broken.Symbols()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStream)
	assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "module 3", pe.Stream)
	// signature plus the 16-byte S_OBJNAME record in front of it
	assert.Equal(t, int64(20), pe.Offset)

	var de *codeview.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, codeview.S_GPROC32, de.Kind)

	// the failure is not cached and does not affect other modules
	_, err = broken.Symbols()
	assert.Error(t, err)
	m, err := f.Module(2)
	require.NoError(t, err)
	syms, err := m.Symbols()
	require.NoError(t, err)
	assert.Len(t, syms, 1)
}

func TestGlobals(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	var names []string
	for s, err := range f.Globals() {
		require.NoError(t, err)
		names = append(names, codeview.SymbolName(s))
	}
	assert.Equal(t, []string{"main", "helper", "g_counter", "g_counter", "main", "point"}, names)

	var pubs []*codeview.PublicSym
	for p, err := range f.Publics() {
		require.NoError(t, err)
		pubs = append(pubs, p)
	}
	require.Len(t, pubs, 3)
	assert.True(t, pubs[0].Flags.IsFunction())
	assert.Equal(t, uint16(2), pubs[2].Segment)

	// stopping early is fine
	for range f.Publics() {
		break
	}
}

func TestByName(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)
	st, err := f.Symbols()
	require.NoError(t, err)

	syms, err := st.ByName("g_counter")
	require.NoError(t, err)
	require.Len(t, syms, 2)
	kinds := []codeview.SymbolKind{syms[0].Kind(), syms[1].Kind()}
	assert.ElementsMatch(t, []codeview.SymbolKind{codeview.S_GDATA32, codeview.S_PUB32}, kinds)

	s, err := st.FindByName("helper")
	require.NoError(t, err)
	assert.Equal(t, codeview.S_PUB32, s.Kind())

	s, err = st.FindByName("point")
	require.NoError(t, err)
	assert.IsType(t, &codeview.UDTSym{}, s)

	// the hash ignores case, the comparison does not
	_, err = st.FindByName("MAIN")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = st.FindByName("missing")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestByAddress(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)
	st, err := f.Symbols()
	require.NoError(t, err)
	assert.Equal(t, 3, st.PublicCount())

	pub, err := st.ByAddress(1, 0x10)
	require.NoError(t, err)
	assert.Equal(t, "main", pub.Name)

	_, err = st.ByAddress(1, 0x11)
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	tests := []struct {
		section uint16
		offset  uint32
		want    string
	}{
		{1, 0x10, "main"},
		{1, 0x40, "main"},
		{1, 0x50, "helper"},
		{1, 0x9999, "helper"},
		{2, 0x8, "g_counter"},
		{2, 0x100, "g_counter"},
		{1, 0x5, ""},
		{2, 0x4, ""},
		{3, 0, ""},
	}
	for _, tt := range tests {
		pub, err := st.FindSymbolContaining(tt.section, tt.offset)
		if tt.want == "" {
			assert.ErrorIs(t, err, ErrSymbolNotFound, "%d:%x", tt.section, tt.offset)
			continue
		}
		require.NoError(t, err, "%d:%x", tt.section, tt.offset)
		assert.Equal(t, tt.want, pub.Name, "%d:%x", tt.section, tt.offset)
	}
}

func TestSymbolAt(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)
	st, err := f.Symbols()
	require.NoError(t, err)

	s, err := st.At(0)
	require.NoError(t, err)
	assert.Equal(t, "main", codeview.SymbolName(s))

	_, err = st.At(1 << 20)
	assert.ErrorIs(t, err, stream.ErrInvalidPosition)
}

func TestModuleAt(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	m, err := f.ModuleAt(1, 0x20)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Index())

	m, err = f.ModuleAt(1, 0x55)
	require.NoError(t, err)
	assert.Equal(t, `d:\obj\util.obj`, m.Name())

	_, err = f.ModuleAt(1, 0x80)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestSections(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	sh, err := f.Sections()
	require.NoError(t, err)
	require.Equal(t, 2, sh.Count())

	text, err := sh.Get(0)
	require.NoError(t, err)
	assert.Equal(t, ".text", text.NameString())
	assert.Equal(t, uint32(0x60000020), text.Characteristics)

	assert.Equal(t, uint32(0x1010), sh.ToRVA(1, 0x10))
	assert.Equal(t, uint32(0), sh.ToRVA(0, 0x10))
	assert.Equal(t, uint32(0), sh.ToRVA(3, 0x10))

	section, offset := sh.FindSection(0x3004)
	assert.Equal(t, uint16(2), section)
	assert.Equal(t, uint32(4), offset)
	section, _ = sh.FindSection(0x2500)
	assert.Equal(t, uint16(0), section)

	_, err = sh.Get(2)
	assert.Error(t, err)
}

func TestTypes(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	n, err := f.TypeCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	rec, payload, err := f.LookupType(0x1001)
	require.NoError(t, err)
	assert.Equal(t, codeview.LF_PROCEDURE, rec.Leaf)
	ret, err := codeview.ReadTypeIndex(payload)
	require.NoError(t, err)
	assert.Equal(t, "int", ret.String())

	_, _, err = f.LookupType(0x1002)
	assert.ErrorIs(t, err, ErrTypeNotFound)
	assert.ErrorIs(t, err, codeview.ErrTypeIndexOutOfRange)

	ids, err := f.IDs()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ids.TypeCount())
}

func TestScanModules(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	var mu sync.Mutex
	counts := map[int]int{}
	var failed []int
	err := f.ScanModules(context.Background(), 2, func(m *Module, syms []codeview.Symbol, err error) error {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed = append(failed, m.Index())
			return nil
		}
		counts[m.Index()] = len(syms)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 3, 1: 0, 2: 1}, counts)
	assert.Equal(t, []int{3}, failed)
}

func TestScanModulesStops(t *testing.T) {
	f := openTestPDB(t, msftest.Reversed)

	stop := errors.New("stop")
	var mu sync.Mutex
	var seen []int
	err := f.ScanModules(context.Background(), 1, func(m *Module, _ []codeview.Symbol, _ error) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.Index())
		return stop
	})
	assert.ErrorIs(t, err, stop)
	sort.Ints(seen)
	assert.Equal(t, 0, seen[0])
	assert.Less(t, len(seen), 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err = f.ScanModules(ctx, 0, func(*Module, []codeview.Symbol, error) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestClose(t *testing.T) {
	path := msftest.WriteFile(t, 512, msftest.Reversed, testPDB().Streams())
	f, err := Open(path)
	require.NoError(t, err)

	_, err = f.Info()
	require.NoError(t, err)
	r, err := f.OpenStream(3)
	require.NoError(t, err)
	m, err := f.Module(0)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Info()
	assert.ErrorIs(t, err, ErrFileClosed)
	_, err = f.Symbols()
	assert.ErrorIs(t, err, ErrFileClosed)
	_, err = m.Symbols()
	assert.ErrorIs(t, err, ErrFileClosed)
	_, err = f.NumStreams()
	assert.ErrorIs(t, err, ErrFileClosed)
	for _, err := range f.Globals() {
		assert.ErrorIs(t, err, ErrFileClosed)
	}

	_, err = r.ReadU32()
	assert.ErrorIs(t, err, stream.ErrClosed)
}

func TestNewFile(t *testing.T) {
	image := msftest.Build(1024, msftest.Sequential, testPDB().Streams())
	f, err := NewFile(stream.NewBytesReader(image))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint32(1024), f.BlockSize())
	n, err := f.NumStreams()
	require.NoError(t, err)
	// fixed streams, three module streams and two named streams
	assert.Equal(t, uint32(9+3+2), n)

	hdr, err := f.DBIHeader()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8664), hdr.Machine)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.pdb"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "short.pdb")
	require.NoError(t, os.WriteFile(path, []byte("Microsoft C/C++"), 0o644))
	_, err = Open(path)
	assert.Error(t, err)
}

func TestCorruptDBI(t *testing.T) {
	streams := testPDB().Streams()
	streams[msftest.StreamDBI] = streams[msftest.StreamDBI][:30]
	f, err := NewFile(stream.NewBytesReader(msftest.Build(512, msftest.Reversed, streams)))
	require.NoError(t, err)

	_, err = f.Modules()
	assert.ErrorIs(t, err, ErrInvalidStream)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "DBI", pe.Stream)

	// streams that do not depend on the DBI still work
	_, err = f.Info()
	assert.NoError(t, err)
	_, err = f.Types()
	assert.NoError(t, err)
}
