package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/internal/dbi"
	"github.com/skdltmxn/pdbstream/internal/gsi"
	"github.com/skdltmxn/pdbstream/internal/msftest"
	"github.com/skdltmxn/pdbstream/pdb"
)

func newBuf() *msftest.Buffer { return &msftest.Buffer{} }

func record(kind codeview.SymbolKind, payload *msftest.Buffer) []byte {
	for (payload.Len()+4)%4 != 0 {
		payload.U8(0)
	}
	return newBuf().U16(uint16(payload.Len() + 2)).U16(uint16(kind)).Raw(payload.Bytes()...).Bytes()
}

func pub32(segment uint16, offset uint32, name string) []byte {
	return record(codeview.S_PUB32, newBuf().U32(uint32(codeview.PublicFunction)).U32(offset).U16(segment).Str(name))
}

func proc32(segment uint16, offset, size uint32, name string) []byte {
	return record(codeview.S_GPROC32, newBuf().U32(0).U32(0).U32(0).U32(size).U32(0).U32(size).U32(0x1001).U32(offset).U16(segment).U8(0).Str(name))
}

func writeTestPDB(t *testing.T) string {
	t.Helper()
	p := &msftest.PDB{
		Version:   pdb.ImplVC70,
		Signature: 0x5f000000,
		Age:       1,
		GUID:      [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Machine:   dbi.MachineAMD64,
		Hash:      gsi.Hash,
		Modules: []msftest.Module{
			{
				Name: `d:\obj\main.obj`, ObjName: `d:\obj\main.obj`, Section: 1, Offset: 0x10, Size: 0x40,
				Symbols: [][]byte{proc32(1, 0x10, 0x30, "main"), record(codeview.S_END, newBuf())},
				Files:   []string{`d:\src\main.cpp`},
			},
			{Name: "* Linker *", Section: 2, Offset: 0, Size: 0x4},
		},
		Symbols: []msftest.Symbol{
			{Record: pub32(1, 0x10, "main"), Name: "main"},
			{Record: pub32(1, 0x50, "helper"), Name: "helper"},
		},
		Sections: []msftest.Section{
			{Name: ".text", VirtualSize: 0x1000, VirtualAddress: 0x1000},
		},
		Types: [][]byte{
			newBuf().U16(10).U16(uint16(codeview.LF_ARGLIST)).U32(1).U32(0x74).Bytes(),
		},
	}
	return msftest.WriteFile(t, 512, msftest.Sequential, p.Streams())
}

// run executes pdbview with args and returns what it wrote to --output.
func run(t *testing.T, args ...string) string {
	t.Helper()

	symbolsAll, symbolsKind, symbolsModule, symbolsLimit, symbolsShowRVA = false, "", -1, 0, false
	typesKind, typesIDs, typesLimit = "", false, 0
	modulesVerbose, modulesWorkers = false, 4
	dumpFormat = "text"

	out := filepath.Join(t.TempDir(), "out.txt")
	rootCmd.SetArgs(append(args, "--output", out))
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return string(data)
}

func TestInfoCommand(t *testing.T) {
	path := writeTestPDB(t)
	out := run(t, "info", path)

	assert.Contains(t, out, "GUID: {04030201-0605-0807-090A-0B0C0D0E0F10}")
	assert.Contains(t, out, "Machine: x64")
	assert.Contains(t, out, "Number of Modules: 2")
	assert.Contains(t, out, "Public Symbols: 2")
	assert.Contains(t, out, "Types: 1")
}

func TestSymbolsCommand(t *testing.T) {
	path := writeTestPDB(t)

	out := run(t, "symbols", path)
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "helper")
	assert.Contains(t, out, "Total: 2 symbols")

	out = run(t, "symbols", path, "--rva", "--limit", "1")
	assert.Contains(t, out, "0x00001010")
	assert.Contains(t, out, "Total: 1 symbols")

	out = run(t, "symbols", path, "--module", "0", "--kind", "gproc32")
	assert.Contains(t, out, "S_GPROC32")
	assert.Contains(t, out, "Total: 1 symbols")
}

func TestModulesCommand(t *testing.T) {
	path := writeTestPDB(t)

	out := run(t, "modules", path)
	assert.Contains(t, out, `d:\obj\main.obj`)
	assert.Contains(t, out, "Total: 2 modules")

	out = run(t, "modules", path, "--verbose", "--workers", "2")
	assert.Contains(t, out, "Total: 2 modules\n")
	assert.NotContains(t, out, "unreadable")
}

func TestLookupCommand(t *testing.T) {
	path := writeTestPDB(t)

	out := run(t, "lookup", path, "helper")
	assert.Contains(t, out, "Name: helper")

	for _, query := range []string{"0001:00000018", "0x1018"} {
		out = run(t, "lookup", path, query)
		assert.Contains(t, out, "Name: main", query)
		assert.Contains(t, out, "Displacement: +0x8", query)
		assert.Contains(t, out, `Module: d:\obj\main.obj`, query)
	}

	out = run(t, "lookup", path, "type:0x1000")
	assert.Contains(t, out, "Leaf: LF_ARGLIST")
}

func TestTypesCommand(t *testing.T) {
	path := writeTestPDB(t)
	out := run(t, "types", path, "--kind", "arglist")
	assert.Contains(t, out, "LF_ARGLIST")
	assert.Contains(t, out, "Total: 1 types")
}

func TestDumpJSON(t *testing.T) {
	path := writeTestPDB(t)
	out := run(t, "dump", path, "--format", "json")

	var dump PDBDump
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.Equal(t, path, dump.File)
	require.NotNil(t, dump.Info)
	assert.Equal(t, uint32(1), dump.Info.Age)
	assert.Len(t, dump.Modules, 2)
	assert.Len(t, dump.Symbols, 2)
	assert.Len(t, dump.Types, 1)
}

func TestKindMatches(t *testing.T) {
	assert.True(t, kindMatches(codeview.S_PUB32, "pub32"))
	assert.True(t, kindMatches(codeview.S_PUB32, "S_PUB32"))
	assert.False(t, kindMatches(codeview.S_PUB32, "gproc32"))
}

func TestParseSectionOffset(t *testing.T) {
	section, offset, err := parseSectionOffset("0002:0x100")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), section)
	assert.Equal(t, uint32(0x100), offset)

	_, _, err = parseSectionOffset("zz:10")
	assert.Error(t, err)
}

func TestMachineName(t *testing.T) {
	assert.Equal(t, "x64", machineName(dbi.MachineAMD64))
	assert.Equal(t, "0x1234", machineName(0x1234))
}
