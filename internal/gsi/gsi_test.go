package gsi

import (
	"fmt"
	"testing"

	"github.com/skdltmxn/pdbstream/internal/msftest"
	"github.com/skdltmxn/pdbstream/msf"
	"github.com/skdltmxn/pdbstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pub32(segment uint16, offset uint32, name string) []byte {
	payload := (&msftest.Buffer{}).U32(0).U32(offset).U16(segment).Str(name)
	for (payload.Len()+4)%4 != 0 {
		payload.U8(0)
	}
	b := &msftest.Buffer{}
	b.U16(uint16(payload.Len() + 2)).U16(0x110e).Raw(payload.Bytes()...)
	return b.Bytes()
}

func TestHash(t *testing.T) {
	assert.Equal(t, Hash("main"), Hash("MAIN"))
	assert.NotEqual(t, Hash("main"), Hash("mainCRTStartup"))
	// tails of one, two and three bytes all contribute
	assert.NotEqual(t, Hash("abcde"), Hash("abcdf"))
	assert.NotEqual(t, Hash("abcdef"), Hash("abcdeg"))
	assert.NotEqual(t, Hash("abcdefg"), Hash("abcdefh"))
}

func TestTable(t *testing.T) {
	var entries []msftest.HashEntry
	for i := range 300 {
		entries = append(entries, msftest.HashEntry{Name: fmt.Sprintf("sym_%d", i), Offset: uint32(i * 16)})
	}
	data := msftest.GSI(entries, Hash)

	table, err := ReadTable(stream.NewBytesReader(data))
	require.NoError(t, err)
	assert.Len(t, table.Records, 300)

	for _, e := range entries {
		found := false
		for _, hr := range table.Lookup(e.Name) {
			assert.Equal(t, Hash(e.Name)%NumBuckets, Hash(entries[hr.Offset/16].Name)%NumBuckets)
			found = found || hr.Offset == e.Offset
		}
		assert.True(t, found, e.Name)
	}
	assert.Empty(t, table.Lookup("missing"))
}

func TestEmptyTable(t *testing.T) {
	table, err := ReadTable(stream.NewBytesReader(msftest.GSI(nil, Hash)))
	require.NoError(t, err)
	assert.Empty(t, table.Records)
	assert.Nil(t, table.Lookup("main"))
}

func TestTableErrors(t *testing.T) {
	data := msftest.GSI([]msftest.HashEntry{{Name: "main", Offset: 0}}, Hash)

	t.Run("signature", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 0
		_, err := ReadTable(stream.NewBytesReader(bad))
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("record size", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[8] = 7
		_, err := ReadTable(stream.NewBytesReader(bad))
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("truncated bitmap", func(t *testing.T) {
		_, err := ReadTable(stream.NewBytesReader(data[:16+8+100]))
		assert.ErrorIs(t, err, ErrInvalidBucket)
	})

	t.Run("bucket past records", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-4] = 24
		_, err := ReadTable(stream.NewBytesReader(bad))
		assert.ErrorIs(t, err, ErrInvalidBucket)
	})
}

func TestReadPublics(t *testing.T) {
	p := &msftest.PDB{
		Hash: Hash,
		Symbols: []msftest.Symbol{
			{Record: pub32(2, 0x10, "g_data"), Name: "g_data"},
			{Record: pub32(1, 0x200, "helper"), Name: "helper"},
			{Record: pub32(1, 0x100, "main"), Name: "main"},
		},
		Sections: []msftest.Section{{Name: ".text"}, {Name: ".data"}},
	}
	streams := p.Streams()
	f, err := msf.NewFile(stream.NewBytesReader(msftest.Build(512, msftest.Reversed, streams)))
	require.NoError(t, err)
	r, err := f.OpenStream(msftest.StreamPublics)
	require.NoError(t, err)

	pubs, err := ReadPublics(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pubs.Header.NumSections)
	assert.Equal(t, int64(0), r.BytesRemaining())

	// offsets of the records: g_data 0, helper 24, main 48
	sizes := []uint32{uint32(len(p.Symbols[0].Record)), uint32(len(p.Symbols[1].Record))}
	helper := sizes[0]
	main := sizes[0] + sizes[1]
	assert.Equal(t, []uint32{main, helper, 0}, pubs.AddrMap)

	hits := pubs.Lookup("helper")
	require.NotEmpty(t, hits)
	offsets := make([]uint32, len(hits))
	for i, hr := range hits {
		offsets[i] = hr.Offset
	}
	assert.Contains(t, offsets, helper)
}

func TestReadPublicsTruncated(t *testing.T) {
	b := &msftest.Buffer{}
	b.U32(1000).U32(0).U32(0).U32(0).U16(0).U16(0).U32(0).U32(0)
	_, err := ReadPublics(stream.NewBytesReader(b.Bytes()))
	assert.ErrorIs(t, err, stream.ErrUnexpectedEOF)

	_, err = ReadPublics(stream.NewBytesReader(b.Bytes()[:10]))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}
