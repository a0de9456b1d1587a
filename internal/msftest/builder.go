// Package msftest builds synthetic MSF containers for tests.
package msftest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const magic = "Microsoft C/C++ MSF 7.00\r\n\x1a\x44\x53\x00\x00\x00"

// Layout controls where stream blocks are placed.
type Layout int

const (
	// Sequential places each stream's blocks next to each other.
	Sequential Layout = iota
	// Reversed hands out data blocks from the end of the data area, so no
	// two consecutive blocks of a stream are physically adjacent.
	Reversed
)

// Build returns the bytes of an MSF file with the given streams. A nil
// entry becomes a nil stream; an empty non-nil entry becomes an empty one.
func Build(blockSize uint32, layout Layout, streams [][]byte) []byte {
	bs := int(blockSize)
	blocksFor := func(n int) int { return (n + bs - 1) / bs }

	dataBlocks := 0
	for _, s := range streams {
		dataBlocks += blocksFor(len(s))
	}

	// 0: superblock, 1-2: free page maps, then data, directory, block map
	next := 3
	order := make([]uint32, dataBlocks)
	for i := range order {
		if layout == Reversed {
			order[i] = uint32(next + dataBlocks - 1 - i)
		} else {
			order[i] = uint32(next + i)
		}
	}
	next += dataBlocks

	var dir []byte
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(streams)))
	for _, s := range streams {
		if s == nil {
			dir = binary.LittleEndian.AppendUint32(dir, 0xFFFFFFFF)
			continue
		}
		dir = binary.LittleEndian.AppendUint32(dir, uint32(len(s)))
	}

	placed := make([][]uint32, len(streams))
	cursor := 0
	for i, s := range streams {
		for range blocksFor(len(s)) {
			placed[i] = append(placed[i], order[cursor])
			dir = binary.LittleEndian.AppendUint32(dir, order[cursor])
			cursor++
		}
	}

	dirBlocks := make([]uint32, blocksFor(len(dir)))
	for i := range dirBlocks {
		dirBlocks[i] = uint32(next)
		next++
	}
	blockMapAddr := uint32(next)
	next += blocksFor(len(dirBlocks) * 4)

	out := make([]byte, next*bs)
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[32:], blockSize)
	binary.LittleEndian.PutUint32(out[36:], 1)
	binary.LittleEndian.PutUint32(out[40:], uint32(next))
	binary.LittleEndian.PutUint32(out[44:], uint32(len(dir)))
	binary.LittleEndian.PutUint32(out[52:], blockMapAddr)

	for i, s := range streams {
		for j, block := range placed[i] {
			copy(out[int(block)*bs:], s[j*bs:min((j+1)*bs, len(s))])
		}
	}
	for i, block := range dirBlocks {
		copy(out[int(block)*bs:], dir[i*bs:min((i+1)*bs, len(dir))])
		binary.LittleEndian.PutUint32(out[int(blockMapAddr)*bs+i*4:], block)
	}
	return out
}

// WriteFile builds an MSF file into a temporary directory and returns its path.
func WriteFile(t testing.TB, blockSize uint32, layout Layout, streams [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdb")
	if err := os.WriteFile(path, Build(blockSize, layout, streams), 0o644); err != nil {
		t.Fatalf("msftest: write %s: %v", path, err)
	}
	return path
}

// Scatter lays data out in blocks of blockSize following the given block
// order and returns the physical image. Block i of the logical stream lands
// at physical block order[i]; unused physical blocks are filled with 0xCC.
func Scatter(data []byte, blockSize int, order []uint32) []byte {
	maxBlock := uint32(0)
	for _, b := range order {
		maxBlock = max(maxBlock, b)
	}
	out := make([]byte, (int(maxBlock)+1)*blockSize)
	for i := range out {
		out[i] = 0xCC
	}
	for i, b := range order {
		start := i * blockSize
		if start >= len(data) {
			break
		}
		copy(out[int(b)*blockSize:], data[start:min(start+blockSize, len(data))])
	}
	return out
}
