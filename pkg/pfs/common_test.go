package pfs

import (
	"encoding/binary"
	"testing"
)

func TestIndirectBlocksCalculation(t *testing.T) {

	fanout := int64(SigsPerBlock)

	// Twelve blocks or fewer fit entirely in the direct slots.
	check := func(blocks, want int64) {
		t.Helper()
		got, err := indirectBlocksNeeded(blocks, fanout)
		if err != nil {
			t.Fatalf("indirectBlocksNeeded(%d) returned error: %v", blocks, err)
		}
		if got != want {
			t.Fatalf("indirectBlocksNeeded(%d) = %d, expected %d", blocks, got, want)
		}
	}

	check(0, 0)
	check(1, 0)
	check(12, 0)

	// One single-indirect block covers the next fanout blocks.
	check(13, 1)
	check(12+fanout, 1)

	// Beyond that a doubly-indirect block plus second-level blocks.
	check(12+fanout+1, 3)
	check(12+2*fanout, 3)
	check(12+2*fanout+1, 4)

	// A 1 GiB file: 16384 data blocks needs one single, one double,
	// and eight second-level indirect blocks.
	check(16384, 10)

	// Past two levels of indirection the layout fails.
	_, err := indirectBlocksNeeded(12+fanout+fanout*fanout+1, fanout)
	if err == nil {
		t.Fatalf("indirectBlocksNeeded accepted an unaddressable block count")
	}
}

func TestSigsPerBlock(t *testing.T) {
	if SigsPerBlock != 1820 {
		t.Fatalf("SigsPerBlock = %d, expected 1820", SigsPerBlock)
	}
}

func TestDinodeEncodedSizes(t *testing.T) {

	ino := newDinode(false)
	if len(ino.encodeS32()) != DinodeS32Size {
		t.Fatalf("signed dinode encodes to %d bytes, expected %#x", len(ino.encodeS32()), DinodeS32Size)
	}

	ino = newDinode(true)
	if len(ino.encodeD32()) != DinodeD32Size {
		t.Fatalf("unsigned dinode encodes to %d bytes, expected %#x", len(ino.encodeD32()), DinodeD32Size)
	}

	for i, p := range ino.Direct {
		if p != -1 {
			t.Fatalf("unsigned dinode direct slot %d defaulted to %d, expected -1", i, p)
		}
	}
}

func TestDirentBlockBoundaries(t *testing.T) {

	// A record size that does not divide the block size forces padding
	// at every boundary.
	name := "aaaaaaaaaaaaaaaaaaaa" // record size 40
	var dirents []dirent
	for i := 0; i < 3000; i++ {
		dirents = append(dirents, dirent{ino: int64(i), typ: DirentFile, name: name})
	}

	data := direntData(dirents, BlockSize)
	if int64(len(data)) != direntDataLen(dirents, BlockSize) {
		t.Fatalf("direntData and direntDataLen disagree: %d vs %d", len(data), direntDataLen(dirents, BlockSize))
	}

	// Walk the records: every one must lie entirely within a single
	// block, and all of them must be present.
	var cursor, count int64
	for cursor < int64(len(data)) {
		entSize := int64(binary.LittleEndian.Uint32(data[cursor+12:]))
		if entSize == 0 {
			cursor = align(cursor+1, BlockSize)
			continue
		}
		if cursor/BlockSize != (cursor+entSize-1)/BlockSize {
			t.Fatalf("record at %#x spans a block boundary", cursor)
		}
		cursor += entSize
		count++
	}
	if count != int64(len(dirents)) {
		t.Fatalf("walked %d records, expected %d", count, len(dirents))
	}
}
