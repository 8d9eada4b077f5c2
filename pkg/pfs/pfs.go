// Package pfs compiles a staged file tree into a PFS disk image: a
// 64 KiB-block filesystem with dense inodes, a flat path table for O(1)
// mount-time lookups, per-block HMAC-SHA256 signatures when signed, and
// AES-XTS sector encryption when encrypted.
//
// Compilation occurs in stages that have to happen in an exact
// sequence: NewCompiler, Commit, Precompile, Compile. The staging keeps
// the image size computable before a single byte is written, which the
// package builder needs in order to lay out the outer container first.
package pfs

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Format constants.
const (
	BlockSize = 0x10000

	headerVersion = 1
	headerMagic   = 20130315

	DinodeS32Size = 0x2C0
	DinodeD32Size = 0xA8

	// A block-pointer entry in a signed image is a 32-byte HMAC
	// followed by a 4-byte block index.
	sigEntrySize = 36

	// SigsPerBlock is the number of pointer+signature pairs one
	// indirect block can hold in a signed image.
	SigsPerBlock = BlockSize / sigEntrySize

	// ptrsPerBlock is the number of 4-byte pointers one indirect
	// block can hold in an unsigned image.
	ptrsPerBlock = BlockSize / 4

	maxDirectBlocks = 12

	// dinodeFixedSize is the length of the fixed leading portion of
	// a dinode; the block-pointer table begins right after it.
	dinodeFixedSize = 0x64

	// Offsets within the header block.
	headerDinodeOffset = 0x54  // the embedded inode-block dinode
	headerSeedOffset   = 0x370 // 16-byte seed
	headerSigOffset    = 0x380 // where the header's own signature lands
	headerSignedSize   = 0x5A0 // how much of block 0 that signature covers
)

// Image mode bits.
const (
	modeSigned    = 0x1
	mode64Bit     = 0x2
	modeEncrypted = 0x4
	modeAlwaysSet = 0x8
)

// Inode mode bits.
const (
	InodeModeDir  = 0x4000 | 0o555
	InodeModeFile = 0x8000 | 0o555
)

// Inode flag bits.
const (
	InodeFlagCompressed = 0x1
	InodeFlagReadonly   = 0x10
	InodeFlagInternal   = 0x20

	// Both of these are set on every inode of a signed image.
	inodeFlagSignedA = 0x10000
	inodeFlagSignedB = 0x20000
)

// Dirent types.
const (
	DirentFile   = 2
	DirentDir    = 3
	DirentDot    = 4
	DirentDotDot = 5
)

// ErrLayoutOverflow is returned when a file needs more blocks than two
// levels of indirection can address at this block size.
var ErrLayoutOverflow = errors.New("file exceeds the addressable block count")

func divide(a, b int64) int64 {
	return (a + b - 1) / b
}

func align(a, b int64) int64 {
	return divide(a, b) * b
}

// BlockSigInfo is one planned block signature: which block gets read,
// where in the image its signature lands, and how many of the block's
// bytes are covered.
type BlockSigInfo struct {
	Block     int64
	SigOffset int64
	Size      int64
}

// dinode is the in-memory form of one inode. The physical layout
// differs between signed (S32) and unsigned (D32) images but the
// logical content is identical.
type dinode struct {
	Mode           uint16
	Nlink          uint16
	Flags          uint32
	Size           int64
	SizeCompressed int64
	Time           int64
	Blocks         uint32
	Direct         [maxDirectBlocks]int32
	Indirect       [2]int32
}

func newDinode(unsigned bool) *dinode {
	ino := new(dinode)
	if unsigned {
		for i := range ino.Direct {
			ino.Direct[i] = -1
		}
		ino.Indirect[0] = -1
		ino.Indirect[1] = -1
	}
	return ino
}

func (ino *dinode) encodeFixed(buf *bytes.Buffer) {
	_ = binary.Write(buf, binary.LittleEndian, ino.Mode)
	_ = binary.Write(buf, binary.LittleEndian, ino.Nlink)
	_ = binary.Write(buf, binary.LittleEndian, ino.Flags)
	_ = binary.Write(buf, binary.LittleEndian, ino.Size)
	_ = binary.Write(buf, binary.LittleEndian, ino.SizeCompressed)
	for i := 0; i < 4; i++ {
		_ = binary.Write(buf, binary.LittleEndian, ino.Time)
	}
	for i := 0; i < 4; i++ {
		_ = binary.Write(buf, binary.LittleEndian, uint32(0)) // nanoseconds
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(0)) // uid
	_ = binary.Write(buf, binary.LittleEndian, uint32(0)) // gid
	_ = binary.Write(buf, binary.LittleEndian, uint64(0))
	_ = binary.Write(buf, binary.LittleEndian, uint64(0))
	_ = binary.Write(buf, binary.LittleEndian, ino.Blocks)
}

// encodeS32 renders the signed layout: the fixed fields followed by 14
// signature+index entries. The index halves of used entries are filled
// during the signing pass, so everything past the fixed fields is
// zeroed here.
func (ino *dinode) encodeS32() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(DinodeS32Size)
	ino.encodeFixed(buf)
	buf.Write(make([]byte, DinodeS32Size-buf.Len()))
	return buf.Bytes()
}

// encodeD32 renders the unsigned layout: the fixed fields followed by
// twelve direct pointers and two indirect pointers, -1 marking unused
// slots.
func (ino *dinode) encodeD32() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(DinodeD32Size)
	ino.encodeFixed(buf)
	for i := range ino.Direct {
		_ = binary.Write(buf, binary.LittleEndian, ino.Direct[i])
	}
	_ = binary.Write(buf, binary.LittleEndian, ino.Indirect[0])
	_ = binary.Write(buf, binary.LittleEndian, ino.Indirect[1])
	buf.Write(make([]byte, DinodeD32Size-buf.Len()))
	return buf.Bytes()
}

func (ino *dinode) encode(unsigned bool) []byte {
	if unsigned {
		return ino.encodeD32()
	}
	return ino.encodeS32()
}

func dinodeSize(unsigned bool) int64 {
	if unsigned {
		return DinodeD32Size
	}
	return DinodeS32Size
}

// dirent is one directory-entry record. The serialized form is
// variable-length and padded so the next record starts on an 8-byte
// boundary; no record may span a block boundary.
type dirent struct {
	ino  int64
	typ  uint32
	name string
}

func (d *dirent) entSize() int64 {
	return 16 + align(int64(len(d.name)), 8)
}

func (d *dirent) encode(buf *bytes.Buffer) {
	l := d.entSize()
	_ = binary.Write(buf, binary.LittleEndian, uint32(d.ino))
	_ = binary.Write(buf, binary.LittleEndian, d.typ)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(d.name)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(l))
	buf.WriteString(d.name)
	buf.Write(make([]byte, int(l)-16-len(d.name)))
}

// direntData serializes a directory's records, zero-filling to the next
// block boundary whenever a record would otherwise straddle one. A
// zeroed record terminates the reader's scan of each block, so the
// padding needs no explicit terminator.
func direntData(dirents []dirent, blockSize int64) []byte {

	buf := new(bytes.Buffer)
	leftover := blockSize

	for i := range dirents {
		l := dirents[i].entSize()
		if leftover < l {
			buf.Write(make([]byte, int(leftover)))
			leftover = blockSize
		}
		dirents[i].encode(buf)
		leftover -= l
	}

	return buf.Bytes()
}

// direntDataLen computes the length of direntData without rendering
// it, for the layout pass.
func direntDataLen(dirents []dirent, blockSize int64) int64 {

	var length int64
	leftover := blockSize

	for i := range dirents {
		l := dirents[i].entSize()
		if leftover < l {
			length += leftover
			leftover = blockSize
		}
		length += l
		leftover -= l
	}

	return length
}

// header is the in-memory form of the PFS header block.
type header struct {
	id               uint64
	mode             uint16
	blockSize        uint32
	dinodeCount      int64
	ndblock          int64
	dinodeBlockCount int64
	inodeBlockSig    *dinode
	seed             [16]byte
}

// encode renders the header into the (already zeroed) first block of
// the image.
func (h *header) encode(block []byte, unsigned bool) {

	le := binary.LittleEndian
	le.PutUint64(block[0x00:], headerVersion)
	le.PutUint64(block[0x08:], headerMagic)
	le.PutUint64(block[0x10:], h.id)
	block[0x18] = 0 // fmode
	block[0x19] = 1 // clean
	block[0x1A] = 1 // read-only
	block[0x1B] = 0
	le.PutUint16(block[0x1C:], h.mode)
	le.PutUint16(block[0x1E:], 0)
	le.PutUint32(block[0x20:], h.blockSize)
	le.PutUint32(block[0x24:], 0) // backup block count
	le.PutUint64(block[0x28:], uint64(h.ndblock))
	le.PutUint64(block[0x30:], uint64(h.dinodeCount))
	le.PutUint64(block[0x38:], uint64(h.ndblock))
	le.PutUint64(block[0x40:], uint64(h.dinodeBlockCount))
	le.PutUint64(block[0x48:], 0) // super-root inode number

	copy(block[headerDinodeOffset:], h.inodeBlockSig.encode(unsigned))

	if h.mode&(modeSigned|modeEncrypted) != 0 {
		copy(block[headerSeedOffset:], h.seed[:])
	}
}
