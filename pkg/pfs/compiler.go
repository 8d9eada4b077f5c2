package pfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/orbistools/orbispkg/pkg/elog"
	"github.com/orbistools/orbispkg/pkg/stage"
)

// CompressedFile is implemented by staged files whose payload is
// already compressed: Size reports the logical (uncompressed) size
// while CompressedSize reports the bytes actually stored on disk.
type CompressedFile interface {
	stage.File
	CompressedSize() int64
}

// CompilerArgs organizes all inputs necessary to create a new Compiler.
type CompilerArgs struct {
	Tree      *stage.Tree
	Signed    bool
	Encrypted bool
	NewCrypt  bool
	Seed      [16]byte
	EKPFS     []byte
	MinBlocks int64
	FileTime  time.Time
	Logger    elog.View
}

// fsNode is one arena entry: a directory, a regular file, or one of the
// synthetic lookup blobs, reduced to what block layout and data writing
// need. Parents are referenced by arena index so the arena owns every
// node outright.
type fsNode struct {
	name      string
	path      string
	dir       bool
	parentIdx int

	dirents []dirent
	content stage.File
	blob    []byte

	size       int64
	stored     int64
	compressed bool

	number     int64
	ino        *dinode
	firstBlock int64
	blocks     int64
	sib        int64
	dib        int64
	secondIBs  []int64
}

// Compiler keeps all variables and settings for a single image compile
// operation. The stages must run in order: NewCompiler, Commit,
// Precompile, Compile.
type Compiler struct {
	log elog.View

	tree      *stage.Tree
	signed    bool
	encrypted bool
	newCrypt  bool
	seed      [16]byte
	ekpfs     []byte
	minBlocks int64
	fileTime  time.Time

	nodes    []*fsNode
	fptIdx   int
	crIdx    int
	urootIdx int

	fpt *flatPathTable
	cr  *collisionResolver

	dinodeCount      int64
	dinodeBlockCount int64
	inodesPerBlock   int64
	ndblock          int64
	emptyBlock       int64
	inodeBlockSig    *dinode

	dataSigs  []BlockSigInfo
	finalSigs []BlockSigInfo

	size int64
}

// NewCompiler returns an initialized Compiler object. The next
// necessary step is to call Commit on it.
func NewCompiler(args *CompilerArgs) *Compiler {
	c := new(Compiler)
	c.tree = args.Tree
	c.signed = args.Signed
	c.encrypted = args.Encrypted
	c.newCrypt = args.NewCrypt
	c.seed = args.Seed
	c.ekpfs = args.EKPFS
	c.minBlocks = args.MinBlocks
	c.fileTime = args.FileTime
	c.log = args.Logger
	if c.log == nil {
		c.log = elog.Nil()
	}
	c.crIdx = -1
	c.emptyBlock = -1
	return c
}

func (c *Compiler) unsigned() bool {
	return !c.signed
}

func (c *Compiler) baseFlags() uint32 {
	flags := uint32(InodeFlagReadonly)
	if c.signed {
		flags |= inodeFlagSignedA | inodeFlagSignedB
	}
	return flags
}

// HasCollision reports whether the flat path table needed a collision
// resolver. Valid after Commit.
func (c *Compiler) HasCollision() bool {
	return c.cr != nil
}

// DinodeCount returns the number of inodes in the image. Valid after
// Commit.
func (c *Compiler) DinodeCount() int64 {
	return c.dinodeCount
}

// Inode returns the size and block count recorded for inode number ino,
// and whether such an inode exists. Valid after Commit.
func (c *Compiler) Inode(ino int64) (size int64, blocks uint32, ok bool) {
	for _, n := range c.nodes {
		if n.number == ino {
			return n.ino.Size, n.ino.Blocks, true
		}
	}
	return 0, 0, false
}

// Commit locks in the image contents: it assigns every inode number,
// registers every dirent, and builds the flat path table and, when
// needed, the collision resolver.
func (c *Compiler) Commit(ctx context.Context) error {

	err := ctx.Err()
	if err != nil {
		return err
	}

	dirs := c.tree.Dirs()
	files := c.tree.Files()

	// The collision scan runs on path hashes alone, before inode
	// assignment, because the collision resolver claims inode 2 when
	// it exists and shifts everything after it.
	records := make([]pathRecord, 0, len(dirs)+len(files))
	for _, n := range dirs {
		records = append(records, pathRecord{hash: pathHash(n.Path()), path: n.Path()})
	}
	for _, n := range files {
		records = append(records, pathRecord{hash: pathHash(n.Path()), path: n.Path()})
	}
	withCR := hasCollision(records)

	superroot := &fsNode{name: "", dir: true, parentIdx: -1, number: 0}
	fptNode := &fsNode{name: "flat_path_table", parentIdx: 0, number: 1}
	c.nodes = append(c.nodes, superroot, fptNode)
	c.fptIdx = 1

	if withCR {
		crNode := &fsNode{name: "collision_resolver", parentIdx: 0, number: 2}
		c.nodes = append(c.nodes, crNode)
		c.crIdx = 2
	}

	uroot := &fsNode{name: "uroot", path: "/", dir: true, parentIdx: 0}
	uroot.number = int64(len(c.nodes))
	c.urootIdx = len(c.nodes)
	c.nodes = append(c.nodes, uroot)
	uroot.dirents = append(uroot.dirents,
		dirent{ino: uroot.number, typ: DirentDot, name: "."},
		dirent{ino: superroot.number, typ: DirentDotDot, name: ".."},
	)

	superroot.dirents = append(superroot.dirents, dirent{ino: 1, typ: DirentFile, name: "flat_path_table"})
	if withCR {
		superroot.dirents = append(superroot.dirents, dirent{ino: 2, typ: DirentFile, name: "collision_resolver"})
	}
	superroot.dirents = append(superroot.dirents, dirent{ino: uroot.number, typ: DirentDir, name: "uroot"})

	byPath := map[string]int{"/": c.urootIdx}

	// Directories first, in ordinal path order; each one registers
	// itself in its parent and seeds its own '.' and '..' entries.
	for _, n := range dirs {

		if err = ctx.Err(); err != nil {
			return err
		}

		parentIdx, ok := byPath[parentPath(n.Path())]
		if !ok {
			return fmt.Errorf("directory '%s' staged before its parent", n.Path())
		}

		node := &fsNode{
			name:      n.File.Name(),
			path:      n.Path(),
			dir:       true,
			parentIdx: parentIdx,
			number:    int64(len(c.nodes)),
		}
		byPath[n.Path()] = len(c.nodes)
		c.nodes = append(c.nodes, node)
		n.Ino = node.number

		parent := c.nodes[parentIdx]
		node.dirents = append(node.dirents,
			dirent{ino: node.number, typ: DirentDot, name: "."},
			dirent{ino: parent.number, typ: DirentDotDot, name: ".."},
		)
		parent.dirents = append(parent.dirents, dirent{ino: node.number, typ: DirentDir, name: node.name})
	}

	// Then files, shallow-last.
	for _, n := range files {

		if err = ctx.Err(); err != nil {
			return err
		}

		parentIdx, ok := byPath[parentPath(n.Path())]
		if !ok {
			return fmt.Errorf("file '%s' staged before its parent", n.Path())
		}

		node := &fsNode{
			name:      n.File.Name(),
			path:      n.Path(),
			parentIdx: parentIdx,
			number:    int64(len(c.nodes)),
			content:   n.File,
			size:      n.File.Size(),
			stored:    n.File.Size(),
		}
		if cf, ok := n.File.(CompressedFile); ok {
			node.compressed = true
			node.stored = cf.CompressedSize()
		}
		c.nodes = append(c.nodes, node)
		n.Ino = node.number

		parent := c.nodes[parentIdx]
		parent.dirents = append(parent.dirents, dirent{ino: node.number, typ: DirentFile, name: node.name})
	}

	// Inode numbers are final, so the lookup structures can be built.
	inoByPath := make(map[string]int64, len(c.nodes))
	for _, n := range c.nodes[c.urootIdx+1:] {
		inoByPath[n.path] = n.number
	}
	for i := range records {
		records[i].ino = inoByPath[records[i].path]
	}

	c.fpt, c.cr = buildPathTable(records)
	if (c.cr != nil) != withCR {
		return errors.New("collision scan and path table disagree")
	}

	c.nodes[c.fptIdx].blob = c.fpt.bytes()
	c.nodes[c.fptIdx].size = c.fpt.size()
	c.nodes[c.fptIdx].stored = c.fpt.size()
	if withCR {
		c.nodes[c.crIdx].blob = c.cr.bytes()
		c.nodes[c.crIdx].size = c.cr.size()
		c.nodes[c.crIdx].stored = c.cr.size()
	}

	c.finalizeDinodes()

	return nil
}

func parentPath(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/"
			}
			return p[:i]
		}
	}
	return "/"
}

// finalizeDinodes fills in every node's dinode now that dirent lists
// and sizes are complete.
func (c *Compiler) finalizeDinodes() {

	for _, n := range c.nodes {

		ino := newDinode(c.unsigned())
		ino.Flags = c.baseFlags()
		ino.Time = c.fileTime.Unix()

		if n.dir {
			n.size = direntDataLen(n.dirents, BlockSize)
			n.stored = n.size
			ino.Mode = InodeModeDir
			ino.Nlink = 2
			for _, d := range n.dirents {
				if d.typ == DirentDir {
					ino.Nlink++
				}
			}
			ino.Size = align(n.size, BlockSize)
		} else {
			ino.Mode = InodeModeFile
			ino.Nlink = 1
			ino.Size = n.size
			if n.compressed {
				ino.Flags |= InodeFlagCompressed
				ino.SizeCompressed = n.stored
			}
		}

		if n.blob != nil {
			ino.Flags |= InodeFlagInternal
		}

		n.blocks = divide(n.stored, BlockSize)
		ino.Blocks = uint32(n.blocks)
		n.ino = ino
		n.sib = -1
		n.dib = -1
	}

	c.dinodeCount = int64(len(c.nodes))
	c.inodesPerBlock = BlockSize / dinodeSize(c.unsigned())
	c.dinodeBlockCount = divide(c.dinodeCount, c.inodesPerBlock)
}

// indirectBlocksNeeded computes how many indirect blocks a node with
// the given data-block count consumes, given fanout pointers per
// indirect block.
func indirectBlocksNeeded(blocks, fanout int64) (int64, error) {
	switch {
	case blocks <= maxDirectBlocks:
		return 0, nil
	case blocks <= maxDirectBlocks+fanout:
		return 1, nil
	case blocks <= maxDirectBlocks+fanout+fanout*fanout:
		return 2 + divide(blocks-maxDirectBlocks-fanout, fanout), nil
	default:
		return 0, ErrLayoutOverflow
	}
}

func (c *Compiler) fanout() int64 {
	if c.signed {
		return SigsPerBlock
	}
	return ptrsPerBlock
}

// inoSigOffset returns the image offset of block-pointer slot 'slot'
// within inode number 'ino'. In a signed image each slot is a
// signature+index pair.
func (c *Compiler) inoSigOffset(ino, slot int64) int64 {
	blk := 1 + ino/c.inodesPerBlock
	off := blk*BlockSize + (ino%c.inodesPerBlock)*dinodeSize(c.unsigned())
	return off + dinodeFixedSize + sigEntrySize*slot
}

// Precompile runs block layout, locking in the total image size. It
// must be called after a successful Commit and before Compile.
func (c *Compiler) Precompile(ctx context.Context) error {

	err := ctx.Err()
	if err != nil {
		return err
	}

	c.inodeBlockSig = newDinode(c.unsigned())
	c.inodeBlockSig.Mode = InodeModeFile
	c.inodeBlockSig.Flags = c.baseFlags()
	c.inodeBlockSig.Nlink = 1
	c.inodeBlockSig.Time = c.fileTime.Unix()
	c.inodeBlockSig.Size = c.dinodeBlockCount * BlockSize
	c.inodeBlockSig.Blocks = uint32(c.dinodeBlockCount)

	if c.signed {
		err = c.layoutSigned(ctx)
	} else {
		err = c.layoutUnsigned(ctx)
	}
	if err != nil {
		return err
	}

	if c.ndblock < c.minBlocks {
		c.ndblock = c.minBlocks
	}
	c.size = c.ndblock * BlockSize

	c.log.Debugf("filesystem image: %d inodes, %d blocks, %d data sigs, %d final sigs",
		c.dinodeCount, c.ndblock, len(c.dataSigs), len(c.finalSigs))

	return nil
}

// layoutNodes returns the nodes covered by the generic portion of block
// layout: the user root, then directories, then files, in arena order.
func (c *Compiler) layoutNodes() []*fsNode {
	return c.nodes[c.urootIdx:]
}

func (c *Compiler) layoutSigned(ctx context.Context) error {

	// The header's own signature is planned before anything else.
	c.finalSigs = append(c.finalSigs, BlockSigInfo{Block: 0, SigOffset: headerSigOffset, Size: headerSignedSize})
	c.ndblock = 1

	for i := int64(0); i < c.dinodeBlockCount; i++ {
		c.finalSigs = append(c.finalSigs, BlockSigInfo{
			Block:     1 + i,
			SigOffset: headerDinodeOffset + dinodeFixedSize + sigEntrySize*i,
			Size:      BlockSize,
		})
	}
	c.ndblock += c.dinodeBlockCount

	superroot := c.nodes[0]
	superroot.firstBlock = c.ndblock
	c.dataSigs = append(c.dataSigs, BlockSigInfo{Block: c.ndblock, SigOffset: c.inoSigOffset(0, 0), Size: BlockSize})
	c.ndblock++

	err := c.layoutTableBlocks(c.nodes[c.fptIdx])
	if err != nil {
		return err
	}
	if c.crIdx >= 0 {
		err = c.layoutTableBlocks(c.nodes[c.crIdx])
		if err != nil {
			return err
		}
	}

	// The empty block is a deliberate hole: it is never signed and the
	// encryption sweep skips its sectors.
	c.emptyBlock = c.ndblock
	c.ndblock++

	ibCursor := c.ndblock
	var totalIB int64
	for _, n := range c.layoutNodes() {
		need, err := indirectBlocksNeeded(n.blocks, c.fanout())
		if err != nil {
			return fmt.Errorf("'%s': %w", n.path, err)
		}
		totalIB += need
	}
	c.ndblock += totalIB

	for _, n := range c.layoutNodes() {

		if err = ctx.Err(); err != nil {
			return err
		}

		n.firstBlock = c.ndblock

		for i := int64(0); i < n.blocks && i < maxDirectBlocks; i++ {
			c.dataSigs = append(c.dataSigs, BlockSigInfo{Block: c.ndblock, SigOffset: c.inoSigOffset(n.number, i), Size: BlockSize})
			c.ndblock++
		}

		if n.blocks <= maxDirectBlocks {
			continue
		}

		n.sib = ibCursor
		ibCursor++
		c.finalSigs = append(c.finalSigs, BlockSigInfo{Block: n.sib, SigOffset: c.inoSigOffset(n.number, maxDirectBlocks), Size: BlockSize})

		rem := n.blocks - maxDirectBlocks
		run := rem
		if run > SigsPerBlock {
			run = SigsPerBlock
		}
		for i := int64(0); i < run; i++ {
			c.dataSigs = append(c.dataSigs, BlockSigInfo{Block: c.ndblock, SigOffset: n.sib*BlockSize + sigEntrySize*i, Size: BlockSize})
			c.ndblock++
		}
		rem -= run

		if rem == 0 {
			continue
		}

		n.dib = ibCursor
		ibCursor++
		c.finalSigs = append(c.finalSigs, BlockSigInfo{Block: n.dib, SigOffset: c.inoSigOffset(n.number, maxDirectBlocks+1), Size: BlockSize})

		for j := int64(0); rem > 0; j++ {
			if j >= SigsPerBlock {
				return fmt.Errorf("'%s': %w", n.path, ErrLayoutOverflow)
			}
			sib := ibCursor
			ibCursor++
			n.secondIBs = append(n.secondIBs, sib)
			c.finalSigs = append(c.finalSigs, BlockSigInfo{Block: sib, SigOffset: n.dib*BlockSize + sigEntrySize*j, Size: BlockSize})

			run = rem
			if run > SigsPerBlock {
				run = SigsPerBlock
			}
			for i := int64(0); i < run; i++ {
				c.dataSigs = append(c.dataSigs, BlockSigInfo{Block: c.ndblock, SigOffset: sib*BlockSize + sigEntrySize*i, Size: BlockSize})
				c.ndblock++
			}
			rem -= run
		}
	}

	// Header-level inode-block pointers, preserved exactly as the
	// reference behaves: slots 0..K-1 take the values 1..K.
	for i := int64(0); i < c.dinodeBlockCount && i < maxDirectBlocks; i++ {
		c.inodeBlockSig.Direct[i] = int32(1 + i)
	}

	return nil
}

// layoutTableBlocks assigns blocks to the flat path table or collision
// resolver node: direct pointers only, each block planned in the final
// signature pool because the table blocks never change after writing.
func (c *Compiler) layoutTableBlocks(n *fsNode) error {

	n.firstBlock = c.ndblock

	if n.blocks > maxDirectBlocks {
		return fmt.Errorf("'%s' needs %d blocks but only %d direct slots exist", n.name, n.blocks, maxDirectBlocks)
	}

	for s := int64(0); s < n.blocks; s++ {
		if c.signed {
			c.finalSigs = append(c.finalSigs, BlockSigInfo{Block: c.ndblock, SigOffset: c.inoSigOffset(n.number, s), Size: BlockSize})
		} else {
			n.ino.Direct[s] = int32(c.ndblock)
		}
		c.ndblock++
	}

	return nil
}

func (c *Compiler) layoutUnsigned(ctx context.Context) error {

	c.ndblock = 1

	// Direct-mode header pointer: slot 0 takes the block number of the
	// first inode block; later slots keep their defaults.
	c.inodeBlockSig.Direct[0] = int32(c.ndblock)
	c.ndblock += c.dinodeBlockCount

	superroot := c.nodes[0]
	superroot.firstBlock = c.ndblock
	superroot.ino.Direct[0] = int32(c.ndblock)
	c.ndblock++

	err := c.layoutTableBlocks(c.nodes[c.fptIdx])
	if err != nil {
		return err
	}

	if c.crIdx >= 0 {
		err = c.layoutTableBlocks(c.nodes[c.crIdx])
		if err != nil {
			return err
		}
	} else {
		c.emptyBlock = c.ndblock
		c.ndblock++
	}

	ibCursor := c.ndblock
	var totalIB int64
	for _, n := range c.layoutNodes() {
		need, err := indirectBlocksNeeded(n.blocks, c.fanout())
		if err != nil {
			return fmt.Errorf("'%s': %w", n.path, err)
		}
		totalIB += need
	}
	c.ndblock += totalIB

	for _, n := range c.layoutNodes() {

		if err = ctx.Err(); err != nil {
			return err
		}

		n.firstBlock = c.ndblock

		for i := int64(0); i < n.blocks && i < maxDirectBlocks; i++ {
			n.ino.Direct[i] = int32(c.ndblock)
			c.ndblock++
		}

		if n.blocks <= maxDirectBlocks {
			continue
		}

		n.sib = ibCursor
		ibCursor++
		n.ino.Indirect[0] = int32(n.sib)

		rem := n.blocks - maxDirectBlocks
		run := rem
		if run > ptrsPerBlock {
			run = ptrsPerBlock
		}
		c.ndblock += run
		rem -= run

		if rem == 0 {
			continue
		}

		n.dib = ibCursor
		ibCursor++
		n.ino.Indirect[1] = int32(n.dib)

		for j := int64(0); rem > 0; j++ {
			if j >= ptrsPerBlock {
				return fmt.Errorf("'%s': %w", n.path, ErrLayoutOverflow)
			}
			sib := ibCursor
			ibCursor++
			n.secondIBs = append(n.secondIBs, sib)

			run = rem
			if run > ptrsPerBlock {
				run = ptrsPerBlock
			}
			c.ndblock += run
			rem -= run
		}
	}

	return nil
}

// Size returns the total image size in bytes. Valid after Precompile.
func (c *Compiler) Size() int64 {
	return c.size
}

// EmptyBlock returns the block index of the deliberate hole, or -1 when
// the layout has none.
func (c *Compiler) EmptyBlock() int64 {
	return c.emptyBlock
}

// Ndblock returns the total block count of the image. Valid after
// Precompile.
func (c *Compiler) Ndblock() int64 {
	return c.ndblock
}

// DataSigs returns a copy of the planned data-block signatures. Valid
// after Precompile.
func (c *Compiler) DataSigs() []BlockSigInfo {
	return append([]BlockSigInfo(nil), c.dataSigs...)
}

// FinalSigs returns a copy of the planned metadata signatures. Valid
// after Precompile.
func (c *Compiler) FinalSigs() []BlockSigInfo {
	return append([]BlockSigInfo(nil), c.finalSigs...)
}

// Compile writes the image into img, which must be at least Size()
// bytes of zeroed memory, then signs and encrypts it as configured. It
// should only be called after a successful Precompile.
func (c *Compiler) Compile(ctx context.Context, img []byte) error {

	if int64(len(img)) < c.size {
		return fmt.Errorf("image buffer is %d bytes; need %d", len(img), c.size)
	}
	img = img[:c.size]

	err := c.writeData(ctx, img)
	if err != nil {
		return err
	}

	if c.signed {
		err = c.sign(ctx, img)
		if err != nil {
			return err
		}
	}

	if c.encrypted {
		err = c.encrypt(ctx, img)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Compiler) writeData(ctx context.Context, img []byte) error {

	hdr := &header{
		id:               binary.LittleEndian.Uint64(c.seed[:8]),
		blockSize:        BlockSize,
		dinodeCount:      c.dinodeCount,
		ndblock:          c.ndblock,
		dinodeBlockCount: c.dinodeBlockCount,
		inodeBlockSig:    c.inodeBlockSig,
		seed:             c.seed,
	}
	hdr.mode = modeAlwaysSet | mode64Bit
	if c.signed {
		hdr.mode |= modeSigned
	}
	if c.encrypted {
		hdr.mode |= modeEncrypted
	}
	hdr.encode(img[:BlockSize], c.unsigned())

	// Pack the inode table into blocks 1..K. Inodes never straddle a
	// block boundary; the slack at the end of each block stays zero.
	isz := dinodeSize(c.unsigned())
	for _, n := range c.nodes {
		blk := 1 + n.number/c.inodesPerBlock
		off := blk*BlockSize + (n.number%c.inodesPerBlock)*isz
		copy(img[off:], n.ino.encode(c.unsigned()))
	}

	for _, n := range c.nodes {

		err := ctx.Err()
		if err != nil {
			return err
		}

		err = c.writeNode(img, n)
		if err != nil {
			return err
		}
	}

	if c.unsigned() {
		c.writePointerBlocks(img)
	}

	return nil
}

func (c *Compiler) writeNode(img []byte, n *fsNode) error {

	off := n.firstBlock * BlockSize

	switch {
	case n.dir:
		data := direntData(n.dirents, BlockSize)
		copy(img[off:], data)
	case n.blob != nil:
		copy(img[off:], n.blob)
	case n.content != nil:
		_, err := io.ReadFull(n.content, img[off:off+n.stored])
		if cerr := n.content.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("reading '%s': %w", n.path, err)
		}
	}

	return nil
}

// writePointerBlocks fills the indirect blocks of an unsigned image
// with plain 4-byte pointers. Signed images carry signature+index
// pairs there instead, which the signing pass produces.
func (c *Compiler) writePointerBlocks(img []byte) {

	for _, n := range c.layoutNodes() {

		if n.sib < 0 {
			continue
		}

		buf := new(bytes.Buffer)
		rem := n.blocks - maxDirectBlocks
		next := n.firstBlock + maxDirectBlocks

		run := rem
		if run > ptrsPerBlock {
			run = ptrsPerBlock
		}
		for i := int64(0); i < run; i++ {
			_ = binary.Write(buf, binary.LittleEndian, int32(next))
			next++
		}
		copy(img[n.sib*BlockSize:], buf.Bytes())
		rem -= run

		if n.dib < 0 {
			continue
		}

		buf.Reset()
		for _, sib := range n.secondIBs {
			_ = binary.Write(buf, binary.LittleEndian, int32(sib))
		}
		copy(img[n.dib*BlockSize:], buf.Bytes())

		for _, sib := range n.secondIBs {
			buf.Reset()
			run = rem
			if run > ptrsPerBlock {
				run = ptrsPerBlock
			}
			for i := int64(0); i < run; i++ {
				_ = binary.Write(buf, binary.LittleEndian, int32(next))
				next++
			}
			copy(img[sib*BlockSize:], buf.Bytes())
			rem -= run
		}
	}
}
