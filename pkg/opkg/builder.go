package opkg

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sync/errgroup"

	"github.com/orbistools/orbispkg/pkg/elog"
	"github.com/orbistools/orbispkg/pkg/keys"
	"github.com/orbistools/orbispkg/pkg/pfs"
	"github.com/orbistools/orbispkg/pkg/proj"
	"github.com/orbistools/orbispkg/pkg/sfo"
	"github.com/orbistools/orbispkg/pkg/stage"
)

const (
	chunkSize     = 0x10000
	playgoWorkers = 10

	// innerImagePath is where the outer image mounts the inner one.
	innerImagePath = "/pfs_image.dat"
)

// BuilderArgs collects all of the arguments needed to call NewBuilder
// into one place.
type BuilderArgs struct {
	Project *proj.Project
	Logger  elog.View
}

// Builder produces one package file from a project. Building happens in
// stages: NewBuilder validates and stages the inputs, Prebuild locks in
// the complete layout and final file size, and Write (or WriteTo)
// renders everything.
type Builder struct {
	log     elog.View
	project *proj.Project

	contentType proj.ContentType
	ekpfs       []byte
	seed        [16]byte
	buildTime   time.Time
	fileTime    time.Time

	tree   *stage.Tree
	sceSys map[string]stage.File

	outer        *pfs.Compiler
	innerSize    int64
	pfsImageSize int64

	hdr     Header
	entries []*Entry

	bodySize  int64
	totalSize int64

	metas    *Entry
	digests  *Entry
	chunkSha *Entry
	gdigests *Entry
}

// NewBuilder validates the project, stages its root directory, and
// separates out the files destined to become package entries.
func NewBuilder(ctx context.Context, args *BuilderArgs) (*Builder, error) {

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	b := new(Builder)
	b.project = args.Project
	b.log = args.Logger
	if b.log == nil {
		b.log = elog.Nil()
	}

	err = b.project.Validate()
	if err != nil {
		return nil, err
	}

	b.contentType, err = b.project.ContentType()
	if err != nil {
		return nil, err
	}

	b.ekpfs, err = keys.EKPFS(b.project.ContentID, b.project.Passcode)
	if err != nil {
		return nil, err
	}

	b.seed = b.project.SeedBytes()
	if b.seed == ([16]byte{}) {
		_, err = rand.Read(b.seed[:])
		if err != nil {
			return nil, err
		}
	}

	b.buildTime = time.Now()
	if b.project.CreationDate != "" {
		t, err := time.Parse("20060102", b.project.CreationDate)
		if err != nil {
			return nil, fmt.Errorf("bad creation date: %w", err)
		}
		b.buildTime = t
	}
	b.fileTime = b.project.Pfs.FileTime
	if b.fileTime.IsZero() {
		b.fileTime = b.buildTime
	}

	b.tree, b.sceSys, err = stage.BuildTree(b.project.RootDir, IsEntryName)
	if err != nil {
		return nil, err
	}

	if _, ok := b.sceSys["param.sfo"]; !ok {
		return nil, ErrMissingParamSfo
	}

	return b, nil
}

func (b *Builder) withPfs() bool {
	return b.contentType != proj.ContentTypeAL
}

func (b *Builder) isGD() bool {
	return b.contentType == proj.ContentTypeGD
}

// Prebuild compiles the inner filesystem image, lays out the outer
// image and the package body, and locks in the final file size. It
// must be called before Write or WriteTo.
func (b *Builder) Prebuild(ctx context.Context) (err error) {

	if b.withPfs() {
		err = b.prebuildPfs(ctx)
		if err != nil {
			return err
		}
	}

	err = b.assembleEntries(ctx)
	if err != nil {
		return err
	}

	b.finalizeHeader()

	return nil
}

// prebuildPfs builds the inner (unsigned) image in memory, wraps it in
// its compressed container, and commits the outer (signed, encrypted)
// image that embeds it.
func (b *Builder) prebuildPfs(ctx context.Context) error {

	inner := pfs.NewCompiler(&pfs.CompilerArgs{
		Tree:     b.tree,
		FileTime: b.fileTime,
		Logger:   b.log,
	})

	err := inner.Commit(ctx)
	if err != nil {
		return err
	}

	err = inner.Precompile(ctx)
	if err != nil {
		return err
	}

	b.innerSize = inner.Size()
	b.log.Infof("inner image: %d bytes", b.innerSize)

	innerImg := make([]byte, b.innerSize)
	err = inner.Compile(ctx, innerImg)
	if err != nil {
		return err
	}

	pfsc, err := pfs.CompressPFSC(innerImg)
	if err != nil {
		return err
	}
	innerImg = nil

	outerTree := stage.NewTree()
	err = outerTree.Map(innerImagePath, &compressedBlobFile{
		name:         "pfs_image.dat",
		blob:         pfsc,
		uncompressed: b.innerSize,
		modTime:      b.fileTime,
	})
	if err != nil {
		return err
	}

	b.outer = pfs.NewCompiler(&pfs.CompilerArgs{
		Tree:      outerTree,
		Signed:    b.project.Pfs.Sign,
		Encrypted: b.project.Pfs.Encrypt,
		NewCrypt:  b.project.Pfs.NewCrypt,
		Seed:      b.seed,
		EKPFS:     b.ekpfs,
		MinBlocks: b.project.Pfs.MinBlocks,
		FileTime:  b.fileTime,
		Logger:    b.log,
	})

	err = b.outer.Commit(ctx)
	if err != nil {
		return err
	}

	err = b.outer.Precompile(ctx)
	if err != nil {
		return err
	}

	b.pfsImageSize = b.outer.Size()
	b.log.Infof("outer image: %d bytes", b.pfsImageSize)

	return nil
}

// compressedBlobFile is the staged form of the inner image: an
// already-compressed payload whose logical size is the uncompressed
// image.
type compressedBlobFile struct {
	name         string
	blob         []byte
	uncompressed int64
	modTime      time.Time
	r            *bytes.Reader
}

func (f *compressedBlobFile) Name() string          { return f.name }
func (f *compressedBlobFile) Size() int64           { return f.uncompressed }
func (f *compressedBlobFile) CompressedSize() int64 { return int64(len(f.blob)) }
func (f *compressedBlobFile) ModTime() time.Time    { return f.modTime }
func (f *compressedBlobFile) IsDir() bool           { return false }
func (f *compressedBlobFile) Close() error          { return nil }

func (f *compressedBlobFile) Read(p []byte) (int, error) {
	if f.r == nil {
		f.r = bytes.NewReader(f.blob)
	}
	return f.r.Read(p)
}

var _ pfs.CompressedFile = (*compressedBlobFile)(nil)

func (b *Builder) readSceSys(name string) ([]byte, error) {
	f, ok := b.sceSys[name]
	if !ok {
		return nil, nil
	}
	data, err := ioutil.ReadAll(f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("reading sce_sys/%s: %w", name, err)
	}
	return data, nil
}

func (b *Builder) addEntry(id EntryID, name string, data []byte) *Entry {
	e := &Entry{
		ID:     id,
		Name:   name,
		Flags1: entryFlags1[id],
		Data:   data,
	}
	b.entries = append(b.entries, e)
	return e
}

// assembleEntries builds the canonical entry list and lays the body
// out, fixing every entry's data offset and the body size.
func (b *Builder) assembleEntries(ctx context.Context) error {

	err := ctx.Err()
	if err != nil {
		return err
	}

	// A provisional package size covers the common case where the body
	// fits within its initial budget; the param.sfo augmentation and
	// the chunk digest allocation both start from it and are revisited
	// once the real body size is known.
	estimate := int64(pfsOffset) + b.pfsImageSize

	paramSfo, err := b.readSceSys("param.sfo")
	if err != nil {
		return err
	}
	psf, err := sfo.Read(bytes.NewReader(paramSfo))
	if err != nil {
		return fmt.Errorf("sce_sys/param.sfo: %w", err)
	}
	err = augmentParamSfo(psf, b.project, estimate, b.withPfs(), b.buildTime)
	if err != nil {
		return err
	}
	sfoBytes, err := psf.Bytes()
	if err != nil {
		return err
	}

	imageKey, err := imageKeyData(b.ekpfs)
	if err != nil {
		return err
	}

	b.addEntry(EntryIDEntryKeys, "", entryKeysData(b.project.ContentID))
	b.addEntry(EntryIDImageKey, "", imageKey)
	b.gdigests = b.addEntry(EntryIDGeneralDigests, "", make([]byte, genDigestsSize))
	b.metas = b.addEntry(EntryIDMetas, "", nil)
	b.digests = b.addEntry(EntryIDDigests, "", nil)
	names := b.addEntry(EntryIDEntryNames, "", nil)

	if b.isGD() {
		chunkDat, err := b.readSceSys("playgo-chunk.dat")
		if err != nil {
			return err
		}
		if chunkDat == nil {
			chunkDat = defaultPlaygoChunkDat()
		}
		b.addEntry(EntryIDPlaygoChunkDat, "playgo-chunk.dat", chunkDat)

		b.chunkSha = b.addEntry(EntryIDPlaygoChunkSha, "playgo-chunk.sha",
			make([]byte, 4*divide(estimate, chunkSize)))

		manifest, err := b.readSceSys("playgo-manifest.xml")
		if err != nil {
			return err
		}
		if manifest == nil {
			manifest = []byte(defaultPlaygoManifest)
		}
		b.addEntry(EntryIDPlaygoManifestXml, "playgo-manifest.xml", manifest)
	}

	dat, err := licenseDat(b.project.ContentID, b.contentType, b.project.EntitlementKeyBytes())
	if err != nil {
		return err
	}
	b.addEntry(EntryIDLicenseDat, "", dat)
	b.addEntry(EntryIDLicenseInfo, "", licenseInfo(dat))

	sfoEntry := b.addEntry(EntryIDParamSfo, "param.sfo", sfoBytes)

	// Any remaining recognized sce_sys file rides along as an entry,
	// in canonical order.
	var extras []string
	for rel := range b.sceSys {
		switch rel {
		case "param.sfo", "playgo-chunk.dat", "playgo-chunk.sha", "playgo-manifest.xml":
			continue
		}
		extras = append(extras, rel)
	}
	sort.Slice(extras, func(i, j int) bool {
		ci, cj := canonicalIndex(extras[i]), canonicalIndex(extras[j])
		if ci != cj {
			return ci < cj
		}
		return extras[i] < extras[j]
	})
	for _, rel := range extras {
		data, err := b.readSceSys(rel)
		if err != nil {
			return err
		}
		b.addEntry(entryNameID[rel], rel, data)
	}

	b.addEntry(EntryIDPsReservedDat, "", make([]byte, psReservedSize))

	// Entry count is now final: size the meta table, the digest table,
	// and the name table.
	b.metas.Data = make([]byte, len(b.entries)*metaSize)
	b.digests.Data = make([]byte, len(b.entries)*metaSize)
	names.Data = b.buildNameTable()

	b.layoutBody()

	// Second pass: the real package size is known, so the param.sfo
	// publishing fields and the chunk digest size can be finalized. A
	// size change here can only come from the param.sfo value table
	// growing, which re-layout absorbs.
	err = augmentParamSfo(psf, b.project, b.packageSize(), b.withPfs(), b.buildTime)
	if err != nil {
		return err
	}
	sfoBytes, err = psf.Bytes()
	if err != nil {
		return err
	}
	if len(sfoBytes) != len(sfoEntry.Data) {
		sfoEntry.Data = sfoBytes
		b.layoutBody()
	} else {
		sfoEntry.Data = sfoBytes
	}

	if b.chunkSha != nil {
		need := 4 * divide(b.packageSize(), chunkSize)
		if need > int64(len(b.chunkSha.Data)) {
			// The table can come up short when the body spills past its
			// initial budget. Warn and carry on with the allocated size.
			b.log.Warnf("chunk digest table needs %d bytes but only %d were allocated", need, len(b.chunkSha.Data))
		} else {
			b.chunkSha.Data = b.chunkSha.Data[:need]
		}
	}

	return nil
}

func divide(a, b int64) int64 {
	return (a + b - 1) / b
}

func alignUp(a, b int64) int64 {
	return divide(a, b) * b
}

// buildNameTable serializes the entry-name table: a leading empty
// string, then each named entry's name, NUL terminated. Only entries
// at or above the param.sfo id carry names.
func (b *Builder) buildNameTable() []byte {

	table := []byte{0}
	for _, e := range b.entries {
		if e.ID < EntryIDParamSfo || e.Name == "" {
			continue
		}
		e.NameOffset = uint32(len(table))
		table = append(table, e.Name...)
		table = append(table, 0)
	}

	return table
}

// layoutBody assigns every entry's data offset, 16-byte aligned, and
// derives the body size, which is padded up to the body alignment.
func (b *Builder) layoutBody() {

	cursor := int64(bodyOffset)
	for _, e := range b.entries {
		cursor = alignUp(cursor, entryAlign)
		e.DataOffset = cursor
		cursor += e.DataSize()
	}

	b.bodySize = alignUp(cursor, bodyAlign) - bodyOffset
	if b.withPfs() {
		b.totalSize = bodyOffset + b.bodySize + b.pfsImageSize
	} else {
		b.totalSize = bodyOffset + b.bodySize
	}
}

func (b *Builder) packageSize() int64 {
	return b.totalSize
}

func (b *Builder) versionDate() uint32 {
	date := b.project.CreationDate
	if date == "" {
		date = b.buildTime.Format("20060102")
	}
	n, err := strconv.ParseUint(date, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func (b *Builder) finalizeHeader() {

	h := &b.hdr
	h.EntryCount = uint32(len(b.entries))
	h.ScEntryCount = scEntryCount
	h.EntryTableOffset = uint32(b.metas.DataOffset)
	h.MainEntDataSize = uint32(b.mainEntDataSize())
	h.BodyOffset = bodyOffset
	h.BodySize = b.bodySize
	h.ContentID = b.project.ContentID
	h.DrmType = drmTypeFree
	h.ContentType = uint32(b.contentType)
	h.ContentFlags = pkgFlags
	if b.project.Pfs.NewCrypt {
		h.ContentFlags |= 0x01000000
	}
	h.VersionDate = b.versionDate()

	if b.withPfs() {
		h.PfsImageCount = 1
		h.PfsFlags = pfsFlagsOldCrypt
		if b.project.Pfs.NewCrypt {
			h.PfsFlags = pfsFlagsNewCrypt
		}
		h.PfsImageOffset = bodyOffset + b.bodySize
		h.PfsImageSize = b.pfsImageSize
		h.MountImageOffset = 0
		h.MountImageSize = b.totalSize
		h.PfsSignedSize = pfsSignedSize
		h.PfsCacheSize = pfsCacheSize
	}
	h.PackageSize = b.totalSize
}

// mainEntDataSize is the byte length of the verified entry region: the
// five sc entries concatenated.
func (b *Builder) mainEntDataSize() int64 {
	var total int64
	for _, e := range b.entries[:scEntryCount] {
		total += e.DataSize()
	}
	return total
}

// TotalSize returns the final package file size. Valid after Prebuild.
func (b *Builder) TotalSize() int64 {
	return b.totalSize
}

// Write renders the package to a memory-mapped file at path and
// returns its descriptor.
func (b *Builder) Write(ctx context.Context, path string) (*Pkg, error) {

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	err = f.Truncate(b.totalSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	m, err := mmap.MapRegion(f, int(b.totalSize), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pkg, err := b.build(ctx, m)

	if ferr := m.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if uerr := m.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	return pkg, nil
}

// WriteTo renders the package into an anonymous in-memory image and
// copies it to w. The bytes match the mmap-backed path exactly.
func (b *Builder) WriteTo(ctx context.Context, w io.Writer) (*Pkg, error) {

	img := make([]byte, b.totalSize)
	pkg, err := b.build(ctx, img)
	if err != nil {
		return nil, err
	}

	_, err = w.Write(img)
	if err != nil {
		return nil, err
	}

	return pkg, nil
}

// build renders everything into img: the filesystem images, the body,
// and then the digest cascade, whose step order is load-bearing.
func (b *Builder) build(ctx context.Context, img []byte) (*Pkg, error) {

	if int64(len(img)) != b.totalSize {
		return nil, fmt.Errorf("image is %d bytes; need %d", len(img), b.totalSize)
	}

	progress := b.log.NewProgress("Writing package", "KiB", b.totalSize)
	defer progress.Finish(false)

	h := &b.hdr

	if b.withPfs() {

		b.log.Infof("writing filesystem image")
		elog.Checkpoint(b.log, 15)

		err := b.outer.Compile(ctx, img[h.PfsImageOffset:h.PfsImageOffset+b.pfsImageSize])
		if err != nil {
			return nil, err
		}

		elog.Checkpoint(b.log, 40)
		progress.Increment(b.pfsImageSize)

		h.PfsSignedDigest = sha256.Sum256(img[h.PfsImageOffset : h.PfsImageOffset+pfsSignedSize])
		h.PfsImageDigest = sha256.Sum256(img[h.PfsImageOffset : h.PfsImageOffset+b.pfsImageSize])
	}

	if b.chunkSha != nil {
		b.log.Infof("computing chunk digests")
		err := b.hashChunks(ctx, img)
		if err != nil {
			return nil, err
		}
	}
	elog.Checkpoint(b.log, 70)

	copy(b.gdigests.Data, generalDigestsData(h))

	b.log.Infof("writing package body")
	err := b.writeBody(ctx, img)
	if err != nil {
		return nil, err
	}

	err = b.digestCascade(img)
	if err != nil {
		return nil, err
	}
	progress.Increment(bodyOffset + b.bodySize)

	elog.Checkpoint(b.log, 80)
	progress.Finish(true)
	b.log.Infof("package complete: %d bytes", b.totalSize)

	return &Pkg{Header: b.hdr, Entries: b.entries}, nil
}

// hashChunks fills the chunk digest table: the leading 4 bytes of the
// SHA-256 of every 64 KiB chunk from the filesystem image onward. Each
// worker owns disjoint 4-byte slots, so no locking is needed.
func (b *Builder) hashChunks(ctx context.Context, img []byte) error {

	first := b.hdr.PfsImageOffset / chunkSize
	count := divide(b.totalSize, chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	feed := make(chan int64)

	g.Go(func() error {
		defer close(feed)
		for c := first; c < count; c++ {
			if int(c+1)*4 > len(b.chunkSha.Data) {
				break
			}
			select {
			case feed <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < playgoWorkers; i++ {
		g.Go(func() error {
			for c := range feed {
				end := (c + 1) * chunkSize
				if end > b.totalSize {
					end = b.totalSize
				}
				sum := sha256.Sum256(img[c*chunkSize : end])
				copy(b.chunkSha.Data[c*4:c*4+4], sum[:4])
			}
			return nil
		})
	}

	return g.Wait()
}

// writeBody serializes every entry into its body slot. The meta table
// is rendered here because every offset and size is final; the digest
// table is populated afterwards by the cascade.
func (b *Builder) writeBody(ctx context.Context, img []byte) error {

	for i, e := range b.entries {
		e.encodeMeta(b.metas.Data[i*metaSize:])
	}

	for _, e := range b.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		copy(img[e.DataOffset:], e.Data)
	}

	return nil
}

// digestCascade runs the ordered digest computations that finish the
// package: entry digests, body digest, table hash, the two verified
// entry-region hashes, the header digest, and the header signature.
func (b *Builder) digestCascade(img []byte) error {

	h := &b.hdr

	// Per-entry digests land in the digest table and on disk.
	digestsOff := b.digests.DataOffset
	for i, e := range b.entries {
		if i == 0 {
			continue
		}
		sum := sha256.Sum256(img[e.DataOffset : e.DataOffset+e.DataSize()])
		copy(b.digests.Data[i*32:], sum[:])
		copy(img[digestsOff+int64(i)*32:], sum[:])
	}

	h.BodyDigest = sha256.Sum256(img[h.BodyOffset : h.BodyOffset+h.BodySize])
	h.DigestTableHash = sha256.Sum256(b.digests.Data)

	region := new(bytes.Buffer)
	for _, e := range b.entries[:scEntryCount] {
		region.Write(img[e.DataOffset : e.DataOffset+e.DataSize()])
	}
	if int64(region.Len()) != int64(h.MainEntDataSize) {
		return fmt.Errorf("%w: computed %d, wrote %d", ErrSizeMismatch, h.MainEntDataSize, region.Len())
	}
	h.ScEntries1Hash = sha256.Sum256(region.Bytes())

	region.Reset()
	for _, e := range b.entries[:scEntryCount-1] {
		region.Write(img[e.DataOffset : e.DataOffset+e.DataSize()])
	}
	region.Truncate(region.Len() - len(b.metas.Data) + scEntryCount*metaSize)
	h.ScEntries2Hash = sha256.Sum256(region.Bytes())

	h.encode(img[:headerSize])

	h.HeaderDigest = sha256.Sum256(img[:headerDigestOffset])
	copy(img[headerDigestOffset:], h.HeaderDigest[:])

	full := sha256.Sum256(img[:headerSize])
	sig, err := keys.SignRaw(keys.PkgSignKey(), full[:])
	if err != nil {
		return err
	}
	copy(h.HeaderSignature[:], sig)
	copy(img[headerSigOffset:], sig)

	return nil
}
