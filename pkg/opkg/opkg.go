// Package opkg assembles the outer package container: header, entry
// table, metadata entries, licenses, PlayGo chunk hashes, and the
// embedded filesystem images, finishing with the digest cascade and the
// RSA header signature.
package opkg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Container layout constants. These offsets are bit-critical: the
// console rejects anything that deviates.
const (
	pkgMagic = 0x7F434E54 // "\x7FCNT"
	pkgFlags = 0x80000000

	headerSize         = 0x1000
	headerDigestOffset = 0xFE0
	headerSigOffset    = 0x1000
	headerSigSize      = 0x100

	bodyOffset  = 0x2000
	bodyAlign   = 0x80000
	entryAlign  = 16
	pfsOffset   = 0x80000
	drmTypeFree = 0xF

	pfsFlagsOldCrypt = 0x80000000000003CC
	pfsFlagsNewCrypt = 0xA0000000000003CC
	pfsSignedSize    = 0x10000
	pfsCacheSize     = 0xD0000

	scEntryCount = 5
	metaSize     = 0x20

	psReservedSize  = 0x2000
	entryKeysSize   = 0x800
	imageKeySize    = 0x100
	genDigestsSize  = 0x180
	licenseDatSize  = 0x400
	licenseInfoSize = 0x200
)

// ErrSizeMismatch indicates an internal defect: the computed size of
// the verified entry region disagrees with the bytes actually
// concatenated. The build must abort rather than emit an unmountable
// package.
var ErrSizeMismatch = errors.New("sc entry region size mismatch")

// ErrMissingParamSfo is returned when the staged tree carries no
// sce_sys/param.sfo.
var ErrMissingParamSfo = errors.New("sce_sys/param.sfo is required")

// EntryID identifies one package entry type.
type EntryID uint32

// Entry ids.
const (
	EntryIDDigests           EntryID = 0x0001
	EntryIDEntryKeys         EntryID = 0x0010
	EntryIDImageKey          EntryID = 0x0020
	EntryIDGeneralDigests    EntryID = 0x0080
	EntryIDMetas             EntryID = 0x0100
	EntryIDEntryNames        EntryID = 0x0200
	EntryIDLicenseDat        EntryID = 0x0400
	EntryIDLicenseInfo       EntryID = 0x0401
	EntryIDPsReservedDat     EntryID = 0x0409
	EntryIDParamSfo          EntryID = 0x1000
	EntryIDPlaygoChunkDat    EntryID = 0x1001
	EntryIDPlaygoChunkSha    EntryID = 0x1002
	EntryIDPlaygoManifestXml EntryID = 0x1003
	EntryIDPronunciationXml  EntryID = 0x1004
	EntryIDPronunciationSig  EntryID = 0x1005
	EntryIDPic1Png           EntryID = 0x1006
	EntryIDPubtoolinfoDat    EntryID = 0x1007
	EntryIDShareparamJson    EntryID = 0x100B
	EntryIDIcon0Png          EntryID = 0x1200
	EntryIDPic0Png           EntryID = 0x1220
	EntryIDSnd0At9           EntryID = 0x1240
	EntryIDChangeinfoXml     EntryID = 0x1260
)

// entryNameID maps sce_sys-relative file names onto entry ids. A file
// whose name appears here becomes a package entry rather than part of
// the filesystem image.
var entryNameID = map[string]EntryID{
	"param.sfo":                 EntryIDParamSfo,
	"playgo-chunk.dat":          EntryIDPlaygoChunkDat,
	"playgo-chunk.sha":          EntryIDPlaygoChunkSha,
	"playgo-manifest.xml":       EntryIDPlaygoManifestXml,
	"pronunciation.xml":         EntryIDPronunciationXml,
	"pronunciation.sig":         EntryIDPronunciationSig,
	"pic1.png":                  EntryIDPic1Png,
	"pubtoolinfo.dat":           EntryIDPubtoolinfoDat,
	"shareparam.json":           EntryIDShareparamJson,
	"icon0.png":                 EntryIDIcon0Png,
	"pic0.png":                  EntryIDPic0Png,
	"snd0.at9":                  EntryIDSnd0At9,
	"changeinfo/changeinfo.xml": EntryIDChangeinfoXml,
}

func init() {
	for i := 0; i <= 30; i++ {
		entryNameID[fmt.Sprintf("icon0_%02d.png", i)] = EntryIDIcon0Png + 1 + EntryID(i)
	}
}

// IsEntryName reports whether an sce_sys-relative name maps to a
// package entry.
func IsEntryName(rel string) bool {
	_, ok := entryNameID[rel]
	return ok
}

// canonicalOrder fixes the order of staged sce_sys entries within the
// body. Names not listed sort after everything listed.
var canonicalOrder = []string{
	"icon0.png",
	"pic0.png",
	"pic1.png",
	"snd0.at9",
	"changeinfo/changeinfo.xml",
	"pronunciation.xml",
	"pronunciation.sig",
	"shareparam.json",
	"pubtoolinfo.dat",
}

const unknownNameOrder = 999

func canonicalIndex(rel string) int {
	for i, name := range canonicalOrder {
		if rel == name {
			return i
		}
	}
	return unknownNameOrder
}

// entryFlags1 carries the fixed per-entry flag words: class bits for
// the verified entries, the encrypted bit plus key index for the
// license blobs. Absent ids get zero.
var entryFlags1 = map[EntryID]uint32{
	EntryIDEntryKeys:      0x60000000,
	EntryIDImageKey:       0xE0000000,
	EntryIDGeneralDigests: 0x60000000,
	EntryIDMetas:          0x60000000,
	EntryIDDigests:        0x40000000,
	EntryIDEntryNames:     0x40000000,
	EntryIDLicenseDat:     0x80000000 | 3<<12,
	EntryIDLicenseInfo:    0x80000000 | 2<<12,
}

// Entry is one package entry: its meta record plus its body bytes.
type Entry struct {
	ID         EntryID
	Name       string
	NameOffset uint32
	Flags1     uint32
	Flags2     uint32
	DataOffset int64
	Data       []byte
}

// DataSize returns the entry's size in the body.
func (e *Entry) DataSize() int64 {
	return int64(len(e.Data))
}

func (e *Entry) encodeMeta(out []byte) {
	be := binary.BigEndian
	be.PutUint32(out[0x00:], uint32(e.ID))
	be.PutUint32(out[0x04:], e.NameOffset)
	be.PutUint32(out[0x08:], e.Flags1)
	be.PutUint32(out[0x0C:], e.Flags2)
	be.PutUint32(out[0x10:], uint32(e.DataOffset))
	be.PutUint32(out[0x14:], uint32(len(e.Data)))
}

// Header is the package header in its in-memory form.
type Header struct {
	EntryCount       uint32
	ScEntryCount     uint16
	EntryTableOffset uint32
	MainEntDataSize  uint32
	BodyOffset       int64
	BodySize         int64
	ContentID        string
	DrmType          uint32
	ContentType      uint32
	ContentFlags     uint32
	PromoteSize      uint32
	VersionDate      uint32

	ScEntries1Hash  [32]byte
	ScEntries2Hash  [32]byte
	DigestTableHash [32]byte
	BodyDigest      [32]byte

	PfsImageCount    uint32
	PfsFlags         uint64
	PfsImageOffset   int64
	PfsImageSize     int64
	MountImageOffset int64
	MountImageSize   int64
	PackageSize      int64
	PfsSignedSize    uint32
	PfsCacheSize     uint32
	PfsImageDigest   [32]byte
	PfsSignedDigest  [32]byte

	HeaderDigest    [32]byte
	HeaderSignature [headerSigSize]byte
}

// encode renders the header into the first 0x1000 bytes of img. The
// header digest and signature regions are written separately, at the
// tail of the digest cascade.
func (h *Header) encode(img []byte) {

	be := binary.BigEndian
	be.PutUint32(img[0x00:], pkgMagic)
	be.PutUint32(img[0x04:], pkgFlags)
	be.PutUint32(img[0x08:], 0)
	be.PutUint32(img[0x0C:], 0xF)
	be.PutUint32(img[0x10:], h.EntryCount)
	be.PutUint16(img[0x14:], h.ScEntryCount)
	be.PutUint16(img[0x16:], uint16(h.EntryCount))
	be.PutUint32(img[0x18:], h.EntryTableOffset)
	be.PutUint32(img[0x1C:], h.MainEntDataSize)
	be.PutUint64(img[0x20:], uint64(h.BodyOffset))
	be.PutUint64(img[0x28:], uint64(h.BodySize))

	copy(img[0x40:0x70], h.ContentID)

	be.PutUint32(img[0x70:], h.DrmType)
	be.PutUint32(img[0x74:], h.ContentType)
	be.PutUint32(img[0x78:], h.ContentFlags)
	be.PutUint32(img[0x7C:], h.PromoteSize)
	be.PutUint32(img[0x80:], h.VersionDate)

	copy(img[0x100:], h.ScEntries1Hash[:])
	copy(img[0x120:], h.ScEntries2Hash[:])
	copy(img[0x140:], h.DigestTableHash[:])
	copy(img[0x160:], h.BodyDigest[:])

	be.PutUint32(img[0x404:], h.PfsImageCount)
	be.PutUint64(img[0x408:], h.PfsFlags)
	be.PutUint64(img[0x410:], uint64(h.PfsImageOffset))
	be.PutUint64(img[0x418:], uint64(h.PfsImageSize))
	be.PutUint64(img[0x420:], uint64(h.MountImageOffset))
	be.PutUint64(img[0x428:], uint64(h.MountImageSize))
	be.PutUint64(img[0x430:], uint64(h.PackageSize))
	be.PutUint32(img[0x438:], h.PfsSignedSize)
	be.PutUint32(img[0x43C:], h.PfsCacheSize)
	copy(img[0x440:], h.PfsImageDigest[:])
	copy(img[0x460:], h.PfsSignedDigest[:])
}

// ErrNotPkg is returned when parsed data does not carry the package
// magic.
var ErrNotPkg = errors.New("not a package file")

// ParseHeader decodes the header from the leading bytes of a package
// file. It is the inverse of encode for every field the builder emits.
func ParseHeader(img []byte) (*Header, error) {

	if len(img) < headerSigOffset+headerSigSize {
		return nil, fmt.Errorf("%w: truncated header", ErrNotPkg)
	}

	be := binary.BigEndian
	if be.Uint32(img[0x00:]) != pkgMagic {
		return nil, ErrNotPkg
	}

	h := new(Header)
	h.EntryCount = be.Uint32(img[0x10:])
	h.ScEntryCount = be.Uint16(img[0x14:])
	h.EntryTableOffset = be.Uint32(img[0x18:])
	h.MainEntDataSize = be.Uint32(img[0x1C:])
	h.BodyOffset = int64(be.Uint64(img[0x20:]))
	h.BodySize = int64(be.Uint64(img[0x28:]))
	h.ContentID = string(bytes.TrimRight(img[0x40:0x70], "\x00"))
	h.DrmType = be.Uint32(img[0x70:])
	h.ContentType = be.Uint32(img[0x74:])
	h.ContentFlags = be.Uint32(img[0x78:])
	h.PromoteSize = be.Uint32(img[0x7C:])
	h.VersionDate = be.Uint32(img[0x80:])

	copy(h.ScEntries1Hash[:], img[0x100:])
	copy(h.ScEntries2Hash[:], img[0x120:])
	copy(h.DigestTableHash[:], img[0x140:])
	copy(h.BodyDigest[:], img[0x160:])

	h.PfsImageCount = be.Uint32(img[0x404:])
	h.PfsFlags = be.Uint64(img[0x408:])
	h.PfsImageOffset = int64(be.Uint64(img[0x410:]))
	h.PfsImageSize = int64(be.Uint64(img[0x418:]))
	h.MountImageOffset = int64(be.Uint64(img[0x420:]))
	h.MountImageSize = int64(be.Uint64(img[0x428:]))
	h.PackageSize = int64(be.Uint64(img[0x430:]))
	h.PfsSignedSize = be.Uint32(img[0x438:])
	h.PfsCacheSize = be.Uint32(img[0x43C:])
	copy(h.PfsImageDigest[:], img[0x440:])
	copy(h.PfsSignedDigest[:], img[0x460:])

	copy(h.HeaderDigest[:], img[headerDigestOffset:])
	copy(h.HeaderSignature[:], img[headerSigOffset:])

	return h, nil
}

// Pkg is the descriptor returned from a completed build.
type Pkg struct {
	Header  Header
	Entries []*Entry
}

// Entry returns the entry with the given id, or nil.
func (p *Pkg) Entry(id EntryID) *Entry {
	for _, e := range p.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}
