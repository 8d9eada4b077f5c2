package opkg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/orbistools/orbispkg/pkg/elog"
	"github.com/orbistools/orbispkg/pkg/keys"
	"github.com/orbistools/orbispkg/pkg/proj"
	"github.com/orbistools/orbispkg/pkg/sfo"
)

func stageProject(t *testing.T, volume proj.VolumeType) *proj.Project {
	t.Helper()

	root, err := ioutil.TempDir("", "opkg-test-")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	write := func(rel string, data []byte) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := ioutil.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	psf := new(sfo.File)
	psf.SetString("TITLE", "Example")
	psf.SetString("TITLE_ID", "CUSA00000")
	psf.SetString("CONTENT_ID", "UP0000-CUSA00000_00-EXAMPLE000000000")
	psf.SetString("CATEGORY", "gd")
	sfoBytes, err := psf.Bytes()
	if err != nil {
		t.Fatalf("param.sfo: %v", err)
	}

	write("sce_sys/param.sfo", sfoBytes)
	write("sce_sys/icon0.png", bytes.Repeat([]byte{0x89}, 128))
	write("eboot.bin", bytes.Repeat([]byte{0xE0}, 100*1024))

	return &proj.Project{
		ContentID:    "UP0000-CUSA00000_00-EXAMPLE000000000",
		Passcode:     "00000000000000000000000000000000",
		VolumeType:   volume,
		CreationDate: "20260801",
		RootDir:      root,
		Pfs: proj.Pfs{
			Sign:    true,
			Encrypt: true,
			Seed:    "000102030405060708090a0b0c0d0e0f",
		},
	}
}

func buildToBytes(t *testing.T, project *proj.Project) (*Pkg, []byte, *Builder) {
	t.Helper()

	ctx := context.Background()
	b, err := NewBuilder(ctx, &BuilderArgs{Project: project})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	err = b.Prebuild(ctx)
	if err != nil {
		t.Fatalf("prebuild: %v", err)
	}

	buf := new(bytes.Buffer)
	pkg, err := b.WriteTo(ctx, buf)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	return pkg, buf.Bytes(), b
}

func TestGamePackage(t *testing.T) {

	pkg, img, b := buildToBytes(t, stageProject(t, proj.VolumeApp))

	be := binary.BigEndian

	if be.Uint32(img[0:]) != pkgMagic {
		t.Fatalf("bad package magic")
	}
	if int64(len(img)) != b.TotalSize() {
		t.Fatalf("file is %d bytes, builder reported %d", len(img), b.TotalSize())
	}
	if be.Uint32(img[0x74:]) != uint32(proj.ContentTypeGD) {
		t.Fatalf("content type = %#x", be.Uint32(img[0x74:]))
	}

	// The body fits the default budget, so the image begins at the
	// first alignment boundary.
	if pkg.Header.PfsImageOffset != pfsOffset {
		t.Fatalf("pfs image at %#x, expected %#x", pkg.Header.PfsImageOffset, pfsOffset)
	}
	if pkg.Header.PackageSize != bodyOffset+pkg.Header.BodySize+pkg.Header.PfsImageSize {
		t.Fatalf("package size does not add up")
	}

	// Meta table size covers every entry.
	metas := pkg.Entry(EntryIDMetas)
	if metas.DataSize() != int64(len(pkg.Entries))*metaSize {
		t.Fatalf("meta table is %d bytes for %d entries", metas.DataSize(), len(pkg.Entries))
	}

	// Game-data packages carry the PlayGo trio, generated on demand.
	for _, id := range []EntryID{EntryIDPlaygoChunkDat, EntryIDPlaygoChunkSha, EntryIDPlaygoManifestXml} {
		if pkg.Entry(id) == nil {
			t.Fatalf("missing playgo entry %#x", id)
		}
	}

	// The chunk digest table covers the whole file.
	chunkSha := pkg.Entry(EntryIDPlaygoChunkSha)
	if chunkSha.DataSize() != 4*divide(pkg.Header.PackageSize, chunkSize) {
		t.Fatalf("chunk table is %d bytes for a %d-byte package", chunkSha.DataSize(), pkg.Header.PackageSize)
	}

	// Spot-check one chunk digest.
	c := pkg.Header.PfsImageOffset / chunkSize
	sum := sha256.Sum256(img[c*chunkSize : (c+1)*chunkSize])
	if !bytes.Equal(chunkSha.Data[c*4:c*4+4], sum[:4]) {
		t.Fatalf("chunk %d digest mismatch", c)
	}

	// Entry names resolve for named entries only.
	if pkg.Entry(EntryIDParamSfo).Name != "param.sfo" {
		t.Fatalf("param.sfo entry is unnamed")
	}
	if pkg.Entry(EntryIDLicenseDat).Name != "" {
		t.Fatalf("license entry should be unnamed")
	}
	if pkg.Entry(EntryIDIcon0Png) == nil {
		t.Fatalf("staged icon0.png did not become an entry")
	}
}

func TestDigestCascade(t *testing.T) {

	pkg, img, _ := buildToBytes(t, stageProject(t, proj.VolumeApp))

	// Header digest covers everything before it.
	sum := sha256.Sum256(img[:headerDigestOffset])
	if !bytes.Equal(sum[:], img[headerDigestOffset:headerDigestOffset+32]) {
		t.Fatalf("header digest mismatch")
	}

	// The header signature verifies under the public half of the
	// signing keyset.
	full := sha256.Sum256(img[:headerSize])
	recovered := keys.VerifyRaw(&keys.PkgSignKey().PublicKey, img[headerSigOffset:headerSigOffset+keys.RsaBlockSize])
	if !bytes.Equal(recovered[keys.RsaBlockSize-32:], full[:]) {
		t.Fatalf("header signature does not verify")
	}

	// Body digest.
	h := pkg.Header
	sum = sha256.Sum256(img[h.BodyOffset : h.BodyOffset+h.BodySize])
	if sum != h.BodyDigest {
		t.Fatalf("body digest mismatch")
	}

	// Per-entry digests. The digest table entry itself accumulates
	// digests while the table is hashed, so it is skipped here.
	digests := pkg.Entry(EntryIDDigests)
	for i, e := range pkg.Entries {
		if i == 0 || e.ID == EntryIDDigests {
			continue
		}
		sum = sha256.Sum256(img[e.DataOffset : e.DataOffset+e.DataSize()])
		if !bytes.Equal(digests.Data[i*32:i*32+32], sum[:]) {
			t.Fatalf("digest mismatch for entry %#x", e.ID)
		}
	}

	// Digest table hash.
	sum = sha256.Sum256(digests.Data)
	if sum != h.DigestTableHash {
		t.Fatalf("digest table hash mismatch")
	}

	// The verified region hash covers exactly the five sc entries.
	region := new(bytes.Buffer)
	for _, e := range pkg.Entries[:scEntryCount] {
		region.Write(img[e.DataOffset : e.DataOffset+e.DataSize()])
	}
	if int64(region.Len()) != int64(h.MainEntDataSize) {
		t.Fatalf("verified region is %d bytes, header says %d", region.Len(), h.MainEntDataSize)
	}
	sum = sha256.Sum256(region.Bytes())
	if sum != h.ScEntries1Hash {
		t.Fatalf("sc entries hash mismatch")
	}

	// PFS digests.
	sum = sha256.Sum256(img[h.PfsImageOffset : h.PfsImageOffset+pfsSignedSize])
	if sum != h.PfsSignedDigest {
		t.Fatalf("pfs signed digest mismatch")
	}
	sum = sha256.Sum256(img[h.PfsImageOffset : h.PfsImageOffset+h.PfsImageSize])
	if sum != h.PfsImageDigest {
		t.Fatalf("pfs image digest mismatch")
	}
}

func TestParamSfoAugmentation(t *testing.T) {

	pkg, _, _ := buildToBytes(t, stageProject(t, proj.VolumeApp))

	psf, err := sfo.Read(bytes.NewReader(pkg.Entry(EntryIDParamSfo).Data))
	if err != nil {
		t.Fatalf("parse augmented param.sfo: %v", err)
	}

	info := psf.GetString("PUBTOOLINFO")
	if !bytes.Contains([]byte(info), []byte("c_date=20260801")) {
		t.Fatalf("PUBTOOLINFO missing creation date: %q", info)
	}
	if !bytes.Contains([]byte(info), []byte("img0_l0_size=")) {
		t.Fatalf("PUBTOOLINFO missing image sizes: %q", info)
	}
	if v, ok := psf.GetInt("PUBTOOLVER"); !ok || v != pubtoolVersion {
		t.Fatalf("PUBTOOLVER = %#x", v)
	}
	if psf.GetString("TITLE") != "Example" {
		t.Fatalf("original fields damaged")
	}
}

func TestLicenseOnlyPackage(t *testing.T) {

	pkg, img, b := buildToBytes(t, stageProject(t, proj.VolumeACNoData))

	if pkg.Header.PfsImageSize != 0 || pkg.Header.PfsImageCount != 0 {
		t.Fatalf("license-only package grew a filesystem image")
	}
	if pkg.Header.PackageSize != bodyOffset+pkg.Header.BodySize {
		t.Fatalf("package size should be body only")
	}
	if int64(len(img)) != b.TotalSize() || int64(len(img))%bodyAlign != 0 {
		t.Fatalf("file size %d is not body-aligned", len(img))
	}

	// No PlayGo outside game data.
	if pkg.Entry(EntryIDPlaygoChunkDat) != nil {
		t.Fatalf("license-only package carries playgo data")
	}

	// The licenses are present and sized.
	if pkg.Entry(EntryIDLicenseDat).DataSize() != licenseDatSize {
		t.Fatalf("license.dat size wrong")
	}
	if pkg.Entry(EntryIDLicenseInfo).DataSize() != licenseInfoSize {
		t.Fatalf("license.info size wrong")
	}
}

func TestHeaderRoundTrip(t *testing.T) {

	pkg, img, _ := buildToBytes(t, stageProject(t, proj.VolumeApp))

	parsed, err := ParseHeader(img)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if *parsed != pkg.Header {
		t.Fatalf("re-read header does not round-trip:\n got %+v\nwant %+v", parsed, pkg.Header)
	}

	_, err = ParseHeader([]byte("garbage"))
	if err == nil {
		t.Fatalf("garbage accepted as a package header")
	}
}

func TestBuildCallbackEvents(t *testing.T) {

	project := stageProject(t, proj.VolumeApp)

	var percents []uint8
	var messages int
	view := elog.Callback(func(e elog.Event) {
		switch ev := e.(type) {
		case elog.Percent:
			percents = append(percents, uint8(ev))
		case elog.Message:
			messages++
		}
	})

	ctx := context.Background()
	b, err := NewBuilder(ctx, &BuilderArgs{Project: project, Logger: view})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err = b.Prebuild(ctx); err != nil {
		t.Fatalf("prebuild: %v", err)
	}
	if _, err = b.WriteTo(ctx, new(bytes.Buffer)); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := []uint8{15, 40, 70, 80}
	if len(percents) != len(want) {
		t.Fatalf("checkpoints = %v, expected %v", percents, want)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Fatalf("checkpoints = %v, expected %v", percents, want)
		}
	}
	if messages == 0 {
		t.Fatalf("no status messages delivered")
	}
}

func TestDeterministicBuilds(t *testing.T) {

	project := stageProject(t, proj.VolumeApp)

	_, img1, _ := buildToBytes(t, project)
	_, img2, _ := buildToBytes(t, project)

	if !bytes.Equal(img1, img2) {
		t.Fatalf("identical projects produced different packages")
	}
}

func TestMmapAndStreamAgree(t *testing.T) {

	project := stageProject(t, proj.VolumeApp)

	_, streamed, _ := buildToBytes(t, project)

	ctx := context.Background()
	b, err := NewBuilder(ctx, &BuilderArgs{Project: project})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err = b.Prebuild(ctx); err != nil {
		t.Fatalf("prebuild: %v", err)
	}

	tmp, err := ioutil.TempDir("", "opkg-out-")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(tmp)
	out := filepath.Join(tmp, "out.pkg")

	_, err = b.Write(ctx, out)
	if err != nil {
		t.Fatalf("mmap write: %v", err)
	}

	mapped, err := ioutil.ReadFile(out)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if !bytes.Equal(streamed, mapped) {
		t.Fatalf("mmap-backed and stream-backed outputs differ")
	}
}
