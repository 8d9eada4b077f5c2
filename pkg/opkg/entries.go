package opkg

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/orbistools/orbispkg/pkg/keys"
	"github.com/orbistools/orbispkg/pkg/proj"
	"github.com/orbistools/orbispkg/pkg/sfo"
)

// entryKeysData builds the ENTRY_KEYS blob. Only the leading content
// digest is meaningful to anything we produce; the key slots stay
// zeroed because every fake-signed package uses the derived EKPFS
// directly.
func entryKeysData(contentID string) []byte {
	data := make([]byte, entryKeysSize)
	sum := sha256.Sum256([]byte(contentID))
	copy(data, sum[:])
	return data
}

// imageKeyData wraps EKPFS in a raw RSA block under the image keyset.
func imageKeyData(ekpfs []byte) ([]byte, error) {
	return keys.EncryptRaw(&keys.FakeKeyset().PublicKey, ekpfs)
}

// generalDigestsData populates the fixed digest slots: the content id
// digest, the content-class digest, and the two filesystem-image
// digests. Remaining slots stay zero.
func generalDigestsData(h *Header) []byte {

	data := make([]byte, genDigestsSize)

	sum := sha256.Sum256([]byte(h.ContentID))
	copy(data[0x00:], sum[:])

	var class [12]byte
	binary.BigEndian.PutUint32(class[0:], h.DrmType)
	binary.BigEndian.PutUint32(class[4:], h.ContentType)
	binary.BigEndian.PutUint32(class[8:], h.ContentFlags)
	sum = sha256.Sum256(class[:])
	copy(data[0x20:], sum[:])

	copy(data[0x40:], h.PfsImageDigest[:])
	copy(data[0x60:], h.PfsSignedDigest[:])

	return data
}

// licenseDat builds the fake license blob: version, content class,
// content id, the entitlement key when the project carries one, and a
// raw RSA signature over the lot under the debug license keyset.
func licenseDat(contentID string, contentType proj.ContentType, entitlementKey []byte) ([]byte, error) {

	data := make([]byte, licenseDatSize)
	le := binary.LittleEndian
	le.PutUint32(data[0x00:], 1)
	le.PutUint32(data[0x04:], uint32(contentType))
	copy(data[0x10:0x40], contentID)
	if entitlementKey != nil {
		copy(data[0x40:0x50], entitlementKey)
	}

	sum := sha256.Sum256(data[:0x50])
	copy(data[0x50:], sum[:])

	sig, err := keys.SignRaw(keys.DebugRifKeyset(), sum[:])
	if err != nil {
		return nil, err
	}
	copy(data[licenseDatSize-keys.RsaBlockSize:], sig)

	return data, nil
}

// licenseInfo is the license blob truncated to its public prefix and
// padded to exactly 0x200 bytes.
func licenseInfo(dat []byte) []byte {
	info := make([]byte, licenseInfoSize)
	copy(info, dat[:0x50])
	return info
}

// defaultPlaygoChunkDat generates the single-chunk PlayGo blob used
// when a game-data project stages none of its own.
func defaultPlaygoChunkDat() []byte {
	data := make([]byte, 0x4000)
	le := binary.LittleEndian
	le.PutUint32(data[0x00:], 0x6F676C70) // "plgo"
	le.PutUint16(data[0x04:], 2)          // version major
	le.PutUint16(data[0x06:], 0)          // version minor
	le.PutUint16(data[0x08:], 1)          // image count
	le.PutUint16(data[0x0A:], 1)          // chunk count
	le.PutUint16(data[0x0C:], 1)          // mchunk count
	le.PutUint16(data[0x0E:], 1)          // scenario count
	le.PutUint32(data[0x10:], uint32(len(data)))
	return data
}

const defaultPlaygoManifest = `<?xml version="1.0"?>
<psproject fmt="playgo-manifest" version="1000">
  <volume>
    <chunk_info chunk_count="1" scenario_count="1">
      <chunks>
        <chunk id="0" label="Chunk #0"/>
      </chunks>
      <scenarios default_id="0">
        <scenario id="0" type="sp" initial_chunk_count="1" label="Scenario #0">0</scenario>
      </scenarios>
    </chunk_info>
  </volume>
</psproject>
`

// pubtoolVersion is the tool version stamped into every param.sfo.
const pubtoolVersion = 0x02890000

// augmentParamSfo rewrites the publishing-tool fields of the staged
// param.sfo: creation date and time, the image size block when a
// filesystem image is present, and the tool version.
func augmentParamSfo(f *sfo.File, p *proj.Project, packageSize int64, withPfs bool, now time.Time) error {

	date := p.CreationDate
	if date == "" {
		date = now.Format("20060102")
	}

	info := fmt.Sprintf("c_date=%s", date)
	if p.UseCreationTime {
		info += fmt.Sprintf(",c_time=%s", now.Format("150405"))
	}
	if withPfs {
		info += fmt.Sprintf(",img0_l0_size=%d,img0_l1_size=0,img0_sc_ksize=512,img0_pc_ksize=832",
			(packageSize+0xFFFFF)/0x100000)
	}

	f.SetString("PUBTOOLINFO", info)
	f.SetInt("PUBTOOLVER", pubtoolVersion)

	return nil
}
