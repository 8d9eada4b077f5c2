package proj

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProject() *Project {
	return &Project{
		ContentID:  "UP0000-CUSA00000_00-EXAMPLE000000000",
		Passcode:   "00000000000000000000000000000000",
		VolumeType: VolumeApp,
		RootDir:    "image",
		Pfs: Pfs{
			Sign:    true,
			Encrypt: true,
		},
	}
}

func TestValidate(t *testing.T) {

	p := validProject()
	require.NoError(t, p.Validate())

	p = validProject()
	p.ContentID = "too-short"
	assert.Equal(t, ErrInvalidContentID, p.Validate())

	p = validProject()
	p.Passcode = "short"
	assert.Equal(t, ErrInvalidPasscode, p.Validate())

	p = validProject()
	p.VolumeType = "pkg_ps5_app"
	assert.Error(t, p.Validate())

	p = validProject()
	p.EntitlementKey = "zz"
	assert.Equal(t, ErrInvalidEntitlementKey, p.Validate())

	p = validProject()
	p.EntitlementKey = "000102030405060708090a0b0c0d0e0f"
	assert.NoError(t, p.Validate())
	assert.Len(t, p.EntitlementKeyBytes(), 16)

	p = validProject()
	p.RootDir = ""
	assert.Equal(t, ErrNoRootDir, p.Validate())
}

func TestContentTypeMapping(t *testing.T) {

	cases := map[VolumeType]ContentType{
		VolumeApp:      ContentTypeGD,
		VolumePatch:    ContentTypeDP,
		VolumeRemaster: ContentTypeDP,
		VolumeACData:   ContentTypeAC,
		VolumeSFTheme:  ContentTypeAC,
		VolumeTheme:    ContentTypeAC,
		VolumeACNoData: ContentTypeAL,
	}

	for vt, want := range cases {
		p := validProject()
		p.VolumeType = vt
		got, err := p.ContentType()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTomlRoundTrip(t *testing.T) {

	p := validProject()
	p.Pfs.Seed = "000102030405060708090a0b0c0d0e0f"
	p.Pfs.MinBlocks = 64

	buf := new(bytes.Buffer)
	require.NoError(t, p.Save(buf))

	q, err := Load(buf)
	require.NoError(t, err)

	assert.Equal(t, p.ContentID, q.ContentID)
	assert.Equal(t, p.VolumeType, q.VolumeType)
	assert.Equal(t, p.Pfs.MinBlocks, q.Pfs.MinBlocks)
	assert.Equal(t, p.Pfs.Sign, q.Pfs.Sign)

	seed := q.SeedBytes()
	assert.Equal(t, byte(0x0f), seed[15])
}

func TestBlockSizeDefault(t *testing.T) {
	p := validProject()
	assert.Equal(t, int64(0x10000), p.BlockSize())
	p.Pfs.BlockSize = 0x8000
	assert.Equal(t, int64(0x8000), p.BlockSize())
}
