// Package proj defines the project configuration handed to the package
// builder, along with its on-disk TOML representation and validation.
package proj

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"regexp"
	"time"

	"github.com/sisatech/toml"

	"github.com/orbistools/orbispkg/pkg/keys"
)

// VolumeType identifies what kind of package a project produces.
type VolumeType string

// Recognized volume types.
const (
	VolumeApp      VolumeType = "pkg_ps4_app"
	VolumePatch    VolumeType = "pkg_ps4_patch"
	VolumeRemaster VolumeType = "pkg_ps4_remaster"
	VolumeACData   VolumeType = "pkg_ps4_ac_data"
	VolumeACNoData VolumeType = "pkg_ps4_ac_nodata"
	VolumeSFTheme  VolumeType = "pkg_ps4_sf_theme"
	VolumeTheme    VolumeType = "pkg_ps4_theme"
)

// ContentType is the package content class derived from the volume
// type and written into the package header.
type ContentType uint32

// Content classes.
const (
	ContentTypeGD ContentType = 0x1A // game data
	ContentTypeAC ContentType = 0x1B // additional content with data
	ContentTypeAL ContentType = 0x1C // additional content, license only
	ContentTypeDP ContentType = 0x1E // delta patch
)

// Validation errors.
var (
	ErrUnknownVolumeType     = errors.New("unrecognized volume type")
	ErrInvalidContentID      = errors.New("content id must be 36 characters, e.g. XX0000-CUSA00000_00-ZZZZZZZZZZZZZZZZ")
	ErrInvalidPasscode       = errors.New("passcode must be exactly 32 characters")
	ErrInvalidEntitlementKey = errors.New("entitlement key must be 32 hex digits")
	ErrNoRootDir             = errors.New("project has no root directory")
)

var contentIDRe = regexp.MustCompile(`^[A-Z]{2}[0-9]{4}-[A-Z]{4}[0-9]{5}_00-[A-Z0-9_]{16}$`)

// Pfs collects the filesystem-image options of a project.
type Pfs struct {
	Sign      bool      `toml:"sign"`
	Encrypt   bool      `toml:"encrypt"`
	NewCrypt  bool      `toml:"new_crypt"`
	BlockSize int64     `toml:"block_size,omitempty"`
	MinBlocks int64     `toml:"min_blocks,omitempty"`
	Seed      string    `toml:"seed,omitempty"` // 32 hex digits; random when empty
	FileTime  time.Time `toml:"file_time,omitempty"`
}

// Project is the full configuration for one package build.
type Project struct {
	ContentID       string     `toml:"content_id"`
	Passcode        string     `toml:"passcode"`
	EntitlementKey  string     `toml:"entitlement_key,omitempty"`
	VolumeType      VolumeType `toml:"volume_type"`
	CreationDate    string     `toml:"creation_date,omitempty"` // YYYYMMDD; today when empty
	UseCreationTime bool       `toml:"use_creation_time"`
	RootDir         string     `toml:"root_dir"`
	Pfs             Pfs        `toml:"pfs"`
}

// Load reads a project from r.
func Load(r io.Reader) (*Project, error) {

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	p := new(Project)
	err = toml.Unmarshal(data, p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse project: %w", err)
	}

	return p, nil
}

// LoadFile reads a project from the file at path.
func LoadFile(path string) (*Project, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f)
}

// Save writes the project to w as TOML.
func (p *Project) Save(w io.Writer) error {

	buf := new(bytes.Buffer)
	enc := toml.NewEncoder(buf)
	err := enc.Encode(p)
	if err != nil {
		return err
	}

	_, err = w.Write(buf.Bytes())
	return err
}

// ContentType maps the project's volume type onto its content class.
func (p *Project) ContentType() (ContentType, error) {
	switch p.VolumeType {
	case VolumeApp:
		return ContentTypeGD, nil
	case VolumePatch, VolumeRemaster:
		return ContentTypeDP, nil
	case VolumeACData, VolumeSFTheme, VolumeTheme:
		return ContentTypeAC, nil
	case VolumeACNoData:
		return ContentTypeAL, nil
	default:
		return 0, fmt.Errorf("%w: '%s'", ErrUnknownVolumeType, p.VolumeType)
	}
}

// Validate checks the project fields that the builder depends on.
func (p *Project) Validate() error {

	_, err := p.ContentType()
	if err != nil {
		return err
	}

	if len(p.ContentID) != keys.ContentIDLength || !contentIDRe.MatchString(p.ContentID) {
		return ErrInvalidContentID
	}

	if len(p.Passcode) != keys.PasscodeLength {
		return ErrInvalidPasscode
	}

	if p.EntitlementKey != "" {
		key, err := hex.DecodeString(p.EntitlementKey)
		if err != nil || len(key) != 16 {
			return ErrInvalidEntitlementKey
		}
	}

	if p.RootDir == "" {
		return ErrNoRootDir
	}

	if p.Pfs.Seed != "" {
		seed, err := hex.DecodeString(p.Pfs.Seed)
		if err != nil || len(seed) != 16 {
			return errors.New("pfs seed must be 32 hex digits")
		}
	}

	return nil
}

// EntitlementKeyBytes returns the decoded entitlement key, or nil when
// the project has none.
func (p *Project) EntitlementKeyBytes() []byte {
	if p.EntitlementKey == "" {
		return nil
	}
	key, err := hex.DecodeString(p.EntitlementKey)
	if err != nil {
		return nil
	}
	return key
}

// SeedBytes returns the configured PFS seed, or zeroes when the project
// has none configured. The builder replaces an all-zero seed with a
// random one.
func (p *Project) SeedBytes() [16]byte {
	var seed [16]byte
	if p.Pfs.Seed != "" {
		b, err := hex.DecodeString(p.Pfs.Seed)
		if err == nil && len(b) == 16 {
			copy(seed[:], b)
		}
	}
	return seed
}

// BlockSize returns the configured PFS block size, defaulting to
// 0x10000.
func (p *Project) BlockSize() int64 {
	if p.Pfs.BlockSize == 0 {
		return 0x10000
	}
	return p.Pfs.BlockSize
}
