// Package keys implements the key material side of package authoring:
// EKPFS derivation from the content id and passcode, the PFS signing
// and XTS key derivation functions, and the raw RSA-2048 operations
// used for the image key blob and the package header signature.
package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	// PasscodeLength is the required length of a package passcode.
	PasscodeLength = 32

	// ContentIDLength is the required length of a content id.
	ContentIDLength = 36
)

// Derivation indices. Each derived key is an HMAC-SHA256 of
// le32(index) || seed keyed with EKPFS; the index selects the key's
// role so no two roles ever collide.
const (
	idxSign         = 1
	idxEncOld       = 2
	idxEncNewTweak  = 3
	idxEncNewData   = 4
	idxEkpfs        = 1
	ekpfsContentLen = 48
)

// ErrBadPasscode is returned when a passcode is not exactly 32
// characters.
var ErrBadPasscode = errors.New("passcode must be exactly 32 characters")

// EKPFS derives the PFS encryption key from a content id and passcode.
func EKPFS(contentID, passcode string) ([]byte, error) {

	if len(passcode) != PasscodeLength {
		return nil, ErrBadPasscode
	}

	buf := make([]byte, 4+ekpfsContentLen+PasscodeLength)
	binary.LittleEndian.PutUint32(buf, idxEkpfs)
	copy(buf[4:4+ekpfsContentLen], contentID)
	copy(buf[4+ekpfsContentLen:], passcode)

	sum := sha256.Sum256(buf)
	return sum[:], nil
}

func derive(ekpfs []byte, seed [16]byte, index uint32) []byte {
	mac := hmac.New(sha256.New, ekpfs)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	mac.Write(idx[:])
	mac.Write(seed[:])
	return mac.Sum(nil)
}

// PfsSignKey derives the HMAC key used to sign every block of a signed
// PFS image.
func PfsSignKey(ekpfs []byte, seed [16]byte) []byte {
	return derive(ekpfs, seed, idxSign)
}

// PfsEncKey derives the XTS tweak and data keys for an encrypted PFS
// image. The newCrypt flag selects the second-generation derivation,
// which draws the two halves from independent HMAC invocations.
func PfsEncKey(ekpfs []byte, seed [16]byte, newCrypt bool) (tweak, data []byte) {

	if newCrypt {
		tweak = derive(ekpfs, seed, idxEncNewTweak)[:16]
		data = derive(ekpfs, seed, idxEncNewData)[:16]
		return tweak, data
	}

	k := derive(ekpfs, seed, idxEncOld)
	return k[:16], k[16:32]
}
