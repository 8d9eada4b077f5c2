package keys

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

const (
	testContentID = "UP0000-TEST00000_00-TESTTESTTESTTEST"
	testPasscode  = "00000000000000000000000000000000"
)

func TestEKPFS(t *testing.T) {

	ekpfs, err := EKPFS(testContentID, testPasscode)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(ekpfs) != 32 {
		t.Fatalf("ekpfs is %d bytes, expected 32", len(ekpfs))
	}

	again, _ := EKPFS(testContentID, testPasscode)
	if !bytes.Equal(ekpfs, again) {
		t.Fatalf("derivation is not deterministic")
	}

	other, _ := EKPFS(testContentID, "11111111111111111111111111111111")
	if bytes.Equal(ekpfs, other) {
		t.Fatalf("different passcodes derived the same key")
	}

	_, err = EKPFS(testContentID, "short")
	if err != ErrBadPasscode {
		t.Fatalf("expected ErrBadPasscode, got %v", err)
	}
}

func TestPfsKeyDerivations(t *testing.T) {

	ekpfs, _ := EKPFS(testContentID, testPasscode)
	seed := [16]byte{1, 2, 3}

	sign := PfsSignKey(ekpfs, seed)
	if len(sign) != 32 {
		t.Fatalf("sign key is %d bytes", len(sign))
	}

	oldTweak, oldData := PfsEncKey(ekpfs, seed, false)
	newTweak, newData := PfsEncKey(ekpfs, seed, true)

	if len(oldTweak) != 16 || len(oldData) != 16 || len(newTweak) != 16 || len(newData) != 16 {
		t.Fatalf("enc keys have wrong lengths")
	}
	if bytes.Equal(oldTweak, newTweak) || bytes.Equal(oldData, newData) {
		t.Fatalf("old and new crypt derived identical keys")
	}
	if bytes.Equal(append(oldTweak, oldData...), sign[:32]) {
		t.Fatalf("enc keys collide with the sign key")
	}

	seed2 := [16]byte{9}
	tweak2, _ := PfsEncKey(ekpfs, seed2, false)
	if bytes.Equal(oldTweak, tweak2) {
		t.Fatalf("different seeds derived the same tweak key")
	}
}

func TestRawRsaRoundTrip(t *testing.T) {

	key := PkgSignKey()

	digest := sha256.Sum256([]byte("header bytes"))
	sig, err := SignRaw(key, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != RsaBlockSize {
		t.Fatalf("signature is %d bytes, expected %d", len(sig), RsaBlockSize)
	}

	recovered := VerifyRaw(&key.PublicKey, sig)
	if !bytes.Equal(recovered[RsaBlockSize-32:], digest[:]) {
		t.Fatalf("verification does not recover the digest")
	}
}

func TestImageKeyWrap(t *testing.T) {

	ekpfs, _ := EKPFS(testContentID, testPasscode)

	blob, err := EncryptRaw(&FakeKeyset().PublicKey, ekpfs)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(blob) != RsaBlockSize {
		t.Fatalf("image key blob is %d bytes, expected %d", len(blob), RsaBlockSize)
	}

	// The keysets are deterministic, so the wrap is reproducible.
	again, _ := EncryptRaw(&FakeKeyset().PublicKey, ekpfs)
	if !bytes.Equal(blob, again) {
		t.Fatalf("image key wrap is not deterministic")
	}
}
