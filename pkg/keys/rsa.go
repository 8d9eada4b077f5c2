package keys

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
)

// RsaBlockSize is the size in bytes of one RSA-2048 block.
const RsaBlockSize = 256

// drbg is a deterministic byte stream: HMAC-SHA256 of an incrementing
// counter under a fixed label key. Feeding it to rsa.GenerateKey yields
// the same keypair on every run, which keeps builds reproducible
// without shipping literal key material.
type drbg struct {
	label   []byte
	counter uint64
	buf     []byte
}

func (d *drbg) Read(p []byte) (n int, err error) {
	for len(d.buf) < len(p) {
		mac := hmac.New(sha256.New, d.label)
		var ctr [8]byte
		binary.LittleEndian.PutUint64(ctr[:], d.counter)
		d.counter++
		mac.Write(ctr[:])
		d.buf = append(d.buf, mac.Sum(nil)...)
	}
	n = copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

func generateKeyset(label string) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(&drbg{label: []byte(label)}, 2048)
	if err != nil {
		panic(fmt.Errorf("keyset '%s': %w", label, err))
	}
	return key
}

var (
	once        sync.Once
	pkgSignKey  *rsa.PrivateKey
	fakeKeyset  *rsa.PrivateKey
	debugKeyset *rsa.PrivateKey
)

func initKeysets() {
	once.Do(func() {
		pkgSignKey = generateKeyset("orbispkg-header-signing-keyset")
		fakeKeyset = generateKeyset("orbispkg-pfs-image-keyset")
		debugKeyset = generateKeyset("orbispkg-debug-rif-keyset")
	})
}

// PkgSignKey returns the keyset used to sign package headers.
func PkgSignKey() *rsa.PrivateKey {
	initKeysets()
	return pkgSignKey
}

// FakeKeyset returns the keyset under which EKPFS is wrapped into the
// image key entry.
func FakeKeyset() *rsa.PrivateKey {
	initKeysets()
	return fakeKeyset
}

// DebugRifKeyset returns the keyset used for debug license blobs.
func DebugRifKeyset() *rsa.PrivateKey {
	initKeysets()
	return debugKeyset
}

func leftPad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// SignRaw performs a textbook RSA private-key operation on data: the
// left-padded value is raised to d modulo n. The caller supplies the
// already-hashed digest; no OAEP or PSS padding is involved anywhere in
// the package format.
func SignRaw(key *rsa.PrivateKey, data []byte) ([]byte, error) {

	m := new(big.Int).SetBytes(data)
	if m.Cmp(key.N) >= 0 {
		return nil, fmt.Errorf("raw sign: input exceeds modulus")
	}

	c := new(big.Int).Exp(m, key.D, key.N)
	return leftPad(c.Bytes(), RsaBlockSize), nil
}

// EncryptRaw performs a textbook RSA public-key operation on data.
func EncryptRaw(pub *rsa.PublicKey, data []byte) ([]byte, error) {

	m := new(big.Int).SetBytes(data)
	if m.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("raw encrypt: input exceeds modulus")
	}

	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(c.Bytes(), RsaBlockSize), nil
}

// VerifyRaw reverses SignRaw under the public key, recovering the
// left-padded digest block.
func VerifyRaw(pub *rsa.PublicKey, sig []byte) []byte {
	c := new(big.Int).SetBytes(sig)
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(m.Bytes(), RsaBlockSize)
}
