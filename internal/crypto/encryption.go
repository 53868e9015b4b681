// Package encryption implements the two chunk codecs the transfer engine
// decodes and the window digests CDN sessions verify against.
//
// The ordered scheme is AES-256-CBC run as a single stream over the whole
// zero-padded object, so chunk n can only be decoded after chunk n-1. The
// offset-keyed scheme is AES-256-CTR with a counter derived from each block's
// absolute offset, so chunks decode in any order.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

// Scheme is the codec a transfer's key material selects.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeOrdered
	SchemeOffset
)

var schemeNames = [...]string{"none", "ordered", "offset"}

func (s Scheme) String() string {
	if s < 0 || int(s) >= len(schemeNames) {
		return "none"
	}
	return schemeNames[s]
}

// AllowsOutOfOrder reports whether chunks may be decoded in any order.
func (s Scheme) AllowsOutOfOrder() bool {
	return s != SchemeOrdered
}

// newBlock checks the key material sizes and builds the AES block.
func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return block, nil
}

func random(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", what, err)
	}
	return b, nil
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) { return random(KeySize, "key") }

// GenerateIV returns a random IV.
func GenerateIV() ([]byte, error) { return random(IVSize, "IV") }

// PaddedSize is size rounded up to the block size, the stored length of an
// ordered-scheme object.
func PaddedSize(size int64) int64 {
	return size + Padding(size)
}

// Padding is how many zero bytes the ordered scheme appends to size bytes.
func Padding(size int64) int64 {
	if rem := size % aes.BlockSize; rem != 0 {
		return aes.BlockSize - rem
	}
	return 0
}

// Digest is the SHA-256 of one verification window.
type Digest [sha256.Size]byte

func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

// EncodeBase64 and DecodeBase64 use the standard padded alphabet that
// descriptors carry key material in.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
