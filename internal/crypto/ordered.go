package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// cbcChain is one CBC stream processed a chunk at a time. iv holds the last
// ciphertext block seen so far.
type cbcChain struct {
	block cipher.Block
	iv    [IVSize]byte
}

func newChain(key, iv []byte) (cbcChain, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return cbcChain{}, err
	}
	c := cbcChain{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

func (c *cbcChain) decrypt(buf []byte) {
	var next [IVSize]byte
	copy(next[:], buf[len(buf)-aes.BlockSize:])
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(buf, buf)
	c.iv = next
}

func (c *cbcChain) encrypt(dst, src []byte) {
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
	copy(c.iv[:], dst[len(dst)-aes.BlockSize:])
}

// OrderedDecryptor decodes an ordered-scheme object. Chunks must arrive in
// offset order; the last one is trimmed back to the plaintext size.
type OrderedDecryptor struct {
	chain  cbcChain
	offset int64 // next ciphertext offset expected
	total  int64 // plaintext size
}

// NewOrderedDecryptor starts at offset 0. The ordered scheme needs the
// plaintext size up front.
func NewOrderedDecryptor(key, iv []byte, total int64) (*OrderedDecryptor, error) {
	return ResumeOrderedDecryptor(key, iv, 0, total)
}

// ResumeOrderedDecryptor continues at offset with the running IV that was
// saved after the chunk ending there.
func ResumeOrderedDecryptor(key, iv []byte, offset, total int64) (*OrderedDecryptor, error) {
	switch {
	case offset%aes.BlockSize != 0:
		return nil, fmt.Errorf("resume offset %d is not block aligned", offset)
	case total <= 0:
		return nil, fmt.Errorf("ordered scheme requires a known size")
	}
	chain, err := newChain(key, iv)
	if err != nil {
		return nil, err
	}
	return &OrderedDecryptor{chain: chain, offset: offset, total: total}, nil
}

// Offset is where the next chunk must start.
func (d *OrderedDecryptor) Offset() int64 {
	return d.offset
}

// CurrentIV returns a copy of the running IV for the resume sidecar.
func (d *OrderedDecryptor) CurrentIV() []byte {
	iv := d.chain.iv
	return iv[:]
}

// DecryptChunk decrypts ciphertext in place and returns the plaintext part
// of it.
func (d *OrderedDecryptor) DecryptChunk(offset int64, ciphertext []byte) ([]byte, error) {
	if offset != d.offset {
		return nil, fmt.Errorf("out of order chunk: got offset %d, expected %d", offset, d.offset)
	}
	n := int64(len(ciphertext))
	if n == 0 {
		return ciphertext, nil
	}
	if n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", n, aes.BlockSize)
	}

	d.chain.decrypt(ciphertext)
	d.offset += n
	if offset+n > d.total {
		return ciphertext[:max(d.total-offset, 0)], nil
	}
	return ciphertext, nil
}

// OrderedEncryptor produces ordered-scheme ciphertext. Test servers use it;
// the engine only decrypts.
type OrderedEncryptor struct {
	chain cbcChain
}

func NewOrderedEncryptor(key, iv []byte) (*OrderedEncryptor, error) {
	chain, err := newChain(key, iv)
	if err != nil {
		return nil, err
	}
	return &OrderedEncryptor{chain: chain}, nil
}

// EncryptChunk encrypts the next chunk. Only the final chunk may be
// unaligned; it is zero padded.
func (e *OrderedEncryptor) EncryptChunk(plaintext []byte, final bool) ([]byte, error) {
	n := int64(len(plaintext))
	if !final && n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("non-final chunk must be a multiple of %d bytes, got %d", aes.BlockSize, n)
	}
	padded := PaddedSize(n)
	if padded == 0 {
		return nil, nil
	}
	out := make([]byte, padded)
	copy(out, plaintext)
	e.chain.encrypt(out, out)
	return out, nil
}
