package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// OffsetCTR is the offset-keyed counter-mode codec. The counter block for the
// 16-byte block at absolute offset o is iv[0:12] || BigEndian32(o/16), so a
// chunk can be decoded knowing only its offset. Encryption and decryption
// are the same operation.
type OffsetCTR struct {
	block cipher.Block
	iv    [IVSize]byte
}

// NewOffsetCTR creates the codec for one CDN session.
func NewOffsetCTR(key, iv []byte) (*OffsetCTR, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	c := &OffsetCTR{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// counterAt returns the counter block for the block containing offset.
func (c *OffsetCTR) counterAt(offset int64) []byte {
	ctr := make([]byte, IVSize)
	copy(ctr, c.iv[:12])
	binary.BigEndian.PutUint32(ctr[12:], uint32(offset/aes.BlockSize))
	return ctr
}

// XORKeyStreamAt transforms src (which starts at absolute offset) into dst.
// dst and src may overlap entirely.
func (c *OffsetCTR) XORKeyStreamAt(dst, src []byte, offset int64) {
	if len(src) == 0 {
		return
	}
	stream := cipher.NewCTR(c.block, c.counterAt(offset))
	if skip := int(offset % aes.BlockSize); skip > 0 {
		var discard [aes.BlockSize]byte
		stream.XORKeyStream(discard[:skip], discard[:skip])
	}
	stream.XORKeyStream(dst, src)
}

// DecryptChunk decodes data in place.
func (c *OffsetCTR) DecryptChunk(offset int64, data []byte) []byte {
	c.XORKeyStreamAt(data, data, offset)
	return data
}
