package download

import (
	"fmt"

	"github.com/rescale/rescale-fetch/internal/cloud/state"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
)

// codec turns bytes as served by the primary endpoint into what is written
// to the staging file.
type codec interface {
	// sequential reports whether chunks must be decoded in offset order.
	sequential() bool
	// next is the offset the next chunk must start at for a sequential codec.
	next() int64
	decode(off int64, data []byte) ([]byte, error)
	// encode reverses decode for bytes already written, for digest checks.
	encode(off int64, data []byte) ([]byte, error)
}

func newCodec(p *Params, resume *state.CipherState) (codec, error) {
	switch p.Scheme {
	case encryption.SchemeNone:
		return plainCodec{}, nil
	case encryption.SchemeOffset:
		ctr, err := encryption.NewOffsetCTR(p.Key, p.IV)
		if err != nil {
			return nil, err
		}
		return offsetCodec{ctr}, nil
	case encryption.SchemeOrdered:
		var (
			dec *encryption.OrderedDecryptor
			err error
		)
		if resume != nil {
			dec, err = encryption.ResumeOrderedDecryptor(p.Key, resume.IV, resume.Offset, p.Total)
		} else {
			dec, err = encryption.NewOrderedDecryptor(p.Key, p.IV, p.Total)
		}
		if err != nil {
			return nil, err
		}
		return &orderedCodec{dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %v", p.Scheme)
	}
}

type plainCodec struct{}

func (plainCodec) sequential() bool { return false }
func (plainCodec) next() int64 { return 0 }
func (plainCodec) decode(_ int64, d []byte) ([]byte, error) { return d, nil }
func (plainCodec) encode(_ int64, d []byte) ([]byte, error) { return d, nil }

type offsetCodec struct {
	ctr *encryption.OffsetCTR
}

func (offsetCodec) sequential() bool { return false }
func (offsetCodec) next() int64 { return 0 }

func (c offsetCodec) decode(off int64, d []byte) ([]byte, error) {
	return c.ctr.DecryptChunk(off, d), nil
}

func (c offsetCodec) encode(off int64, d []byte) ([]byte, error) {
	return c.ctr.DecryptChunk(off, d), nil
}

type orderedCodec struct {
	dec *encryption.OrderedDecryptor
}

func (*orderedCodec) sequential() bool { return true }

func (c *orderedCodec) next() int64 {
	return c.dec.Offset()
}

func (c *orderedCodec) decode(off int64, d []byte) ([]byte, error) {
	return c.dec.DecryptChunk(off, d)
}

func (*orderedCodec) encode(int64, []byte) ([]byte, error) {
	return nil, fmt.Errorf("ordered scheme cannot re-encode written bytes")
}

func (c *orderedCodec) cipherState() state.CipherState {
	return state.CipherState{Offset: c.dec.Offset(), IV: c.dec.CurrentIV()}
}
