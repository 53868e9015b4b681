package state

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rescale/rescale-fetch/internal/constants"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
)

// CipherState is the running IV of an ordered-scheme transfer after the
// contiguous prefix [0, Offset) was written.
type CipherState struct {
	Offset int64
	IV     []byte
}

// CipherStatePath returns the cipher-state sidecar path for a staging file.
func CipherStatePath(tempPath string) string {
	return tempPath + constants.CipherStateSuffix
}

// MarshalCipherState encodes int64 offset followed by the 16-byte IV.
func MarshalCipherState(cs CipherState) []byte {
	buf := make([]byte, 8+encryption.IVSize)
	binary.BigEndian.PutUint64(buf, uint64(cs.Offset))
	copy(buf[8:], cs.IV)
	return buf
}

// LoadCipherState reads the cipher-state sidecar.
// Returns nil without error if none exists.
func LoadCipherState(tempPath string) (*CipherState, error) {
	data, err := os.ReadFile(CipherStatePath(tempPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cipher state: %w", err)
	}
	if len(data) != 8+encryption.IVSize {
		return nil, fmt.Errorf("%w: cipher state is %d bytes", ErrCorrupt, len(data))
	}
	offset := int64(binary.BigEndian.Uint64(data))
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative cipher offset", ErrCorrupt)
	}
	return &CipherState{Offset: offset, IV: append([]byte(nil), data[8:]...)}, nil
}

// DeleteCipherState removes the cipher-state sidecar.
func DeleteCipherState(tempPath string) error {
	return removeIfExists(CipherStatePath(tempPath))
}

// DeleteAll removes every sidecar belonging to tempPath.
func DeleteAll(tempPath string) error {
	var first error
	for _, p := range []string{RangesPath(tempPath), CipherStatePath(tempPath), PreloadPath(tempPath)} {
		if err := removeIfExists(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
