package hash128

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// NewBlake2b is the default Hash Factory. blake2b supports a configurable
// digest size, so a 16-byte digest keyed by the archive's hash_seed serves
// both the per-file checksum and the strong-hash confirmation
// without pulling in a second hash library.
func NewBlake2b(seed uint32) Hash {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], seed)

	h, err := blake2b.New(16, key[:])
	if err != nil {
		// blake2b.New only errors for an out-of-range size or an
		// oversized key; both are impossible with the fixed arguments
		// above, so this would indicate a broken build.
		panic("hash128: blake2b.New(16, ...) failed: " + err.Error())
	}
	return &blake2bHash{h: h}
}

type blake2bHash struct {
	h interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func (b *blake2bHash) Update(p []byte) {
	_, _ = b.h.Write(p)
}

func (b *blake2bHash) Finalize() (out [16]byte) {
	sum := b.h.Sum(nil)
	copy(out[:], sum)
	return out
}
