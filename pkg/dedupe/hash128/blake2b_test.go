package hash128

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBlake2b_Deterministic(t *testing.T) {
	h1 := NewBlake2b(7)
	h1.Update([]byte("hello world"))

	h2 := NewBlake2b(7)
	h2.Update([]byte("hello"))
	h2.Update([]byte(" world"))

	assert.Equal(t, h1.Finalize(), h2.Finalize(), "streaming Update in different chunks must not change the digest")
}

func TestNewBlake2b_SeedChangesDigest(t *testing.T) {
	h1 := NewBlake2b(1)
	h1.Update([]byte("payload"))

	h2 := NewBlake2b(2)
	h2.Update([]byte("payload"))

	assert.NotEqual(t, h1.Finalize(), h2.Finalize())
}

func TestSum_TruncatesTo12Bytes(t *testing.T) {
	var full [16]byte
	for i := range full {
		full[i] = byte(i + 1)
	}
	strong := Sum(full)
	assert.Len(t, strong, 12)
	assert.Equal(t, full[:12], strong[:])
}
