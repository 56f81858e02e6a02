package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZstdCodec_RoundTrip(t *testing.T) {
	c := NewZstd()

	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	compressed, err := c.Compress(3, src)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(src), "repetitive input should compress")

	dst := make([]byte, len(src))
	n, err := c.Decompress(compressed, dst)
	require.NoError(t, err)
	require.Equal(t, len(src), n)
	require.Equal(t, src, dst[:n])
}

func TestZstdCodec_RandomInputRoundTrips(t *testing.T) {
	c := NewZstd()
	r := rand.New(rand.NewSource(1))
	src := make([]byte, 4096)
	_, err := r.Read(src)
	require.NoError(t, err)

	compressed, err := c.Compress(5, src)
	require.NoError(t, err)

	dst := make([]byte, len(src))
	n, err := c.Decompress(compressed, dst)
	require.NoError(t, err)
	require.Equal(t, src, dst[:n])
}

func TestZstdCodec_RejectsLevelZero(t *testing.T) {
	c := NewZstd()
	_, err := c.Compress(0, []byte("x"))
	require.Error(t, err)
}
