package resolver

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duparc/duparc/pkg/bufpool"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/packet"
)

// memorySource is an in-memory Source for tests: chunks are raw packet
// bytes keyed by ArchiveOffset.
type memorySource struct {
	chunks map[uint64][]byte
}

func (s *memorySource) ReadChunkBytes(meta ChunkMeta) ([]byte, error) {
	return s.chunks[meta.ArchiveOffset], nil
}

func newHarness() (*memorySource, *codec.ZstdCodec) {
	return &memorySource{chunks: map[uint64][]byte{}}, codec.NewZstd()
}

func TestFindChunk_LocatesCoveringChunk(t *testing.T) {
	idx := NewIndex([]ChunkMeta{
		{ArchiveOffset: 100, Payload: 0, PayloadLength: 1000},
		{ArchiveOffset: 200, Payload: 1000, PayloadLength: 500},
	})

	c, ok := idx.FindChunk(0)
	require.True(t, ok)
	assert.Equal(t, uint64(100), c.ArchiveOffset)

	c, ok = idx.FindChunk(999)
	require.True(t, ok)
	assert.Equal(t, uint64(100), c.ArchiveOffset)

	c, ok = idx.FindChunk(1000)
	require.True(t, ok)
	assert.Equal(t, uint64(200), c.ArchiveOffset)

	_, ok = idx.FindChunk(1500)
	assert.False(t, ok)
}

func TestResolve_SingleLiteralPacket(t *testing.T) {
	src, c := newHarness()
	data := []byte("hello world, this is a literal payload")
	pkt := packet.EncodeLiteral(c, 3, data, false)
	src.chunks[0] = pkt

	idx := NewIndex([]ChunkMeta{{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(data))}})
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(data))
	require.NoError(t, r.Resolve(0, uint64(len(data)), dst))
	assert.Equal(t, data, dst)
}

func TestResolve_PartialWindowWithinPacket(t *testing.T) {
	src, c := newHarness()
	data := []byte("0123456789abcdefghij")
	pkt := packet.EncodeLiteral(c, 3, data, false)
	src.chunks[0] = pkt

	idx := NewIndex([]ChunkMeta{{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(data))}})
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, 5)
	require.NoError(t, r.Resolve(3, 5, dst))
	assert.Equal(t, data[3:8], dst)
}

func TestResolve_FollowsReferencePacket(t *testing.T) {
	src, c := newHarness()

	base := []byte("the original bytes stored earlier in the payload stream")
	literalPkt := packet.EncodeLiteral(c, 3, base, false)
	src.chunks[0] = literalPkt

	refPkt := packet.EncodeReference(0, uint32(len(base)))
	src.chunks[uint64(len(literalPkt))] = refPkt

	idx := NewIndex([]ChunkMeta{
		{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(base))},
		{ArchiveOffset: uint64(len(literalPkt)), Payload: uint64(len(base)), PayloadLength: uint32(len(base))},
	})
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(base))
	require.NoError(t, r.Resolve(uint64(len(base)), uint64(len(base)), dst))
	assert.Equal(t, base, dst)
}

func TestResolve_MultipleLiteralPacketsInOneChunk(t *testing.T) {
	src, c := newHarness()
	a := []byte("first segment of this chunk------")
	b := []byte("second segment, right after it---")

	pktA := packet.EncodeLiteral(c, 3, a, false)
	pktB := packet.EncodeLiteral(c, 3, b, false)
	raw := append(append([]byte{}, pktA...), pktB...)
	src.chunks[0] = raw

	idx := NewIndex([]ChunkMeta{{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(a) + len(b))}})
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(a)+len(b))
	require.NoError(t, r.Resolve(0, uint64(len(dst)), dst))
	assert.Equal(t, append(append([]byte{}, a...), b...), dst)

	// A window spanning the boundary between the two packets.
	window := make([]byte, 6)
	require.NoError(t, r.Resolve(uint64(len(a)-3), 6, window))
	assert.Equal(t, append(append([]byte{}, a[len(a)-3:]...), b[:3]...), window)
}

func TestResolve_RandomDataRoundTrips(t *testing.T) {
	src, c := newHarness()
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 8192)
	_, _ = r.Read(data)

	pkt := packet.EncodeLiteral(c, 3, data, false)
	src.chunks[0] = pkt

	idx := NewIndex([]ChunkMeta{{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(data))}})
	res := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(data))
	require.NoError(t, res.Resolve(0, uint64(len(data)), dst))
	assert.Equal(t, data, dst)
}

func TestResolve_UnknownPayloadIsError(t *testing.T) {
	src, c := newHarness()
	idx := NewIndex(nil)
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, 10)
	err := r.Resolve(0, 10, dst)
	assert.Error(t, err)
}

func TestResolveIterative_MatchesResolve_FollowsReferencePacket(t *testing.T) {
	src, c := newHarness()

	base := []byte("the original bytes stored earlier in the payload stream")
	literalPkt := packet.EncodeLiteral(c, 3, base, false)
	src.chunks[0] = literalPkt

	refPkt := packet.EncodeReference(0, uint32(len(base)))
	src.chunks[uint64(len(literalPkt))] = refPkt

	idx := NewIndex([]ChunkMeta{
		{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(base))},
		{ArchiveOffset: uint64(len(literalPkt)), Payload: uint64(len(base)), PayloadLength: uint32(len(base))},
	})
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(base))
	require.NoError(t, r.ResolveIterative(uint64(len(base)), uint64(len(base)), dst))
	assert.Equal(t, base, dst)
}

func TestResolveIterative_MatchesResolve_ChainOfReferences(t *testing.T) {
	src, c := newHarness()

	base := []byte("a chunk of bytes referenced transitively several times over")
	literalPkt := packet.EncodeLiteral(c, 3, base, false)
	src.chunks[0] = literalPkt

	firstRef := packet.EncodeReference(0, uint32(len(base)))
	firstRefOffset := uint64(len(literalPkt))
	src.chunks[firstRefOffset] = firstRef

	secondRef := packet.EncodeReference(uint64(len(base)), uint32(len(base)))
	secondRefOffset := firstRefOffset + uint64(len(firstRef))
	src.chunks[secondRefOffset] = secondRef

	idx := NewIndex([]ChunkMeta{
		{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(base))},
		{ArchiveOffset: firstRefOffset, Payload: uint64(len(base)), PayloadLength: uint32(len(base))},
		{ArchiveOffset: secondRefOffset, Payload: uint64(2 * len(base)), PayloadLength: uint32(len(base))},
	})

	recursive := New(idx, src, c, bufpool.NewPool(nil))
	wantDst := make([]byte, len(base))
	require.NoError(t, recursive.Resolve(uint64(2*len(base)), uint64(len(base)), wantDst))

	iterative := New(idx, src, c, bufpool.NewPool(nil))
	gotDst := make([]byte, len(base))
	require.NoError(t, iterative.ResolveIterative(uint64(2*len(base)), uint64(len(base)), gotDst))

	assert.Equal(t, wantDst, gotDst)
	assert.Equal(t, base, gotDst)
}

func TestResolveIterative_MatchesResolve_RandomDataRoundTrips(t *testing.T) {
	src, c := newHarness()
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 8192)
	_, _ = r.Read(data)

	pkt := packet.EncodeLiteral(c, 3, data, false)
	src.chunks[0] = pkt

	idx := NewIndex([]ChunkMeta{{ArchiveOffset: 0, Payload: 0, PayloadLength: uint32(len(data))}})
	res := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, len(data))
	require.NoError(t, res.ResolveIterative(0, uint64(len(data)), dst))
	assert.Equal(t, data, dst)
}

func TestResolveIterative_UnknownPayloadIsError(t *testing.T) {
	src, c := newHarness()
	idx := NewIndex(nil)
	r := New(idx, src, c, bufpool.NewPool(nil))

	dst := make([]byte, 10)
	err := r.ResolveIterative(0, 10, dst)
	assert.Error(t, err)
}
