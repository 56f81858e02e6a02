// Package resolver implements chunk lookup and byte-range
// reconstruction: given a payload offset and length, it locates the chunk(s)
// covering that range and walks their packets, following REFERENCE
// packets until only LITERAL bytes remain. Resolve does this with
// ordinary Go recursion; ResolveIterative does the same walk with an
// explicit work stack instead, for callers restoring payload graphs deep
// enough that recursion depth is a concern.
package resolver

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/duparc/duparc/pkg/bufpool"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/packet"
)

// ChunkMeta is one entry of the persisted chunk index: a contiguous,
// atomically-written run of packets.
type ChunkMeta struct {
	ArchiveOffset    uint64
	Payload          uint64
	PayloadLength    uint32
	CompressedLength uint32
}

// Source reads the raw on-disk bytes (header-prefixed packets,
// concatenated) for one chunk. It is the resolver's only dependency on
// the archive container (pkg/archive), keeping this package free of any
// file-format concern beyond packet framing.
type Source interface {
	ReadChunkBytes(meta ChunkMeta) ([]byte, error)
}

// Index is the sorted, gap-free chunk index used to answer FindChunk by
// binary search.
type Index struct {
	chunks []ChunkMeta
}

// NewIndex sorts chunks by payload offset and returns a ready Index.
// Chunks are expected to partition [0, total) with no gaps or overlaps;
// NewIndex does not itself re-verify that invariant.
func NewIndex(chunks []ChunkMeta) *Index {
	sorted := make([]ChunkMeta, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Payload < sorted[j].Payload })
	return &Index{chunks: sorted}
}

// FindChunk returns the unique chunk containing payload, or false if none
// does (payload past the end of the archive's payload stream).
func (x *Index) FindChunk(payload uint64) (ChunkMeta, bool) {
	i := sort.Search(len(x.chunks), func(i int) bool {
		c := x.chunks[i]
		return c.Payload+uint64(c.PayloadLength) > payload
	})
	if i >= len(x.chunks) {
		return ChunkMeta{}, false
	}
	c := x.chunks[i]
	if payload < c.Payload {
		return ChunkMeta{}, false
	}
	return c, true
}

// parsedPacket is a packet decoded out of a chunk's raw bytes, annotated
// with the absolute payload offset at which it begins.
type parsedPacket struct {
	header packet.Header
	body   []byte // bytes after the 17-byte header
	start  uint64
}

type parsedChunk struct {
	packets []parsedPacket
}

// parseChunk splits a chunk's raw bytes into its constituent packets.
func parseChunk(meta ChunkMeta, raw []byte) (*parsedChunk, error) {
	var packets []parsedPacket
	pos := 0
	cursor := meta.Payload

	for pos < len(raw) {
		if pos+packet.HeaderSize > len(raw) {
			return nil, fmt.Errorf("resolver: truncated packet header at chunk offset %d", pos)
		}
		h, err := packet.DecodeHeader(raw[pos : pos+packet.HeaderSize])
		if err != nil {
			return nil, fmt.Errorf("resolver: decoding packet at chunk offset %d: %w", pos, err)
		}
		if pos+int(h.PacketSize) > len(raw) {
			return nil, fmt.Errorf("resolver: packet at chunk offset %d overruns chunk bounds", pos)
		}
		body := raw[pos+packet.HeaderSize : pos+int(h.PacketSize)]
		packets = append(packets, parsedPacket{header: h, body: body, start: cursor})
		cursor += uint64(h.PayloadLength)
		pos += int(h.PacketSize)
	}

	return &parsedChunk{packets: packets}, nil
}

// chunkCache keeps recently-loaded, already-parsed chunks warm: a small
// bounded LRU where every loaded chunk is inserted and the oldest entry
// is evicted once capacity is exceeded. Reference-heavy restores tend to
// revisit the same few chunks repeatedly.
type chunkCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

type cacheEntry struct {
	payload uint64
	chunk   *parsedChunk
}

func newChunkCache(capacity int) *chunkCache {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkCache{capacity: capacity, ll: list.New(), items: make(map[uint64]*list.Element)}
}

func (c *chunkCache) get(payload uint64) (*parsedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[payload]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).chunk, true
	}
	return nil, false
}

func (c *chunkCache) put(payload uint64, chunk *parsedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[payload]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).chunk = chunk
		return
	}
	el := c.ll.PushFront(&cacheEntry{payload: payload, chunk: chunk})
	c.items[payload] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).payload)
		}
	}
}

// DefaultCacheSize is the number of chunks the resolver keeps warm.
const DefaultCacheSize = 16

// Resolver reconstructs byte ranges from the payload stream by following
// REFERENCE packets back to their LITERAL bases.
type Resolver struct {
	index  *Index
	source Source
	codec  codec.Codec
	pool   *bufpool.Pool
	cache  *chunkCache
}

// New constructs a Resolver backed by index and source, using c to
// decompress LITERAL packet bodies and pool for the scratch buffers used
// while following REFERENCE packets.
func New(index *Index, source Source, c codec.Codec, pool *bufpool.Pool) *Resolver {
	return &Resolver{index: index, source: source, codec: c, pool: pool, cache: newChunkCache(DefaultCacheSize)}
}

func (r *Resolver) loadChunk(meta ChunkMeta) (*parsedChunk, error) {
	if pc, ok := r.cache.get(meta.Payload); ok {
		return pc, nil
	}
	raw, err := r.source.ReadChunkBytes(meta)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading chunk at archive offset %d: %w", meta.ArchiveOffset, err)
	}
	pc, err := parseChunk(meta, raw)
	if err != nil {
		return nil, err
	}
	r.cache.put(meta.Payload, pc)
	return pc, nil
}

// Resolve writes size bytes starting at payload offset payload into dst
// (which must have length >= size), recursing through REFERENCE packets
// as needed.
func (r *Resolver) Resolve(payload, size uint64, dst []byte) error {
	if uint64(len(dst)) < size {
		return fmt.Errorf("resolver: dst too small: have %d want %d", len(dst), size)
	}

	for size > 0 {
		meta, ok := r.index.FindChunk(payload)
		if !ok {
			return fmt.Errorf("resolver: no chunk covers payload offset %d", payload)
		}
		pc, err := r.loadChunk(meta)
		if err != nil {
			return err
		}

		consumed, err := r.resolveFromChunk(pc, payload, size, dst)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return fmt.Errorf("resolver: chunk at payload %d made no progress resolving offset %d", meta.Payload, payload)
		}

		dst = dst[consumed:]
		payload += consumed
		size -= consumed
	}
	return nil
}

// resolveFromChunk resolves as much of [payload, payload+size) as pc
// covers, writing into dst[0:]. It returns the number of bytes actually
// written, which is the portion of the request this chunk's packets
// overlap.
func (r *Resolver) resolveFromChunk(pc *parsedChunk, payload, size uint64, dst []byte) (uint64, error) {
	var consumed uint64
	windowEnd := payload + size

	for _, p := range pc.packets {
		pktEnd := p.start + uint64(p.header.PayloadLength)
		if pktEnd <= payload {
			continue
		}
		if p.start >= windowEnd {
			break
		}

		overlapStart := p.start
		if payload > overlapStart {
			overlapStart = payload
		}
		overlapEnd := pktEnd
		if windowEnd < overlapEnd {
			overlapEnd = windowEnd
		}
		n := overlapEnd - overlapStart
		if n == 0 {
			continue
		}

		dstOff := overlapStart - payload
		withinPacket := overlapStart - p.start

		switch p.header.Kind {
		case packet.Literal:
			full := make([]byte, p.header.PayloadLength)
			if _, err := packet.DecodeLiteral(r.codec, p.header, p.body, full); err != nil {
				return consumed, err
			}
			copy(dst[dstOff:dstOff+n], full[withinPacket:withinPacket+n])

		case packet.Reference:
			scratch := r.pool.Get(int(n))
			if err := r.Resolve(p.header.PayloadRef+withinPacket, n, scratch[:n]); err != nil {
				return consumed, err
			}
			copy(dst[dstOff:dstOff+n], scratch[:n])
			r.pool.Put(scratch)

		default:
			return consumed, fmt.Errorf("resolver: unknown packet kind %q", byte(p.header.Kind))
		}

		if end := dstOff + n; end > consumed {
			consumed = end
		}
	}

	return consumed, nil
}

// pendingRef is a REFERENCE packet's resolution deferred onto
// ResolveIterative's work stack rather than resolved by recursive call.
// dstOff is relative to the dst slice passed to the resolveFromChunkIterative
// call that produced it.
type pendingRef struct {
	payload uint64
	size    uint64
	dstOff  uint64
}

// resolveTask is one unit of pending work on ResolveIterative's stack: fill
// dst[dstOff:dstOff+size] with the bytes at payload offset payload.
type resolveTask struct {
	payload uint64
	size    uint64
	dstOff  uint64
}

// ResolveIterative resolves the same payload range as Resolve but walks
// REFERENCE packets with an explicit stack of resolveTasks instead of
// Go-level recursion. Reference chains grow with an archive's age and
// are unbounded in principle, so callers restoring old, heavily-deduped
// archives can pick this variant to keep stack depth constant.
func (r *Resolver) ResolveIterative(payload, size uint64, dst []byte) error {
	if uint64(len(dst)) < size {
		return fmt.Errorf("resolver: dst too small: have %d want %d", len(dst), size)
	}

	stack := []resolveTask{{payload: payload, size: size, dstOff: 0}}

	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p, sz, dstOff := t.payload, t.size, t.dstOff
		for sz > 0 {
			meta, ok := r.index.FindChunk(p)
			if !ok {
				return fmt.Errorf("resolver: no chunk covers payload offset %d", p)
			}
			pc, err := r.loadChunk(meta)
			if err != nil {
				return err
			}

			consumed, refs, err := r.resolveFromChunkIterative(pc, p, sz, dst[dstOff:])
			if err != nil {
				return err
			}
			if consumed == 0 {
				return fmt.Errorf("resolver: chunk at payload %d made no progress resolving offset %d", meta.Payload, p)
			}

			for _, ref := range refs {
				stack = append(stack, resolveTask{payload: ref.payload, size: ref.size, dstOff: dstOff + ref.dstOff})
			}

			dstOff += consumed
			p += consumed
			sz -= consumed
		}
	}
	return nil
}

// resolveFromChunkIterative is resolveFromChunk's non-recursive twin: it
// writes LITERAL bytes directly into dst exactly as resolveFromChunk does,
// but instead of recursing into REFERENCE packets it reports them as
// pendingRefs for the caller's work stack to resolve afterward.
func (r *Resolver) resolveFromChunkIterative(pc *parsedChunk, payload, size uint64, dst []byte) (uint64, []pendingRef, error) {
	var consumed uint64
	var refs []pendingRef
	windowEnd := payload + size

	for _, p := range pc.packets {
		pktEnd := p.start + uint64(p.header.PayloadLength)
		if pktEnd <= payload {
			continue
		}
		if p.start >= windowEnd {
			break
		}

		overlapStart := p.start
		if payload > overlapStart {
			overlapStart = payload
		}
		overlapEnd := pktEnd
		if windowEnd < overlapEnd {
			overlapEnd = windowEnd
		}
		n := overlapEnd - overlapStart
		if n == 0 {
			continue
		}

		dstOff := overlapStart - payload
		withinPacket := overlapStart - p.start

		switch p.header.Kind {
		case packet.Literal:
			full := make([]byte, p.header.PayloadLength)
			if _, err := packet.DecodeLiteral(r.codec, p.header, p.body, full); err != nil {
				return consumed, nil, err
			}
			copy(dst[dstOff:dstOff+n], full[withinPacket:withinPacket+n])

		case packet.Reference:
			refs = append(refs, pendingRef{payload: p.header.PayloadRef + withinPacket, size: n, dstOff: dstOff})

		default:
			return consumed, nil, fmt.Errorf("resolver: unknown packet kind %q", byte(p.header.Kind))
		}

		if end := dstOff + n; end > consumed {
			consumed = end
		}
	}

	return consumed, refs, nil
}
