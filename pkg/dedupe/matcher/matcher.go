// Package matcher implements the content-defined match finder and chunk
// processor: it turns a run of payload bytes into a sequence of
// LITERAL and REFERENCE packets by consulting the hash index built by
// pkg/dedupe/hashindex and confirming candidates with pkg/dedupe/hash128.
package matcher

import (
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/hash128"
	"github.com/duparc/duparc/pkg/dedupe/hashindex"
	"github.com/duparc/duparc/pkg/dedupe/packet"
	"github.com/duparc/duparc/pkg/dedupe/window"
)

// Config carries the two block sizes that drive both passes. LargeBlock
// must be a multiple of SmallBlock (checked by whatever constructs this,
// typically the engine reading or writing the archive header).
type Config struct {
	SmallBlock int
	LargeBlock int
}

// Match is the result of a successful FindMatch: a candidate region inside
// the scanned slice that duplicates payload bytes already written at
// SourcePayload.
type Match struct {
	Offset        int    // offset within the scanned slice where the match begins
	SourcePayload uint64 // payload offset of the already-written identical bytes
}

// Matcher ties the hash index, the strong-hash factory and the two block
// sizes together. It holds no payload state of its own; every call is
// given the bytes and absolute payload coordinate it should work from.
type Matcher struct {
	cfg     Config
	index   *hashindex.Index
	factory hash128.Factory
	seed    uint32
}

// New constructs a Matcher. seed is passed to factory for every strong
// hash computed, so a single archive's matches stay comparable across
// workers.
func New(cfg Config, index *hashindex.Index, factory hash128.Factory, seed uint32) *Matcher {
	return &Matcher{cfg: cfg, index: index, factory: factory, seed: seed}
}

func (m *Matcher) blockSize(large bool) int {
	if large {
		return m.cfg.LargeBlock
	}
	return m.cfg.SmallBlock
}

// strongHash hashes a single block directly.
func (m *Matcher) strongHash(data []byte) [12]byte {
	h := m.factory(m.seed)
	h.Update(data)
	return hash128.Sum(h.Finalize())
}

// hierarchicalHash hashes the concatenation of a large block's contained
// small-block strong hashes. A large block's identity is derived from
// its small blocks' hashes rather than its raw bytes, so confirming a
// large candidate can reuse small-block work.
func (m *Matcher) hierarchicalHash(smallHashes [][12]byte) [12]byte {
	h := m.factory(m.seed)
	for _, sh := range smallHashes {
		h.Update(sh[:])
	}
	return hash128.Sum(h.Finalize())
}

// FindMatch scans src (a slice that starts at absolutePayload in the
// overall payload stream) for the first block-sized region that
// duplicates content already recorded in the index. large selects which
// half of the two-level index and which block size to use.
func (m *Matcher) FindMatch(src []byte, absolutePayload uint64, large bool) (Match, bool) {
	blockSize := m.blockSize(large)
	if len(src) < blockSize {
		return Match{}, false
	}

	pos := 0
	lastCollision := -(1 << 30)

	for pos+blockSize <= len(src) {
		r := window.Find(src[pos:pos+blockSize], m.cfg.LargeBlock)
		if r.W == 0 {
			step := r.Anchor
			if step <= 0 {
				step = 1
			}
			pos += step
			continue
		}

		if match, ok := m.confirm(src, pos, r, blockSize, absolutePayload, large); ok {
			return match, true
		}

		skip := 32
		if pos-lastCollision <= 1024 {
			skip = 1024
		}
		lastCollision = pos
		pos += skip
		for pos < len(src) && pos > 0 && src[pos] == src[pos-1] {
			pos++
		}
	}

	return Match{}, false
}

// confirm checks a single anchor hit found at block-relative offset pos
// with window result r, returning a Match if the candidate's first byte,
// position and strong hash all agree.
func (m *Matcher) confirm(src []byte, pos int, r window.Result, blockSize int, absolutePayload uint64, large bool) (Match, bool) {
	entry, ok := m.index.Lookup(r.W, large)
	if !ok {
		return Match{}, false
	}

	aligned := pos + r.Anchor - int(entry.Slide)
	if aligned < 0 || aligned+blockSize > len(src) {
		return Match{}, false
	}

	candidate := src[aligned : aligned+blockSize]
	if entry.FirstByte != candidate[0] {
		return Match{}, false
	}

	currentAbsolute := absolutePayload + uint64(aligned)
	if entry.Offset+uint64(blockSize) > currentAbsolute {
		// The candidate would reference its own or future bytes.
		return Match{}, false
	}

	var strong [12]byte
	if large {
		strong = m.hierarchicalSmallHashes(candidate)
	} else {
		strong = m.strongHash(candidate)
	}
	if strong != entry.Strong {
		return Match{}, false
	}

	return Match{Offset: aligned, SourcePayload: entry.Offset}, true
}

// hierarchicalSmallHashes recomputes the small-block strong hashes
// contained in a large candidate block and folds them the same way
// HashChunk did when the block was originally indexed.
func (m *Matcher) hierarchicalSmallHashes(largeBlock []byte) [12]byte {
	small := m.cfg.SmallBlock
	hashes := make([][12]byte, 0, len(largeBlock)/small)
	for off := 0; off+small <= len(largeBlock); off += small {
		hashes = append(hashes, m.strongHash(largeBlock[off:off+small]))
	}
	return m.hierarchicalHash(hashes)
}

// HashChunk indexes every non-overlapping small block in src, and every
// LargeBlock/SmallBlock small blocks also indexes the hierarchical
// large-block hash. Insertion failures (congested rows) are silently
// counted by the index itself; they are never fatal here.
func (m *Matcher) HashChunk(src []byte, absolutePayload uint64) {
	small := m.cfg.SmallBlock
	large := m.cfg.LargeBlock
	if small <= 0 || large <= 0 || large%small != 0 {
		return
	}
	ratio := large / small

	pending := make([][12]byte, 0, ratio)
	for off := 0; off+small <= len(src); off += small {
		block := src[off : off+small]
		strong := m.strongHash(block)

		if r := window.Find(block, large); r.W != 0 {
			m.index.Insert(r.W, hashindex.Entry{
				Offset:    absolutePayload + uint64(off),
				Slide:     uint16(r.Anchor),
				FirstByte: block[0],
				Strong:    strong,
			}, false)
		}

		pending = append(pending, strong)
		if len(pending) == ratio {
			largeOff := off + small - large
			largeBlock := src[largeOff : largeOff+large]
			if r := window.Find(largeBlock, large); r.W != 0 {
				m.index.Insert(r.W, hashindex.Entry{
					Offset:    absolutePayload + uint64(largeOff),
					Slide:     uint16(r.Anchor),
					FirstByte: largeBlock[0],
					Strong:    m.hierarchicalHash(pending),
				}, true)
			}
			pending = pending[:0]
		}
	}
}

// ProcessChunk turns src into an ordered list of encoded packets
// (pkg/dedupe/packet): an outer pass locating large-block matches, and
// an inner pass over each literal region locating and coalescing
// small-block matches. entropy skips matching entirely and stores the
// whole chunk as raw literals.
func (m *Matcher) ProcessChunk(c codec.Codec, level int, src []byte, absolutePayload uint64, entropy bool) [][]byte {
	if entropy {
		return m.literalSplit(c, level, src, true)
	}

	var packets [][]byte
	pos := 0
	n := len(src)

	for pos < n {
		remaining := src[pos:]
		var largeMatch Match
		haveLarge := false
		if len(remaining) >= m.cfg.LargeBlock {
			if match, ok := m.FindMatch(remaining, absolutePayload+uint64(pos), true); ok {
				largeMatch = match
				haveLarge = true
			}
		}

		regionEnd := n
		if haveLarge {
			regionEnd = pos + largeMatch.Offset
		}

		innerPos := m.processRegion(c, level, src, absolutePayload, pos, regionEnd, &packets)

		if innerPos < regionEnd {
			packets = append(packets, m.literalSplit(c, level, src[innerPos:regionEnd], false)...)
		}

		if haveLarge {
			tail := n - (pos + largeMatch.Offset)
			refLen := m.cfg.LargeBlock
			if tail < refLen {
				refLen = tail
			}
			packets = append(packets, packet.EncodeReference(largeMatch.SourcePayload, uint32(refLen)))
			pos = pos + largeMatch.Offset + m.cfg.LargeBlock
		} else {
			pos = regionEnd
		}
	}

	return packets
}

// processRegion runs the inner (small-block) matching pass over
// src[regionStart:regionEnd], appending packets as it goes, and returns
// the position it stopped at (regionEnd, or earlier if the caller still
// needs to flush a trailing literal).
func (m *Matcher) processRegion(c codec.Codec, level int, src []byte, absolutePayload uint64, regionStart, regionEnd int, packets *[][]byte) int {
	innerPos := regionStart
	small := m.cfg.SmallBlock

	for innerPos < regionEnd {
		window := src[innerPos:regionEnd]
		if len(window) < small {
			break
		}

		match, ok := m.FindMatch(window, absolutePayload+uint64(innerPos), false)
		if !ok {
			break
		}

		matchStart := innerPos + match.Offset
		if matchStart > innerPos {
			*packets = append(*packets, m.literalSplit(c, level, src[innerPos:matchStart], false)...)
		}

		coalesceLen := small
		srcPayload := match.SourcePayload
		cursor := matchStart + small

		for cursor < regionEnd {
			probe := src[cursor:regionEnd]
			if len(probe) < small {
				break
			}
			next, ok2 := m.FindMatch(probe, absolutePayload+uint64(cursor), false)
			if !ok2 || next.Offset != 0 || next.SourcePayload != srcPayload+uint64(coalesceLen) {
				break
			}
			coalesceLen += small
			cursor += small
		}

		*packets = append(*packets, packet.EncodeReference(srcPayload, uint32(coalesceLen)))
		innerPos = matchStart + coalesceLen
	}

	return innerPos
}

// literalSplit encodes data as one or more LITERAL packets, splitting at
// packet.MaxLiteralSize.
func (m *Matcher) literalSplit(c codec.Codec, level int, data []byte, entropy bool) [][]byte {
	var packets [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > packet.MaxLiteralSize {
			n = packet.MaxLiteralSize
		}
		packets = append(packets, packet.EncodeLiteral(c, level, data[:n], entropy))
		data = data[n:]
	}
	if len(packets) == 0 {
		// Preserve zero-length chunks as a single empty literal so callers
		// that expect at least one packet per submitted chunk never see a
		// silently dropped region.
		packets = append(packets, packet.EncodeLiteral(c, level, nil, entropy))
	}
	return packets
}
