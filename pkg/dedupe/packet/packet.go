// Package packet implements the packet codec: the 17-byte framing
// that the compressor pipeline writes and the resolver reads back.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/duparc/duparc/pkg/dedupe/codec"
)

// Kind distinguishes a LITERAL packet (carries compressed or raw bytes)
// from a REFERENCE packet (a back-pointer into already-written payload).
type Kind byte

const (
	Literal   Kind = 'L'
	Reference Kind = 'R'
)

// HeaderSize is the fixed on-disk header size: kind(1) | packet_size(4 LE) |
// payload_length(4 LE) | payload_ref(8 LE).
const HeaderSize = 17

// RawLevel is the level_tag written for an uncompressed literal body.
const RawLevel byte = '0'

// MaxLiteralSize bounds a single LITERAL packet's payload contribution;
// longer literal runs are split into multiple packets.
const MaxLiteralSize = 256 * 1024

// Header is the decoded fixed-size packet header.
type Header struct {
	Kind          Kind
	PacketSize    uint32
	PayloadLength uint32
	PayloadRef    uint64
}

// EncodeHeader writes h's 17-byte wire form into buf, which must be at
// least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], h.PacketSize)
	binary.LittleEndian.PutUint32(buf[5:9], h.PayloadLength)
	binary.LittleEndian.PutUint64(buf[9:17], h.PayloadRef)
}

// DecodeHeader parses the 17-byte header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("packet: short header (%d bytes)", len(buf))
	}
	h := Header{
		Kind:          Kind(buf[0]),
		PacketSize:    binary.LittleEndian.Uint32(buf[1:5]),
		PayloadLength: binary.LittleEndian.Uint32(buf[5:9]),
		PayloadRef:    binary.LittleEndian.Uint64(buf[9:17]),
	}
	if h.PacketSize == 0 {
		return Header{}, fmt.Errorf("packet: packet_size is 0")
	}
	if h.Kind != Literal && h.Kind != Reference {
		return Header{}, fmt.Errorf("packet: unknown kind %q", byte(h.Kind))
	}
	return h, nil
}

// probeWindowLens are the window lengths sampled by the compressibility
// probe: one short window plus four 4096-byte windows.
var probeWindowLens = [5]int{256, 4096, 4096, 4096, 4096}

// probeCompressible runs the cheap compressibility probe over up to five
// fixed windows of src and reports whether any of them achieved savings
// when compressed at level. A file with no compressible window is stored
// raw rather than paying the full compressor cost for nothing.
func probeCompressible(c codec.Codec, level int, src []byte) bool {
	if len(src) == 0 {
		return false
	}
	n := len(src)
	step := n / 5
	if step == 0 {
		step = n
	}
	for i, wantLen := range probeWindowLens {
		start := i * step
		if start >= n {
			break
		}
		end := start + wantLen
		if end > n {
			end = n
		}
		window := src[start:end]
		if len(window) == 0 {
			continue
		}
		out, err := c.Compress(level, window)
		if err == nil && len(out) < len(window) {
			return true
		}
	}
	return false
}

// EncodeLiteral builds a LITERAL packet carrying src. entropy forces a
// raw store without probing or compressing, for callers that already
// know the content is incompressible.
func EncodeLiteral(c codec.Codec, level int, src []byte, entropy bool) []byte {
	var body []byte
	levelTag := RawLevel

	if !entropy && level > 0 && probeCompressible(c, level, src) {
		compressed, err := c.Compress(level, src)
		if err == nil && len(compressed) < len(src) {
			body = compressed
			levelTag = byte('0' + level)
		}
	}
	if body == nil {
		body = src
	}

	out := make([]byte, HeaderSize+1+len(body))
	EncodeHeader(out[:HeaderSize], Header{
		Kind:          Literal,
		PacketSize:    uint32(len(out)),
		PayloadLength: uint32(len(src)),
	})
	out[HeaderSize] = levelTag
	copy(out[HeaderSize+1:], body)
	return out
}

// DecodeLiteral decompresses a LITERAL packet's body (the bytes
// immediately following the header) into dst, which must be at least
// h.PayloadLength bytes.
func DecodeLiteral(c codec.Codec, h Header, raw []byte, dst []byte) (int, error) {
	if len(raw) < 1 {
		return 0, fmt.Errorf("packet: literal body missing level tag")
	}
	levelTag, body := raw[0], raw[1:]
	if levelTag == RawLevel {
		n := copy(dst, body)
		if uint32(n) != h.PayloadLength {
			return 0, fmt.Errorf("packet: raw literal length mismatch: got %d want %d", n, h.PayloadLength)
		}
		return n, nil
	}
	n, err := c.Decompress(body, dst[:h.PayloadLength])
	if err != nil {
		return 0, fmt.Errorf("packet: decompressing literal: %w", err)
	}
	return n, nil
}

// Info reports a packet's kind, contributed payload length and (for
// REFERENCE packets) its payload back-pointer, reading only the header.
func Info(buf []byte) (Kind, uint32, uint64, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	return h.Kind, h.PayloadLength, h.PayloadRef, nil
}

// SizeCompressed returns the packet's total on-disk size including its
// header, i.e. how far to advance to reach the next packet.
func SizeCompressed(buf []byte) (uint32, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.PacketSize, nil
}

// SizeDecompressed returns the number of payload bytes the packet
// contributes when decoded.
func SizeDecompressed(buf []byte) (uint32, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.PayloadLength, nil
}

// Decode decodes the packet at the start of buf. For a LITERAL packet the
// payload bytes are written into dst (which must hold PayloadLength
// bytes) and payloadRef is 0; for a REFERENCE packet nothing is written
// and the caller must fetch payloadRef..payloadRef+length itself.
func Decode(c codec.Codec, buf []byte, dst []byte) (kind Kind, length uint32, payloadRef uint64, err error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	if uint32(len(buf)) < h.PacketSize {
		return 0, 0, 0, fmt.Errorf("packet: buffer holds %d of %d packet bytes", len(buf), h.PacketSize)
	}
	if h.Kind == Reference {
		return Reference, h.PayloadLength, h.PayloadRef, nil
	}
	if _, err := DecodeLiteral(c, h, buf[HeaderSize:h.PacketSize], dst); err != nil {
		return 0, 0, 0, err
	}
	return Literal, h.PayloadLength, 0, nil
}

// EncodeReference builds a REFERENCE packet: header only, no body.
func EncodeReference(payloadRef uint64, length uint32) []byte {
	out := make([]byte, HeaderSize)
	EncodeHeader(out, Header{
		Kind:          Reference,
		PacketSize:    HeaderSize,
		PayloadLength: length,
		PayloadRef:    payloadRef,
	})
	return out
}
