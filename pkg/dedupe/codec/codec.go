// Package codec defines the pluggable general-purpose compressor
// capability: a black-box bytes-to-bytes codec with a level parameter.
// The dedupe engine only ever depends on the Codec interface; it never
// names a specific compression algorithm.
package codec

// Codec is the injected general-purpose compressor. Level is an
// implementation-defined quality/speed tradeoff (0 is reserved by the
// packet format for "raw, uncompressed" and is never passed to Compress).
type Codec interface {
	// Compress returns src compressed at the given level.
	Compress(level int, src []byte) ([]byte, error)

	// Decompress writes the decompressed form of src into dst, returning
	// the number of bytes written. dst must be large enough to hold the
	// decompressed output (the packet header records the exact size).
	Decompress(src []byte, dst []byte) (int, error)
}
