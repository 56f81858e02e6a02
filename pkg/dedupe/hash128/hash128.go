// Package hash128 defines the pluggable 128-bit hash capability used for
// per-file checksums and for the matcher's strong-hash confirmation. The
// engine never hardcodes a specific hash algorithm; it only depends on
// the Hash interface below.
package hash128

// Hash is a streaming 128-bit digest, injected into the engine rather
// than chosen by it.
type Hash interface {
	// Update folds additional bytes into the running digest.
	Update(p []byte)

	// Finalize returns the 128-bit digest of everything written so far.
	// Finalize does not reset the hash; callers that want to reuse the
	// instance must create a new one via Factory.
	Finalize() [16]byte
}

// Factory constructs a fresh, independently-seeded Hash instance. The
// engine holds a Factory rather than a Hash so concurrent workers and
// sequential per-file checksums each get their own streaming state.
type Factory func(seed uint32) Hash

// Sum truncates a 128-bit digest to the 12-byte strong hash the index
// stores per entry. Strong hashes are only ever compared for equality,
// so truncation needs to be consistent, not reversible.
func Sum(h [16]byte) (strong [12]byte) {
	copy(strong[:], h[:12])
	return strong
}
