package filter

import "math"

// bloomFilter is the classic LevelDB-style bloom filter: a single 32-bit
// seed hash per key, probed at k bit positions derived by rotating that one
// hash, rather than computing k independent hashes.
type bloomFilter struct {
	bits []byte
	k    uint8
}

var _ Filter = (*bloomFilter)(nil)

// Bytes returns the encoded filter: the bit array followed by a single
// trailing byte holding k, the number of probes.
func (f *bloomFilter) Bytes() []byte {
	out := make([]byte, len(f.bits)+1)
	copy(out, f.bits)
	out[len(f.bits)] = f.k
	return out
}

// Contains reports whether key may be present. false means definitely
// absent; true means possibly present.
func (f *bloomFilter) Contains(key []byte) bool {
	return contains(f.bits, f.k, key)
}

// Builder accumulates user keys and produces a finished filter.
type Builder struct {
	keys [][]byte
}

// NewBuilder returns an empty filter builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add records a key that must test positive once Finish is called.
func (b *Builder) Add(key []byte) {
	// Builder does not retain a reference to the caller's slice across calls
	// that might reuse it; copy defensively.
	k := make([]byte, len(key))
	copy(k, key)
	b.keys = append(b.keys, k)
}

// Reset discards all accumulated keys, so the builder can be reused for the
// next table.
func (b *Builder) Reset() {
	b.keys = b.keys[:0]
}

// Finish builds the bit array for the keys added so far, sized
// max(64, n*bitsPerKey) bits rounded up to a byte, with k (the number of
// probe bits) clamped to [1, 30] and appended as the trailing byte of the
// encoded form (see Bytes). It does not reset the builder.
func (b *Builder) Finish(bitsPerKey int) []byte {
	n := len(b.keys)
	k := clampK(bitsPerKey)

	nBits := n * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	bits := make([]byte, nBytes)
	for _, key := range b.keys {
		h := bloomHash(key)
		delta := rotate(h)
		for i := uint8(0); i < k; i++ {
			bitPos := h % uint32(nBits)
			bits[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}

	out := make([]byte, nBytes+1)
	copy(out, bits)
	out[nBytes] = k
	return out
}

// Contains decodes a finished filter (as produced by Finish/Bytes) and
// tests key against it without building an intermediate bloomFilter value.
func Contains(encoded []byte, key []byte) bool {
	if len(encoded) < 1 {
		return false
	}
	bits := encoded[:len(encoded)-1]
	k := encoded[len(encoded)-1]
	return contains(bits, k, key)
}

// Decode wraps an encoded filter (bit array plus trailing k byte) for
// repeated probing through the Filter interface.
func Decode(encoded []byte) Filter {
	if len(encoded) < 1 {
		return &bloomFilter{}
	}
	bits := make([]byte, len(encoded)-1)
	copy(bits, encoded[:len(encoded)-1])
	return &bloomFilter{bits: bits, k: encoded[len(encoded)-1]}
}

func contains(bits []byte, k uint8, key []byte) bool {
	nBits := len(bits) * 8
	if nBits == 0 {
		// A degenerate (e.g. never-finished) filter rejects nothing,
		// matching "filter disabled" semantics upstream rather than
		// "everything absent".
		return true
	}
	h := bloomHash(key)
	delta := rotate(h)
	for i := uint8(0); i < k; i++ {
		bitPos := h % uint32(nBits)
		if bits[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// clampK maps the requested bits-per-key to a probe count:
// k = clamp(round(bitsPerKey * ln2), 1, 30).
func clampK(bitsPerKey int) uint8 {
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return uint8(k)
}

// rotate derives the second independent-ish hash from the first by rotating
// its bits, avoiding a second hash computation, per the classic LevelDB
// double-hashing scheme.
func rotate(h uint32) uint32 {
	return (h >> 17) | (h << 15)
}

// bloomHash is the Murmur-like 32-bit seed hash used by the reference
// bloom filter; all arithmetic wraps on overflow as the spec requires.
func bloomHash(data []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ uint32(len(data))*m

	n := len(data)
	for n >= 4 {
		h += uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		h *= m
		h ^= h >> 16
		data = data[4:]
		n -= 4
	}

	switch n {
	case 3:
		h += uint32(data[2]) << 16
		fallthrough
	case 2:
		h += uint32(data[1]) << 8
		fallthrough
	case 1:
		h += uint32(data[0])
		h *= m
		h ^= h >> 16
	}
	return h
}
