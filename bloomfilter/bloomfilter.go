// Package bloomfilter implements the approximate-membership filter
// stored alongside every SST: no false negatives for keys inserted at
// build time, a tunable false-positive rate otherwise.
package bloomfilter

import (
	"math"
	"math/bits"

	"github.com/twmb/murmur3"

	"github.com/oarkhollow/lsmgo/lsmerrors"
)

// DefaultBitsPerKey gives roughly a 1% false-positive rate at steady
// state.
const DefaultBitsPerKey = 10

// Filter is an immutable bit array plus a hash-probe count.
type Filter struct {
	bitset []byte
	k      uint8
}

// BuildFromKeys constructs a Filter sized for len(keys) at bitsPerKey
// bits each. Every key passed in is guaranteed to report MayContain ==
// true afterward (Bloom soundness).
func BuildFromKeys(keys [][]byte, bitsPerKey int) *Filter {
	if bitsPerKey <= 0 {
		bitsPerKey = DefaultBitsPerKey
	}

	k := int(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nbits := len(keys) * bitsPerKey
	if nbits < 64 {
		nbits = 64
	}
	nbytes := (nbits + 7) / 8
	nbits = nbytes * 8

	f := &Filter{
		bitset: make([]byte, nbytes),
		k:      uint8(k),
	}

	for _, key := range keys {
		f.add(key, nbits)
	}

	return f
}

func fingerprint32(key []byte) uint32 {
	return murmur3.Sum32(key)
}

func (f *Filter) add(key []byte, nbits int) {
	h := fingerprint32(key)
	delta := bits.RotateLeft32(h, -17)
	for i := uint8(0); i < f.k; i++ {
		bitPos := int(h) % nbits
		f.bitset[bitPos/8] |= 1 << (bitPos % 8)
		h += delta
	}
}

// MayContain returns true only when every probe bit for key is set. It
// never produces a false negative for a key passed to BuildFromKeys.
func (f *Filter) MayContain(key []byte) bool {
	nbits := len(f.bitset) * 8
	if nbits == 0 {
		return false
	}

	h := fingerprint32(key)
	delta := bits.RotateLeft32(h, -17)
	for i := uint8(0); i < f.k; i++ {
		bitPos := int(h) % nbits
		if f.bitset[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// Encode yields bits || k:u8.
func (f *Filter) Encode() []byte {
	out := make([]byte, len(f.bitset)+1)
	copy(out, f.bitset)
	out[len(out)-1] = f.k
	return out
}

// Decode splits the last byte of buf as k, the rest as the bit array.
func Decode(buf []byte) (*Filter, error) {
	if len(buf) < 1 {
		return nil, &lsmerrors.FormatError{Context: "bloomfilter.Decode", Reason: "buffer too short for k byte"}
	}
	k := buf[len(buf)-1]
	bitset := make([]byte, len(buf)-1)
	copy(bitset, buf[:len(buf)-1])
	// A byte array always holds a whole multiple of 8 bits, so only the
	// 64-bit floor needs checking.
	if len(bitset)*8 < 64 {
		return nil, &lsmerrors.FormatError{Context: "bloomfilter.Decode", Reason: "bit count invariant violated"}
	}
	return &Filter{bitset: bitset, k: k}, nil
}

// EstimatedFalsePositiveRate reports the theoretical FPR for n inserted
// keys given this filter's k and bit count; used only for diagnostics.
func (f *Filter) EstimatedFalsePositiveRate(n int) float64 {
	if n == 0 || len(f.bitset) == 0 {
		return 0
	}
	m := float64(len(f.bitset) * 8)
	k := float64(f.k)
	return math.Pow(1-math.Exp(-k*float64(n)/m), k)
}
