package bloom

import "math"

// Sizer turns a configured "prefix:count:errorRate" entry into the bits and
// hash count written to the forwarder config for that filter.
type Sizer interface {
	Size(n uint64, p float64) (bits uint64, hashes uint8)
}

type sizer struct{}

// NewSizer returns the Sizer used by the fast intel controller.
func NewSizer() Sizer { return sizer{} }

// Size uses the optimal shape for n elements at false positive rate p:
// bits = -n*ln(p)/ln(2)^2 and hashes = bits/n*ln(2). A zero count is sized
// as one element and a rate outside (0,1) as 1%. Hashes stay within what
// the store accepts on load.
func (sizer) Size(n uint64, p float64) (uint64, uint8) {
	n = max(n, 1)
	if !(p > 0 && p < 1) { // also catches NaN
		p = 0.01
	}
	perElem := -math.Log(p) / (math.Ln2 * math.Ln2)
	bits := max(uint64(math.Ceil(float64(n)*perElem)), 1)
	hashes := math.Round(float64(bits) / float64(n) * math.Ln2)
	return bits, uint8(min(max(hashes, 1), maxHashes))
}
