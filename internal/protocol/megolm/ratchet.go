package megolm

import (
	"crypto/hmac"
	"crypto/sha256"
)

const (
	ratchetParts    = 4
	ratchetPartSize = 32
	ratchetLength   = ratchetParts * ratchetPartSize
)

// ratchet is the Megolm hash ratchet at position counter.
type ratchet struct {
	data    [ratchetParts][ratchetPartSize]byte
	counter uint32
}

// rehash sets R(to) = HMAC-SHA256(R(from), to).
func (r *ratchet) rehash(from, to int) {
	h := hmac.New(sha256.New, r.data[from][:])
	h.Write([]byte{byte(to)})
	copy(r.data[to][:], h.Sum(nil))
}

// advance moves the ratchet forward by one message.
func (r *ratchet) advance() {
	mask := uint32(0x00FFFFFF)
	h := 0
	r.counter++

	// How many parts need reseeding: R(h)..R(3).
	for h < ratchetParts {
		if r.counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := ratchetParts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

// advanceTo moves the ratchet forward to index. Moving to an index below
// the counter wraps around the 32-bit space, so callers check first.
func (r *ratchet) advanceTo(index uint32) {
	for j := 0; j < ratchetParts; j++ {
		shift := uint((ratchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		steps := ((index >> shift) - (r.counter >> shift)) & 0xff
		if steps == 0 {
			if index < r.counter {
				steps = 0x100
			} else {
				continue
			}
		}

		// Step R(j) forward on itself, then reseed R(j)..R(3) from it.
		for ; steps > 1; steps-- {
			r.rehash(j, j)
		}
		for k := ratchetParts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.counter = index & mask
	}
}

func (r *ratchet) bytes() []byte {
	out := make([]byte, 0, ratchetLength)
	for i := range r.data {
		out = append(out, r.data[i][:]...)
	}
	return out
}

func (r *ratchet) setBytes(b []byte) {
	for i := range r.data {
		copy(r.data[i][:], b[i*ratchetPartSize:(i+1)*ratchetPartSize])
	}
}
