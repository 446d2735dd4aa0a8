package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// ErrBadKeyLength is returned when a decoded key has the wrong size.
var ErrBadKeyLength = errors.New("crypto: bad key length")

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// DH computes X25519 Diffie-Hellman.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// Curve25519Key encodes pub the way it travels in events.
func Curve25519Key(pub domain.X25519Public) domain.Curve25519Key {
	return domain.Curve25519Key(UnpaddedBase64(pub[:]))
}

// ParseCurve25519Key decodes an unpadded base64 Curve25519 key.
func ParseCurve25519Key(key domain.Curve25519Key) (domain.X25519Public, error) {
	var pub domain.X25519Public
	b, err := DecodeBase64(string(key))
	if err != nil {
		return pub, err
	}
	if len(b) != len(pub) {
		return pub, ErrBadKeyLength
	}
	copy(pub[:], b)
	return pub, nil
}

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
