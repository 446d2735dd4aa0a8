package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Ed25519Key encodes pub the way it travels in events.
func Ed25519Key(pub domain.Ed25519Public) domain.Ed25519Key {
	return domain.Ed25519Key(UnpaddedBase64(pub[:]))
}

// ParseEd25519Key decodes an unpadded base64 Ed25519 key.
func ParseEd25519Key(key domain.Ed25519Key) (domain.Ed25519Public, error) {
	var pub domain.Ed25519Public
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
