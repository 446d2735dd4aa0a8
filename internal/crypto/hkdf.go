package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA256 expands secret into n bytes. A nil salt means an all-zero salt.
func HKDFSHA256(secret, salt, info []byte, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, salt, info)
	// hkdf only fails past 255*32 bytes of output.
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}

// HMACSHA256 returns HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// SHA256Base64 returns the unpadded base64 SHA-256 digest of s.
func SHA256Base64(s []byte) string {
	sum := sha256.Sum256(s)
	return UnpaddedBase64(sum[:])
}
