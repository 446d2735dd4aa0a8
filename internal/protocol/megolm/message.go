package megolm

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/util/memzero"
)

const (
	messageVersion   = 3
	tagMessageIndex  = 0x08
	tagCiphertext    = 0x12
	signatureLength  = ed25519.SignatureSize
	messageKeyLength = chacha20poly1305.KeySize + chacha20poly1305.NonceSize
)

var (
	ErrBadMessageVersion   = errors.New("megolm: bad message version")
	ErrBadMessageFormat    = errors.New("megolm: bad message format")
	ErrBadSignature        = errors.New("megolm: bad message signature")
	ErrUnknownMessageIndex = errors.New("megolm: unknown message index")
)

var messageKeyInfo = []byte("MEGOLM_KEYS")

// message is the decoded form of a Megolm ciphertext:
// version | 0x08 varint(index) | 0x12 varint(len) ciphertext | signature.
type message struct {
	index      uint32
	ciphertext []byte
	signed     []byte // everything covered by the signature
	signature  []byte
}

func encodeMessage(index uint32, ciphertext []byte, priv ed25519.PrivateKey) []byte {
	buf := make([]byte, 0, 1+1+binary.MaxVarintLen32+1+binary.MaxVarintLen64+len(ciphertext)+signatureLength)
	buf = append(buf, messageVersion, tagMessageIndex)
	buf = binary.AppendUvarint(buf, uint64(index))
	buf = append(buf, tagCiphertext)
	buf = binary.AppendUvarint(buf, uint64(len(ciphertext)))
	buf = append(buf, ciphertext...)
	return append(buf, ed25519.Sign(priv, buf)...)
}

func decodeMessage(raw []byte) (message, error) {
	var m message
	if len(raw) < 1+signatureLength {
		return m, ErrBadMessageFormat
	}
	if raw[0] != messageVersion {
		return m, ErrBadMessageVersion
	}
	body := raw[:len(raw)-signatureLength]
	m.signed = body
	m.signature = raw[len(raw)-signatureLength:]

	pos := 1
	seenIndex := false
	for pos < len(body) {
		tag := body[pos]
		pos++
		v, n := binary.Uvarint(body[pos:])
		if n <= 0 {
			return m, ErrBadMessageFormat
		}
		pos += n
		switch tag {
		case tagMessageIndex:
			if v > uint64(^uint32(0)) {
				return m, ErrBadMessageFormat
			}
			m.index = uint32(v)
			seenIndex = true
		case tagCiphertext:
			if uint64(len(body)-pos) < v {
				return m, ErrBadMessageFormat
			}
			m.ciphertext = body[pos : pos+int(v)]
			pos += int(v)
		default:
			return m, ErrBadMessageFormat
		}
	}
	if !seenIndex || m.ciphertext == nil {
		return m, ErrBadMessageFormat
	}
	return m, nil
}

// MessageIndex reads the ratchet index of a base64 Megolm ciphertext
// without decrypting it.
func MessageIndex(ciphertext string) (uint32, error) {
	raw, err := crypto.DecodeBase64(ciphertext)
	if err != nil {
		return 0, err
	}
	m, err := decodeMessage(raw)
	if err != nil {
		return 0, err
	}
	return m.index, nil
}

func messageCipher(r *ratchet) (key, nonce []byte) {
	material := crypto.HKDFSHA256(r.bytes(), nil, messageKeyInfo, messageKeyLength)
	return material[:chacha20poly1305.KeySize], material[chacha20poly1305.KeySize:]
}

func seal(r *ratchet, plaintext []byte) ([]byte, error) {
	key, nonce := messageCipher(r)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, indexAD(r.counter)), nil
}

func open(r *ratchet, ciphertext []byte) ([]byte, error) {
	key, nonce := messageCipher(r)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, indexAD(r.counter))
}

func indexAD(index uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return b[:]
}

func randomRatchet(rnd io.Reader) (*ratchet, error) {
	var r ratchet
	b := make([]byte, ratchetLength)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return nil, err
	}
	r.setBytes(b)
	memzero.Zero(b)
	return &r, nil
}
