package x3dh

import (
	"errors"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/util/memzero"
)

var (
	// ErrBadOneTimeKey is returned when a claimed one-time key carries no
	// valid signature from the device it was claimed for.
	ErrBadOneTimeKey = errors.New("x3dh: one-time key signature invalid")
)

var rootInfo = []byte("OLM_ROOT")

// InitiatorRoot derives the root key for the initiator.
//
// The transcript is DH(IKa, OTKb) | DH(EKa, IKb) | DH(EKa, OTKb), where OTKb
// is the one-time key claimed for the responder's device.
func InitiatorRoot(
	ourIdentity domain.X25519Private,
	ourBase domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerOneTimeKey domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIdentity, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourBase, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourBase, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	return root(dh1, dh2, dh3), nil
}

// ResponderRoot derives the same root key on the responder from the
// initiator's identity and base keys and the consumed one-time key.
func ResponderRoot(
	ourIdentity domain.X25519Private,
	ourOneTimeKey domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerBase domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourOneTimeKey, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentity, peerBase)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourOneTimeKey, peerBase)
	if err != nil {
		return nil, err
	}
	return root(dh1, dh2, dh3), nil
}

// VerifyOneTimeKey checks the device's signature over a claimed one-time key.
func VerifyOneTimeKey(signer domain.Ed25519Public, userID domain.UserID, deviceID domain.DeviceID, key domain.OneTimeKey) error {
	sig, ok := key.Signatures[userID][domain.KeyID(domain.KeyAlgorithmEd25519, string(deviceID))]
	if !ok {
		return ErrBadOneTimeKey
	}
	raw, err := crypto.DecodeBase64(sig)
	if err != nil {
		return ErrBadOneTimeKey
	}
	msg, err := crypto.SignJSON(key)
	if err != nil {
		return err
	}
	if !crypto.VerifyEd25519(signer, msg, raw) {
		return ErrBadOneTimeKey
	}
	return nil
}

func root(dh1, dh2, dh3 [32]byte) []byte {
	transcript := make([]byte, 0, 32*3)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)

	rk := crypto.HKDFSHA256(transcript, nil, rootInfo, 32)
	memzero.Zero(transcript)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])
	return rk
}
