package olm

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

// MaxOneTimeKeys bounds the pool of unused one-time keys an account keeps.
const MaxOneTimeKeys = 100

var ErrNoSuchOneTimeKey = errors.New("olm: no such one-time key")

// NewAccount generates fresh identity keys for a device.
func NewAccount(userID domain.UserID, deviceID domain.DeviceID) (domain.Account, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Account{}, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{
		UserID:   userID,
		DeviceID: deviceID,
		Identity: domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv},
	}, nil
}

// IdentityKey returns the account's Curve25519 key in wire form.
func IdentityKey(acc *domain.Account) domain.Curve25519Key {
	return crypto.Curve25519Key(acc.Identity.XPub)
}

// FingerprintKey returns the account's Ed25519 key in wire form.
func FingerprintKey(acc *domain.Account) domain.Ed25519Key {
	return crypto.Ed25519Key(acc.Identity.EdPub)
}

// Sign returns the unpadded base64 Ed25519 signature of msg.
func Sign(acc *domain.Account, msg []byte) string {
	return crypto.UnpaddedBase64(crypto.SignEd25519(acc.Identity.EdPriv, msg))
}

// SignJSON signs the canonical form of v (without signatures/unsigned).
func SignJSON(acc *domain.Account, v any) (string, error) {
	msg, err := crypto.SignJSON(v)
	if err != nil {
		return "", err
	}
	return Sign(acc, msg), nil
}

// DeviceKeys returns the signed device keys the account publishes.
func DeviceKeys(acc *domain.Account) (domain.DeviceKeys, error) {
	keys := domain.DeviceKeys{
		UserID:     acc.UserID,
		DeviceID:   acc.DeviceID,
		Algorithms: []string{domain.AlgorithmOlm, domain.AlgorithmMegolm},
		Keys: map[string]string{
			domain.KeyID(domain.KeyAlgorithmCurve25519, string(acc.DeviceID)): string(IdentityKey(acc)),
			domain.KeyID(domain.KeyAlgorithmEd25519, string(acc.DeviceID)):    string(FingerprintKey(acc)),
		},
	}
	sig, err := SignJSON(acc, keys)
	if err != nil {
		return domain.DeviceKeys{}, err
	}
	keys.Signatures = map[domain.UserID]map[string]string{
		acc.UserID: {domain.KeyID(domain.KeyAlgorithmEd25519, string(acc.DeviceID)): sig},
	}
	return keys, nil
}

// VerifyDeviceKeys checks the self-signature of a device key bundle.
func VerifyDeviceKeys(keys domain.DeviceKeys) error {
	ed, err := crypto.ParseEd25519Key(keys.FingerprintKey())
	if err != nil {
		return fmt.Errorf("device %s: %w", keys.DeviceID, err)
	}
	sig, ok := keys.Signatures[keys.UserID][domain.KeyID(domain.KeyAlgorithmEd25519, string(keys.DeviceID))]
	if !ok {
		return fmt.Errorf("device %s: missing self-signature", keys.DeviceID)
	}
	raw, err := crypto.DecodeBase64(sig)
	if err != nil {
		return fmt.Errorf("device %s: %w", keys.DeviceID, err)
	}
	msg, err := crypto.SignJSON(keys)
	if err != nil {
		return err
	}
	if !crypto.VerifyEd25519(ed, msg, raw) {
		return fmt.Errorf("device %s: bad self-signature", keys.DeviceID)
	}
	return nil
}

// GenerateOneTimeKeys adds n unpublished one-time keys, dropping the
// oldest keys beyond MaxOneTimeKeys.
func GenerateOneTimeKeys(acc *domain.Account, n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		acc.NextKeyID++
		acc.OneTimeKeys = append(acc.OneTimeKeys, domain.OneTimeKeyPair{
			ID:   "AAAA" + strconv.FormatUint(uint64(acc.NextKeyID), 36),
			Priv: priv,
			Pub:  pub,
		})
	}
	if extra := len(acc.OneTimeKeys) - MaxOneTimeKeys; extra > 0 {
		acc.OneTimeKeys = acc.OneTimeKeys[extra:]
	}
	return nil
}

// UnpublishedOneTimeKeys returns the signed one-time keys not uploaded yet,
// keyed by "signed_curve25519:<id>".
func UnpublishedOneTimeKeys(acc *domain.Account) (map[string]domain.OneTimeKey, error) {
	out := make(map[string]domain.OneTimeKey)
	for _, k := range acc.OneTimeKeys {
		if k.Published {
			continue
		}
		otk := domain.OneTimeKey{Key: crypto.Curve25519Key(k.Pub)}
		sig, err := SignJSON(acc, otk)
		if err != nil {
			return nil, err
		}
		otk.Signatures = map[domain.UserID]map[string]string{
			acc.UserID: {domain.KeyID(domain.KeyAlgorithmEd25519, string(acc.DeviceID)): sig},
		}
		out[domain.KeyID(domain.KeyAlgorithmSignedCurve25519, k.ID)] = otk
	}
	return out, nil
}

// MarkKeysAsPublished flags every current one-time key as uploaded.
func MarkKeysAsPublished(acc *domain.Account) {
	for i := range acc.OneTimeKeys {
		acc.OneTimeKeys[i].Published = true
	}
}

// removeOneTimeKey consumes the one-time key with the given public half.
func removeOneTimeKey(acc *domain.Account, pub domain.X25519Public) (domain.X25519Private, error) {
	for i, k := range acc.OneTimeKeys {
		if k.Pub == pub {
			acc.OneTimeKeys = append(acc.OneTimeKeys[:i], acc.OneTimeKeys[i+1:]...)
			return k.Priv, nil
		}
	}
	return domain.X25519Private{}, ErrNoSuchOneTimeKey
}
