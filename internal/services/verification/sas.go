package verification

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

var errNoTheirKey = errors.New("sas: other public key not set")

// sas holds the ephemeral key pair of one transaction and, once the other
// side's key is known, the shared secret.
type sas struct {
	priv     domain.X25519Private
	pub      domain.X25519Public
	theirKey string
	secret   []byte
}

func newSAS() (*sas, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &sas{priv: priv, pub: pub}, nil
}

// PublicKey returns our ephemeral key as unpadded base64.
func (s *sas) PublicKey() string { return crypto.UnpaddedBase64(s.pub[:]) }

// SetTheirKey computes the shared secret from the other side's ephemeral key.
func (s *sas) SetTheirKey(key string) error {
	pub, err := crypto.ParseCurve25519Key(domain.Curve25519Key(key))
	if err != nil {
		return fmt.Errorf("sas: their key: %w", err)
	}
	secret, err := crypto.DH(s.priv, pub)
	if err != nil {
		return fmt.Errorf("sas: %w", err)
	}
	s.theirKey = key
	s.secret = secret[:]
	return nil
}

// GenerateBytes derives n bytes from the shared secret.
func (s *sas) GenerateBytes(info string, n int) ([]byte, error) {
	if s.secret == nil {
		return nil, errNoTheirKey
	}
	return crypto.HKDFSHA256(s.secret, nil, []byte(info), n), nil
}

// CalculateMac authenticates input with a 32-byte key derived from info.
func (s *sas) CalculateMac(input, info string) (string, error) {
	return s.mac(input, info, 32)
}

// CalculateMacLongKdf is the older variant that derives a 256-byte key.
func (s *sas) CalculateMacLongKdf(input, info string) (string, error) {
	return s.mac(input, info, 256)
}

func (s *sas) mac(input, info string, keyLen int) (string, error) {
	key, err := s.GenerateBytes(info, keyLen)
	if err != nil {
		return "", err
	}
	return crypto.UnpaddedBase64(crypto.HMACSHA256(key, []byte(input))), nil
}

// macWith dispatches on the negotiated message authentication code.
func (s *sas) macWith(method, input, info string) (string, error) {
	switch method {
	case MacHKDFHMAC:
		return s.CalculateMac(input, info)
	case MacHMACLongKDF:
		return s.CalculateMacLongKdf(input, info)
	default:
		return "", fmt.Errorf("sas: unknown mac %q", method)
	}
}

// commitment is the hash the acceptor sends before revealing its key. start
// is the start content exactly as it went over the wire.
func commitment(pubKey string, start json.RawMessage) (string, error) {
	canonical, err := crypto.CanonicalJSON(start)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Base64(append([]byte(pubKey), canonical...)), nil
}

// sasInfo builds the HKDF info string for the short code. start names the
// side that sent m.key.verification.start.
func sasInfo(
	keyAgreement string,
	startUser domain.UserID, startDevice domain.DeviceID, startKey string,
	acceptUser domain.UserID, acceptDevice domain.DeviceID, acceptKey string,
	txID domain.TransactionID,
) string {
	if keyAgreement == KeyAgreementV2 {
		return strings.Join([]string{
			"MATRIX_KEY_VERIFICATION_SAS",
			string(startUser), string(startDevice), startKey,
			string(acceptUser), string(acceptDevice), acceptKey,
			string(txID),
		}, "|")
	}
	return "MATRIX_KEY_VERIFICATION_SAS" +
		string(startUser) + string(startDevice) +
		string(acceptUser) + string(acceptDevice) +
		string(txID)
}

// macBaseInfo is the info prefix for the MAC of keys owned by the first
// user and device.
func macBaseInfo(
	user domain.UserID, device domain.DeviceID,
	otherUser domain.UserID, otherDevice domain.DeviceID,
	txID domain.TransactionID,
) string {
	return "MATRIX_KEY_VERIFICATION_MAC" +
		string(user) + string(device) +
		string(otherUser) + string(otherDevice) +
		string(txID)
}

// keyIDList returns the sorted, comma-joined key ids of a mac map.
func keyIDList(mac map[string]string) string {
	ids := make([]string, 0, len(mac))
	for id := range mac {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// DecimalCode turns the first five SAS bytes into three numbers in
// [1000, 9191].
func DecimalCode(b []byte) [3]int {
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		(int(b[1]&0x07)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		(int(b[3]&0x3f)<<7 | int(b[4])>>1) + 1000,
	}
}

// EmojiCode turns the first 42 bits of the SAS bytes into seven emoji.
func EmojiCode(b []byte) [7]Emoji {
	var bits uint64
	for _, c := range b[:6] {
		bits = bits<<8 | uint64(c)
	}
	var out [7]Emoji
	for i := range out {
		out[i] = emojiTable[(bits>>(42-6*uint(i)))&0x3f]
	}
	return out
}

// firstCommon returns the first entry of preferred that theirs also lists.
func firstCommon(preferred, theirs []string) (string, bool) {
	for _, p := range preferred {
		for _, t := range theirs {
			if p == t {
				return p, true
			}
		}
	}
	return "", false
}

// intersect keeps the entries of preferred that theirs also lists.
func intersect(preferred, theirs []string) []string {
	var out []string
	for _, p := range preferred {
		for _, t := range theirs {
			if p == t {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func equalMAC(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
