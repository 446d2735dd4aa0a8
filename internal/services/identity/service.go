package identity

import (
	"errors"
	"fmt"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrAccountExists is returned by Create when an account is already stored.
	ErrAccountExists = errors.New("an account already exists")
	// ErrLocked is returned when the account has not been unlocked.
	ErrLocked = errors.New("account is locked")
)

// Service owns the local device account.
//
// The account contains:
//   - the Curve25519 identity key used by Olm,
//   - the Ed25519 fingerprint key that signs device and one-time keys,
//   - the pool of one-time keys.
//
// After Create or Unlock, the service keeps the account in memory and
// re-encrypts it with the same passphrase on every Update.
type Service struct {
	store  domain.AccountStore
	logger zerolog.Logger

	mu         sync.Mutex
	passphrase string
	account    *domain.Account
}

// New returns an identity service backed by the given store.
func New(store domain.AccountStore, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger.With().Str("service", "identity").Logger()}
}

// Create generates a new device account, saves it encrypted with the
// passphrase, and returns the device fingerprint.
func (s *Service) Create(
	passphrase string,
	userID domain.UserID,
	deviceID domain.DeviceID,
) (domain.Fingerprint, error) {
	if !isSecurePassphrase(passphrase) {
		return "", ErrWeakPassphrase
	}
	exists, err := s.store.HasAccount()
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrAccountExists
	}

	acc, err := olm.NewAccount(userID, deviceID)
	if err != nil {
		return "", err
	}
	if err := s.store.SaveAccount(passphrase, acc); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.passphrase, s.account = passphrase, &acc
	s.mu.Unlock()

	s.logger.Info().Str("user_id", string(userID)).Str("device_id", string(deviceID)).Msg("account created")
	return crypto.Fingerprint(olm.FingerprintKey(&acc)), nil
}

// Unlock decrypts the stored account and keeps it in memory.
func (s *Service) Unlock(passphrase string) error {
	acc, err := s.store.LoadAccount(passphrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.passphrase, s.account = passphrase, &acc
	s.mu.Unlock()
	return nil
}

// Fingerprint returns the grouped fingerprint of the device's Ed25519 key.
func (s *Service) Fingerprint() domain.Fingerprint {
	return crypto.Fingerprint(s.FingerprintKey())
}

// DeviceKeys returns the self-signed device keys to publish.
func (s *Service) DeviceKeys() (domain.DeviceKeys, error) {
	var keys domain.DeviceKeys
	err := s.View(func(acc *domain.Account) error {
		var err error
		keys, err = olm.DeviceKeys(acc)
		return err
	})
	return keys, err
}

// UserID returns the account owner, or "" while locked.
func (s *Service) UserID() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.UserID
}

// DeviceID returns the local device id, or "" while locked.
func (s *Service) DeviceID() domain.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.DeviceID
}

// IdentityKey returns the device Curve25519 key, or "" while locked.
func (s *Service) IdentityKey() domain.Curve25519Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return olm.IdentityKey(s.account)
}

// FingerprintKey returns the device Ed25519 key, or "" while locked.
func (s *Service) FingerprintKey() domain.Ed25519Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return olm.FingerprintKey(s.account)
}

// View runs fn with the account under the lock.
func (s *Service) View(fn func(acc *domain.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ErrLocked
	}
	return fn(s.account)
}

// Update runs fn on a copy of the account and, when fn succeeds, persists
// the copy and makes it current. A failed fn leaves the account unchanged.
func (s *Service) Update(fn func(acc *domain.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ErrLocked
	}
	next := *s.account
	next.OneTimeKeys = append([]domain.OneTimeKeyPair(nil), s.account.OneTimeKeys...)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.store.SaveAccount(s.passphrase, next); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	s.account = &next
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.LocalAccount.
var _ domain.LocalAccount = (*Service)(nil)
