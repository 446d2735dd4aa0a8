package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

const accountFilename = "account.json.enc"

// AccountFileStore persists the local device account to disk, encrypted
// with a passphrase.
type AccountFileStore struct {
	dir string
	kdf kdfParams
	mu  sync.Mutex
}

// NewAccountFileStore returns an AccountFileStore rooted at dir.
func NewAccountFileStore(dir string) *AccountFileStore {
	return &AccountFileStore{dir: dir, kdf: defaultKDF}
}

// NewAccountFileStoreWithCost is NewAccountFileStore with explicit scrypt
// cost parameters. Tests use a low N to stay fast.
func NewAccountFileStoreWithCost(dir string, n, r, p int) *AccountFileStore {
	return &AccountFileStore{dir: dir, kdf: kdfParams{N: n, R: r, P: p}}
}

// SaveAccount writes the encrypted account to disk.
func (s *AccountFileStore) SaveAccount(passphrase string, account domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	ct, err := encrypt(passphrase, raw, s.kdf)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, accountFilename), ct)
}

// LoadAccount reads and decrypts the account.
func (s *AccountFileStore) LoadAccount(passphrase string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(filepath.Join(s.dir, accountFilename))
	if err != nil {
		return domain.Account{}, err
	}
	pt, err := decrypt(passphrase, b)
	if err != nil {
		return domain.Account{}, err
	}
	var account domain.Account
	if err := json.Unmarshal(pt, &account); err != nil {
		return domain.Account{}, err
	}
	return account, nil
}

// HasAccount reports whether an account file exists.
func (s *AccountFileStore) HasAccount() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return exists(filepath.Join(s.dir, accountFilename))
}

// Compile-time assertion that AccountFileStore implements domain.AccountStore.
var _ domain.AccountStore = (*AccountFileStore)(nil)
