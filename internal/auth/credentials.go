package auth

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ErrNoCredential is returned when no password is stored for an account
var ErrNoCredential = errors.New("no stored credential")

// CredentialStore keeps IMAP passwords in the system keyring
type CredentialStore struct {
	ring keyring.Keyring
}

// OpenCredentialStore opens the keyring. fileDir and filePassword configure
// the encrypted file backend used when no system keyring is available.
func OpenCredentialStore(service, fileDir, filePassword string) (*CredentialStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &CredentialStore{ring: ring}, nil
}

// NewCredentialStore wraps an already opened keyring
func NewCredentialStore(ring keyring.Keyring) *CredentialStore {
	return &CredentialStore{ring: ring}
}

func passwordKey(accountID string) string {
	return "imap-password/" + accountID
}

// Password returns the IMAP password of an account
func (s *CredentialStore) Password(accountID string) (string, error) {
	item, err := s.ring.Get(passwordKey(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w for %s", ErrNoCredential, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential for %s: %w", accountID, err)
	}
	return string(item.Data), nil
}

// SetPassword stores the IMAP password of an account
func (s *CredentialStore) SetPassword(accountID, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         passwordKey(accountID),
		Data:        []byte(password),
		Label:       "mailsync IMAP password",
		Description: accountID,
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", accountID, err)
	}
	return nil
}

// DeletePassword removes the IMAP password of an account
func (s *CredentialStore) DeletePassword(accountID string) error {
	err := s.ring.Remove(passwordKey(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential for %s: %w", accountID, err)
	}
	return nil
}
