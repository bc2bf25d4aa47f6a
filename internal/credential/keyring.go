package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "notifycenter"

	// TokenKey is the keyring entry holding the platform bearer token.
	TokenKey = "platform-token"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/notifycenter/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("notifycenter-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Keyring is an Accessor backed by the system keyring. The ring is
// opened lazily on first use and reused afterwards.
type Keyring struct {
	key  string
	open func() (keyring.Keyring, error)
	ring keyring.Keyring
}

// NewKeyring returns an Accessor that reads the token stored under key.
// An empty key selects TokenKey.
func NewKeyring(key string) *Keyring {
	if key == "" {
		key = TokenKey
	}
	return &Keyring{key: key, open: openKeyring}
}

// NewKeyringWith wraps an already opened keyring. It is used by tests
// with keyring.NewArrayKeyring.
func NewKeyringWith(ring keyring.Keyring, key string) *Keyring {
	k := NewKeyring(key)
	k.ring = ring
	return k
}

func (k *Keyring) keyring() (keyring.Keyring, error) {
	if k.ring != nil {
		return k.ring, nil
	}
	ring, err := k.open()
	if err != nil {
		return nil, err
	}
	k.ring = ring
	return ring, nil
}

// Token retrieves the stored token. A missing entry is reported as
// ErrNoCredential; an expired JWT as ErrExpired.
func (k *Keyring) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ring, err := k.keyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(k.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("getting credential %q: %w", k.key, err)
	}

	token := Raw(string(item.Data))
	if token == "" {
		return "", ErrNoCredential
	}
	if err := Check(token); err != nil {
		return "", err
	}
	return token, nil
}

// Set stores a token in the system keyring. Any bearer prefix is
// stripped before storing.
func (k *Keyring) Set(token string) error {
	ring, err := k.keyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   k.key,
		Data:  []byte(Raw(token)),
		Label: "notifycenter platform token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", k.key, err)
	}

	return nil
}

// Delete removes the stored token.
func (k *Keyring) Delete() error {
	ring, err := k.keyring()
	if err != nil {
		return err
	}

	err = ring.Remove(k.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", k.key, err)
	}

	return nil
}
