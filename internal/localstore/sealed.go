package localstore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// saltKey holds the per-store key derivation salt, unencrypted.
	saltKey = "__medsync/sealed/salt"
	// checkKey holds a sealed known value used to verify the passphrase.
	checkKey   = "__medsync/sealed/check"
	checkValue = "medsync"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	saltLen      = 16
)

// ErrSealed is returned when a stored value cannot be authenticated, usually
// because the passphrase changed.
var ErrSealed = errors.New("localstore: cannot open sealed value")

// SealedStore encrypts every value with XChaCha20-Poly1305 before handing it
// to the wrapped store. The key name is bound as additional data so values
// cannot be swapped between keys.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

var _ Store = (*SealedStore)(nil)

// NewSealed derives the encryption key from passphrase with argon2id. The salt
// is created on first use and kept in inner. A passphrase that does not match
// the one the store was created with fails with ErrSealed.
func NewSealed(inner Store, passphrase string) (*SealedStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed store: passphrase is required")
	}

	salt, err := inner.Get(saltKey)
	if errors.Is(err, ErrNotFound) {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("sealed store: generate salt: %w", err)
		}
		if err := inner.Set(saltKey, salt); err != nil {
			return nil, fmt.Errorf("sealed store: save salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("sealed store: load salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealed store: %w", err)
	}

	st := &SealedStore{inner: inner, aead: aead}
	check, err := st.Get(checkKey)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := st.Set(checkKey, []byte(checkValue)); err != nil {
			return nil, fmt.Errorf("sealed store: save check value: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("sealed store: %w", err)
	case string(check) != checkValue:
		return nil, fmt.Errorf("sealed store: %w", ErrSealed)
	}
	return st, nil
}

func (s *SealedStore) Get(key string) ([]byte, error) {
	data, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}

	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, ErrSealed
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(key))
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}

func (s *SealedStore) Set(key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("sealed store: nonce: %w", err)
	}
	return s.inner.Set(key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *SealedStore) Delete(key string) error {
	return s.inner.Delete(key)
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}
