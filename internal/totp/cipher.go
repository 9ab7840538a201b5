package totp

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"rosterline.org/internal/secure"
)

// sealer encrypts secrets at rest with XChaCha20-Poly1305. The account id is
// bound as additional data so a ciphertext cannot be moved between accounts.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("totp: encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(accountID string, plaintext []byte) ([]byte, error) {
	nonce, err := secure.RandomBytes(s.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte(accountID)), nil
}

func (s *sealer) open(accountID string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.New("totp: sealed secret too short")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(accountID))
	if err != nil {
		return nil, fmt.Errorf("totp: open secret: %w", err)
	}
	return plain, nil
}
