package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize = 16
	hkdfInfo = "facturador credential sealing"
)

// Sealer encrypts taxpayer secrets. Each sealed value carries its own salt,
// so every value is encrypted under a distinct key derived with
// HKDF-SHA256 from the master key.
type Sealer struct {
	master []byte
	rand   io.Reader
}

// NewSealer creates a sealer from a master key of at least 32 bytes.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < chacha20poly1305.KeySize {
		return nil, ErrMasterKey
	}
	return &Sealer{master: append([]byte(nil), master...), rand: rand.Reader}, nil
}

func (s *Sealer) derive(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. aad binds the value to its owner and purpose;
// the same aad must be given to Open. The output is salt || nonce ||
// ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key, err := s.derive(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrSealed)
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[saltSize+chacha20poly1305.NonceSizeX:]

	key, err := s.derive(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return plaintext, nil
}
