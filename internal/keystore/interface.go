// Package keystore manages the signing credentials and API accounts of
// registered taxpayers.
//
// Secrets never reach the storage layer in clear text: the keystore PIN and
// the identity provider username and password are sealed with
// XChaCha20-Poly1305 under a key derived from the configured master key.
// The PKCS#12 keystore itself is stored as issued, since it is already
// protected by its PIN.
//
// A [Provider] unseals these values on demand. It is the credential
// source of the engine, the account source of the token cache and the
// profile source of the rate limiter.
package keystore

import (
	"context"
	"errors"

	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

// Common errors
var (
	ErrTaxpayerNotFound = errors.New("taxpayer not registered")
	ErrSealed           = errors.New("sealed value cannot be opened")
	ErrMasterKey        = errors.New("master key must be at least 32 bytes")
)

// CredentialSource returns the signing credential of a taxpayer.
//
// Implementations must be safe for concurrent use.
type CredentialSource interface {
	// Credential returns the parsed keystore of the taxpayer. It returns
	// ErrTaxpayerNotFound for unknown taxpayers and an error wrapping
	// security.ErrInvalidCredential when the keystore cannot be opened.
	Credential(ctx context.Context, taxpayerID int64) (*security.Credential, error)
}

// Registration is the input of a new or updated taxpayer.
type Registration struct {
	ClientID      string
	TaxID         string
	EnvironmentID int

	// API account of the identity provider
	Username string
	Password string

	// PKCS#12 keystore issued by the authority and its PIN
	Keystore []byte
	PIN      string
}
