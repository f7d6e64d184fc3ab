package security

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	xpkcs12 "golang.org/x/crypto/pkcs12"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Credential is a taxpayer signing keypair and its certificate.
type Credential struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
}

// NewCredential pairs a private key with its certificate.
func NewCredential(key *rsa.PrivateKey, cert *x509.Certificate) (*Credential, error) {
	if key == nil || cert == nil {
		return nil, fmt.Errorf("%w: key and certificate are required", ErrInvalidCredential)
	}
	if !matches(key, cert) {
		return nil, fmt.Errorf("%w: certificate does not match private key", ErrInvalidCredential)
	}
	return &Credential{PrivateKey: key, Certificate: cert}, nil
}

// LoadPKCS12 decodes a PKCS#12 keystore unlocked with pin. Keystores issued
// by the authority use the legacy 3DES profile; newer AES encrypted files
// are decoded as a fallback.
func LoadPKCS12(pfx []byte, pin string) (*Credential, error) {
	if len(pfx) == 0 {
		return nil, fmt.Errorf("%w: empty keystore", ErrInvalidCredential)
	}

	blocks, err := xpkcs12.ToPEM(pfx, pin)
	if err != nil {
		if errors.Is(err, xpkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: incorrect pin", ErrInvalidCredential)
		}
		return loadModernPKCS12(pfx, pin)
	}

	var (
		keys  []*rsa.PrivateKey
		certs []*x509.Certificate
	)
	for _, b := range blocks {
		switch b.Type {
		case "PRIVATE KEY":
			key, err := parseRSAKey(b.Bytes)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
			}
			certs = append(certs, cert)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: keystore holds no private key", ErrInvalidCredential)
	}
	return pair(keys[0], certs)
}

func loadModernPKCS12(pfx []byte, pin string) (*Credential, error) {
	key, cert, ca, err := gopkcs12.DecodeChain(pfx, pin)
	if err != nil {
		if errors.Is(err, gopkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: incorrect pin", ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidCredential, key)
	}
	return pair(rsaKey, append([]*x509.Certificate{cert}, ca...))
}

// parseRSAKey reads the key bytes x/crypto/pkcs12 emits, which are PKCS#1
// for RSA keys despite the block type.
func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable private key: %v", ErrInvalidCredential, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidCredential, parsed)
	}
	return key, nil
}

// pair selects the certificate matching key; the rest are kept as CA certs.
func pair(key *rsa.PrivateKey, certs []*x509.Certificate) (*Credential, error) {
	cred := &Credential{PrivateKey: key}
	for _, c := range certs {
		if cred.Certificate == nil && matches(key, c) {
			cred.Certificate = c
			continue
		}
		cred.CACerts = append(cred.CACerts, c)
	}
	if cred.Certificate == nil {
		return nil, fmt.Errorf("%w: no certificate matches the private key", ErrInvalidCredential)
	}
	return cred, nil
}

func matches(key *rsa.PrivateKey, cert *x509.Certificate) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	return ok && pub.N.Cmp(key.N) == 0 && pub.E == key.E
}

// CheckValidity fails with ErrCertificateExpired once now is past the
// certificate's NotAfter.
func (c *Credential) CheckValidity(now time.Time) error {
	if now.After(c.Certificate.NotAfter) {
		return fmt.Errorf("%w: expired %s", ErrCertificateExpired, c.Certificate.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// NotAfter returns the certificate expiry.
func (c *Credential) NotAfter() time.Time {
	return c.Certificate.NotAfter
}
