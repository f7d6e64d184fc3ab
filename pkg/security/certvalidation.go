package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
)

// CertificateValidator decides whether a signing certificate found in a
// received document is acceptable.
type CertificateValidator interface {
	ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) error
}

// PoolValidator validates certificates against a fixed set of roots, such as
// the national CA hierarchy.
type PoolValidator struct {
	roots *x509.CertPool
}

// NewPoolValidator creates a validator trusting roots.
func NewPoolValidator(roots *x509.CertPool) *PoolValidator {
	return &PoolValidator{roots: roots}
}

// ValidateCertificate checks the validity period at the given time and the
// chain to one of the roots.
func (v *PoolValidator) ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if at.After(cert.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   at,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range intermediates {
		opts.Intermediates.AddCert(c)
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}
