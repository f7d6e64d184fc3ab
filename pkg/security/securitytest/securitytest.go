// Package securitytest provides keys, certificates and keystores for tests.
package securitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// Key returns a 2048-bit RSA key shared by all tests of the process.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

// Certificate returns a self-signed certificate for k expiring at notAfter.
func Certificate(t testing.TB, k *rsa.PrivateKey, notAfter time.Time) *x509.Certificate {
	t.Helper()
	name := pkix.Name{
		Country:            []string{"CR"},
		Organization:       []string{"MINISTERIO DE HACIENDA"},
		OrganizationalUnit: []string{"DGT"},
		CommonName:         "CA PRUEBAS",
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(4242),
		Subject:               name,
		Issuer:                name,
		NotBefore:             time.Now().Add(-48 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &k.PublicKey, k)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

// Credential returns a credential valid for a year.
func Credential(t testing.TB) *security.Credential {
	t.Helper()
	k := Key(t)
	cred, err := security.NewCredential(k, Certificate(t, k, time.Now().Add(365*24*time.Hour)))
	if err != nil {
		t.Fatalf("creating credential: %v", err)
	}
	return cred
}

// Keystore returns a 3DES PKCS#12 keystore like the ones the authority
// issues, protected by pin and expiring at notAfter.
func Keystore(t testing.TB, pin string, notAfter time.Time) []byte {
	t.Helper()
	k := Key(t)
	pfx, err := gopkcs12.LegacyDES.Encode(k, Certificate(t, k, notAfter), nil, pin)
	if err != nil {
		t.Fatalf("encoding keystore: %v", err)
	}
	return pfx
}
