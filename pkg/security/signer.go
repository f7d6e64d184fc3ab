package security

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
)

// Signer produces enveloped XAdES-EPES signatures over tax documents.
//
// The profile is fixed: inclusive C14N 1.0, RSA-SHA256, SHA-256 digests and
// three references (the document, KeyInfo and SignedProperties).
type Signer struct {
	cred     *Credential
	c14n     Canonicalizer
	now      func() time.Time
	newID    func() string
	location *time.Location
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock sets the source of the signing time.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithIDSource sets the generator of the signature id suffix.
func WithIDSource(newID func() string) SignerOption {
	return func(s *Signer) { s.newID = newID }
}

// WithLocation sets the zone the signing time is written in.
func WithLocation(loc *time.Location) SignerOption {
	return func(s *Signer) { s.location = loc }
}

// NewSigner creates a signer for cred.
func NewSigner(cred *Credential, opts ...SignerOption) (*Signer, error) {
	if cred == nil || cred.PrivateKey == nil || cred.Certificate == nil {
		return nil, fmt.Errorf("%w: credential is incomplete", ErrInvalidCredential)
	}
	c14n, err := NewCanonicalizer(AlgorithmC14N10)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		cred:     cred,
		c14n:     c14n,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		location: clave.Location(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// signatureIDs are the element ids of one signature, sharing a suffix.
type signatureIDs struct {
	signature      string
	signatureValue string
	object         string
	keyInfo        string
	reference0     string
	reference1     string
	properties     string
	qualifying     string
}

func newSignatureIDs(suffix string) signatureIDs {
	return signatureIDs{
		signature:      "S-" + suffix,
		signatureValue: "SV-" + suffix,
		object:         "XO-" + suffix,
		keyInfo:        "KI-" + suffix,
		reference0:     "R0-" + suffix,
		reference1:     "R1-" + suffix,
		properties:     "SP-" + suffix,
		qualifying:     "QP-" + suffix,
	}
}

// Sign returns document with a ds:Signature appended as the last child of
// its root element. Whitespace between tags is removed first.
func (s *Signer) Sign(document []byte) ([]byte, error) {
	now := s.now()
	if err := s.cred.CheckValidity(now); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(Compress(document)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedXML)
	}

	docDigest, err := DigestElement(s.c14n, root)
	if err != nil {
		return nil, err
	}

	ids := newSignatureIDs(s.newID())
	rootNS := namespaceDecls(root)
	dsNS := etree.Attr{Space: "xmlns", Key: "ds", Value: NSXMLDSig}
	xadesNS := etree.Attr{Space: "xmlns", Key: "xades", Value: NSXAdES}

	keyInfo := s.keyInfo(ids)
	keyDigest, err := DigestElement(s.c14n, withNamespaces(keyInfo, append(append([]etree.Attr{}, rootNS...), dsNS)...))
	if err != nil {
		return nil, err
	}

	props := s.signedProperties(ids, now)
	propsDigest, err := DigestElement(s.c14n, withNamespaces(props, append(append([]etree.Attr{}, rootNS...), dsNS, xadesNS)...))
	if err != nil {
		return nil, err
	}

	signedInfo := buildSignedInfo(ids, docDigest, keyDigest, propsDigest)
	canonical, err := s.c14n.Canonicalize(withNamespaces(signedInfo, append(append([]etree.Attr{}, rootNS...), dsNS)...))
	if err != nil {
		return nil, fmt.Errorf("canonicalizing SignedInfo: %w", err)
	}
	sum := sha256.Sum256(canonical)
	value, err := rsa.SignPKCS1v15(rand.Reader, s.cred.PrivateKey, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sig := root.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)
	sig.CreateAttr("Id", ids.signature)
	sig.AddChild(signedInfo)
	sigValue := sig.CreateElement("ds:SignatureValue")
	sigValue.CreateAttr("Id", ids.signatureValue)
	sigValue.SetText(base64.StdEncoding.EncodeToString(value))
	sig.AddChild(keyInfo)
	object := sig.CreateElement("ds:Object")
	object.CreateAttr("Id", ids.object)
	qp := object.CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", NSXAdES)
	qp.CreateAttr("Id", ids.qualifying)
	qp.CreateAttr("Target", "#"+ids.signature)
	qp.AddChild(props)

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing signed document: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Signer) keyInfo(ids signatureIDs) *etree.Element {
	pub := &s.cred.PrivateKey.PublicKey

	ki := etree.NewElement("ds:KeyInfo")
	ki.CreateAttr("Id", ids.keyInfo)
	x509Data := ki.CreateElement("ds:X509Data")
	x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cred.Certificate.Raw))
	rsaValue := ki.CreateElement("ds:KeyValue").CreateElement("ds:RSAKeyValue")
	rsaValue.CreateElement("ds:Modulus").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	rsaValue.CreateElement("ds:Exponent").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	return ki
}

func (s *Signer) signedProperties(ids signatureIDs, now time.Time) *etree.Element {
	cert := s.cred.Certificate
	certDigest := sha256.Sum256(cert.Raw)

	sp := etree.NewElement("xades:SignedProperties")
	sp.CreateAttr("Id", ids.properties)

	ssp := sp.CreateElement("xades:SignedSignatureProperties")
	ssp.CreateElement("xades:SigningTime").SetText(now.In(s.location).Format("2006-01-02T15:04:05-07:00"))

	c := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
	digest := c.CreateElement("xades:CertDigest")
	digest.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	digest.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(certDigest[:]))
	serial := c.CreateElement("xades:IssuerSerial")
	serial.CreateElement("ds:X509IssuerName").SetText(IssuerName(cert.Issuer))
	serial.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())

	policy := ssp.CreateElement("xades:SignaturePolicyIdentifier").CreateElement("xades:SignaturePolicyId")
	policyID := policy.CreateElement("xades:SigPolicyId")
	policyID.CreateElement("xades:Identifier").SetText(PolicyIdentifier)
	policyID.CreateElement("xades:Description")
	policyHash := policy.CreateElement("xades:SigPolicyHash")
	policyHash.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	policyHash.CreateElement("ds:DigestValue").SetText(PolicyHash)

	format := sp.CreateElement("xades:SignedDataObjectProperties").CreateElement("xades:DataObjectFormat")
	format.CreateAttr("ObjectReference", "#"+ids.reference0)
	format.CreateElement("xades:MimeType").SetText("text/xml")
	format.CreateElement("xades:Encoding").SetText("UTF-8")

	return sp
}

func buildSignedInfo(ids signatureIDs, docDigest, keyDigest, propsDigest string) *etree.Element {
	si := etree.NewElement("ds:SignedInfo")
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N10)
	si.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", AlgorithmRSASHA256)

	r0 := si.CreateElement("ds:Reference")
	r0.CreateAttr("Id", ids.reference0)
	r0.CreateAttr("URI", "")
	r0.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", TransformEnveloped)
	addDigest(r0, docDigest)

	r1 := si.CreateElement("ds:Reference")
	r1.CreateAttr("Id", ids.reference1)
	r1.CreateAttr("URI", "#"+ids.keyInfo)
	addDigest(r1, keyDigest)

	r2 := si.CreateElement("ds:Reference")
	r2.CreateAttr("Type", TypeSignedProperties)
	r2.CreateAttr("URI", "#"+ids.properties)
	addDigest(r2, propsDigest)

	return si
}

func addDigest(ref *etree.Element, value string) {
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	ref.CreateElement("ds:DigestValue").SetText(value)
}

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.4":                    "SN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.12":                   "title",
	"2.5.4.17":                   "postalCode",
	"2.5.4.42":                   "GN",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.25": "DC",
}

// IssuerName renders a distinguished name as "k=v, k=v" in certificate
// order, using short attribute names.
func IssuerName(name pkix.Name) string {
	parts := make([]string, 0, len(name.Names))
	for _, atv := range name.Names {
		parts = append(parts, attributeName(atv.Type)+"="+fmt.Sprint(atv.Value))
	}
	return strings.Join(parts, ", ")
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if short, ok := attributeNames[oid.String()]; ok {
		return short
	}
	return oid.String()
}
