package security

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// VerifyOptions controls Verify.
type VerifyOptions struct {
	// Validator, when set, must accept the embedded certificate.
	Validator CertificateValidator
	// At is the time certificates are validated at; zero means now.
	At time.Time
}

// VerifyResult describes a verified signature.
type VerifyResult struct {
	Certificate *x509.Certificate
	// SigningTime is read from the signed properties when present.
	SigningTime time.Time
	References  []string
}

// Verify checks the enveloped signature of a document: every reference is
// recomputed in document context and the signature value is checked with
// the certificate in KeyInfo. Both inclusive and exclusive canonicalization
// are accepted.
func Verify(signed []byte, opts VerifyOptions) (*VerifyResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedXML)
	}
	sig := childNS(root, NSXMLDSig, "Signature")
	if sig == nil {
		return nil, fmt.Errorf("%w: document is not signed", ErrSignatureInvalid)
	}
	signedInfo := childNS(sig, NSXMLDSig, "SignedInfo")
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: missing SignedInfo", ErrSignatureInvalid)
	}

	cert, err := signingCertificate(sig)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate key is %T, not RSA", ErrUnsupportedAlgorithm, cert.PublicKey)
	}

	if m := childNS(signedInfo, NSXMLDSig, "SignatureMethod"); m == nil || m.SelectAttrValue("Algorithm", "") != AlgorithmRSASHA256 {
		return nil, fmt.Errorf("%w: signature method", ErrUnsupportedAlgorithm)
	}
	method := childNS(signedInfo, NSXMLDSig, "CanonicalizationMethod")
	if method == nil {
		return nil, fmt.Errorf("%w: missing CanonicalizationMethod", ErrSignatureInvalid)
	}
	c14n, err := NewCanonicalizer(method.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Certificate: cert}
	for _, ref := range childrenNS(signedInfo, NSXMLDSig, "Reference") {
		uri := ref.SelectAttrValue("URI", "")
		if err := verifyReference(root, sig, ref); err != nil {
			return nil, fmt.Errorf("reference %q: %w", uri, err)
		}
		result.References = append(result.References, uri)
	}
	if len(result.References) == 0 {
		return nil, fmt.Errorf("%w: no references", ErrSignatureInvalid)
	}

	canonical, err := c14n.Canonicalize(inContext(signedInfo))
	if err != nil {
		return nil, fmt.Errorf("canonicalizing SignedInfo: %w", err)
	}
	value, err := base64.StdEncoding.DecodeString(compactBase64(childText(sig, "SignatureValue")))
	if err != nil {
		return nil, fmt.Errorf("%w: signature value: %v", ErrSignatureInvalid, err)
	}
	sum := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if t := signingTime(sig); !t.IsZero() {
		result.SigningTime = t
	}
	if opts.Validator != nil {
		at := opts.At
		if at.IsZero() {
			at = time.Now()
		}
		if err := opts.Validator.ValidateCertificate(cert, nil, at); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func verifyReference(root, sig, ref *etree.Element) error {
	if m := childNS(ref, NSXMLDSig, "DigestMethod"); m == nil || m.SelectAttrValue("Algorithm", "") != AlgorithmSHA256 {
		return fmt.Errorf("%w: digest method", ErrUnsupportedAlgorithm)
	}

	var (
		enveloped bool
		algorithm string
	)
	if transforms := childNS(ref, NSXMLDSig, "Transforms"); transforms != nil {
		for _, t := range childrenNS(transforms, NSXMLDSig, "Transform") {
			switch alg := t.SelectAttrValue("Algorithm", ""); alg {
			case TransformEnveloped:
				enveloped = true
			default:
				algorithm = alg
			}
		}
	}
	c14n, err := NewCanonicalizer(algorithm)
	if err != nil {
		return err
	}

	var target *etree.Element
	uri := ref.SelectAttrValue("URI", "")
	switch {
	case uri == "":
		if !enveloped {
			return fmt.Errorf("%w: whole document reference without enveloped transform", ErrSignatureInvalid)
		}
		idx := sig.Index()
		root.RemoveChildAt(idx)
		target = root.Copy()
		root.InsertChildAt(idx, sig)
	case strings.HasPrefix(uri, "#"):
		el := findByID(root, uri[1:])
		if el == nil {
			return fmt.Errorf("%w: no element with id %s", ErrSignatureInvalid, uri[1:])
		}
		target = inContext(el)
	default:
		return fmt.Errorf("%w: external reference", ErrUnsupportedAlgorithm)
	}

	got, err := DigestElement(c14n, target)
	if err != nil {
		return err
	}
	if want := strings.TrimSpace(childText(ref, "DigestValue")); got != want {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

func signingCertificate(sig *etree.Element) (*x509.Certificate, error) {
	keyInfo := childNS(sig, NSXMLDSig, "KeyInfo")
	data := childNS(keyInfo, NSXMLDSig, "X509Data")
	encoded := childText(data, "X509Certificate")
	if encoded == "" {
		return nil, fmt.Errorf("%w: missing X509Certificate", ErrSignatureInvalid)
	}
	der, err := base64.StdEncoding.DecodeString(compactBase64(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: certificate encoding: %v", ErrSignatureInvalid, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return cert, nil
}

func signingTime(sig *etree.Element) time.Time {
	var found *etree.Element
	walk(sig, func(el *etree.Element) bool {
		if el.Tag == "SigningTime" && el.NamespaceURI() == NSXAdES {
			found = el
			return false
		}
		return true
	})
	if found == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(found.Text()))
	if err != nil {
		return time.Time{}
	}
	return t
}

func childNS(el *etree.Element, ns, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func childrenNS(el *etree.Element, ns, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

func childText(el *etree.Element, tag string) string {
	if c := childNS(el, NSXMLDSig, tag); c != nil {
		return c.Text()
	}
	return ""
}

func findByID(root *etree.Element, id string) *etree.Element {
	var found *etree.Element
	walk(root, func(el *etree.Element) bool {
		for _, a := range el.Attr {
			if a.Space == "" && (a.Key == "Id" || a.Key == "ID" || a.Key == "id") && a.Value == id {
				found = el
				return false
			}
		}
		return true
	})
	return found
}

// walk visits el and its descendants depth first until fn returns false.
func walk(el *etree.Element, fn func(*etree.Element) bool) bool {
	if !fn(el) {
		return false
	}
	for _, c := range el.ChildElements() {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func compactBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}
