package security

import "errors"

// Algorithm URIs of the signature profile
const (
	// Signature algorithms
	AlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

	// Digest algorithms
	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"

	// Canonicalization algorithms
	AlgorithmC14N10              = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmC14N10WithComments  = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	AlgorithmExcC14N             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmExcC14NWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"

	// Transforms
	TransformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	// Reference types
	TypeSignedProperties = "http://uri.etsi.org/01903#SignedProperties"
)

// Namespaces
const (
	NSXMLDSig = "http://www.w3.org/2000/09/xmldsig#"
	NSXAdES   = "http://uri.etsi.org/01903/v1.3.2#"
)

// Signature policy of the v4.3 document format and the SHA-256 hash of the
// policy document.
const (
	PolicyIdentifier = "https://www.hacienda.go.cr/ATV/ComprobanteElectronico/docs/esquemas/2016/v4.3/Resoluci%C3%B3n_General_sobre_disposiciones_t%C3%A9cnicas_comprobantes_electr%C3%B3nicos_para_efectos_tributarios.pdf"
	PolicyHash       = "0h7Q3dFHhu0bHbcZEgVc07cEcDlquUeG08HG6Iototo="
)

var (
	// ErrMalformedXML is returned when a document or fragment does not parse
	ErrMalformedXML = errors.New("malformed xml")
	// ErrInvalidCredential is returned for unreadable keystores or a wrong PIN
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrSignatureInvalid is returned when a signature does not verify
	ErrSignatureInvalid = errors.New("signature is invalid")
	// ErrUnsupportedAlgorithm is returned for algorithm URIs outside the profile
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)
