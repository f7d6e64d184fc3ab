// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security signs and verifies tax documents with enveloped XAdES-EPES
signatures.

The signature profile is the one the authority requires for v4.3 documents
and is not configurable:

  - Inclusive XML Canonicalization 1.0 (REC-xml-c14n-20010315)
  - RSA-SHA256 signature, SHA-256 digests
  - Three references: the whole document (enveloped-signature transform),
    the KeyInfo element and the SignedProperties element
  - SignedProperties with signing time, certificate digest, issuer and
    serial, and the authority's signature policy

# Signing

	cred, err := security.LoadPKCS12(p12, pin)
	signer, err := security.NewSigner(cred)
	signed, err := signer.Sign(unsignedXML)

The signing time is written in America/Costa_Rica local time. A certificate
past its NotAfter date fails with [ErrCertificateExpired] before anything is
signed.

# Verification

[Verify] recomputes every reference in document context and checks the
signature value. It accepts inclusive and exclusive canonicalization, so it
can also check documents received from suppliers:

	res, err := security.Verify(received, security.VerifyOptions{
	    Validator: security.NewPoolValidator(roots),
	})

# Canonicalization

Inclusive C14N is provided by goxmldsig and exclusive C14N by signedxml;
both operate on etree elements. [Digest] is the base64 SHA-256 of the
inclusive canonical form of a fragment.
*/
package security
