package security

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	dsig "github.com/russellhaering/goxmldsig"
)

// Canonicalizer serializes an element to its canonical form.
type Canonicalizer interface {
	Algorithm() string
	Canonicalize(el *etree.Element) ([]byte, error)
}

// NewCanonicalizer returns the canonicalizer for an algorithm URI. An empty
// URI selects inclusive C14N 1.0, the XML-DSig default.
func NewCanonicalizer(algorithm string) (Canonicalizer, error) {
	switch algorithm {
	case AlgorithmC14N10, "":
		return &inclusiveC14N{c: dsig.MakeC14N10RecCanonicalizer(), uri: AlgorithmC14N10}, nil
	case AlgorithmC14N10WithComments:
		return &inclusiveC14N{c: dsig.MakeC14N10WithCommentsCanonicalizer(), uri: algorithm}, nil
	case AlgorithmExcC14N:
		return &exclusiveC14N{c: signedxml.ExclusiveCanonicalization{WithComments: false}, uri: algorithm}, nil
	case AlgorithmExcC14NWithComments:
		return &exclusiveC14N{c: signedxml.ExclusiveCanonicalization{WithComments: true}, uri: algorithm}, nil
	}
	return nil, fmt.Errorf("%w: canonicalization %s", ErrUnsupportedAlgorithm, algorithm)
}

// inclusiveC14N renders the element with every namespace declaration it
// carries. Callers place inherited declarations on the element first.
type inclusiveC14N struct {
	c   dsig.Canonicalizer
	uri string
}

func (i *inclusiveC14N) Algorithm() string { return i.uri }

func (i *inclusiveC14N) Canonicalize(el *etree.Element) ([]byte, error) {
	return i.c.Canonicalize(el)
}

type exclusiveC14N struct {
	c   signedxml.ExclusiveCanonicalization
	uri string
}

func (e *exclusiveC14N) Algorithm() string { return e.uri }

func (e *exclusiveC14N) Canonicalize(el *etree.Element) ([]byte, error) {
	out, err := e.c.ProcessElement(el.Copy(), "")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

var interTagSpace = regexp.MustCompile(`>\s+<`)

// Compress removes whitespace between tags.
func Compress(xml []byte) []byte {
	return interTagSpace.ReplaceAll(bytes.TrimSpace(xml), []byte("><"))
}

// Digest parses an XML fragment, canonicalizes it with inclusive C14N 1.0
// and returns the base64 SHA-256 of the canonical bytes.
func Digest(fragment []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(fragment); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	if doc.Root() == nil {
		return "", fmt.Errorf("%w: no root element", ErrMalformedXML)
	}
	c, _ := NewCanonicalizer(AlgorithmC14N10)
	return DigestElement(c, doc.Root())
}

// DigestElement canonicalizes el with c and returns the base64 SHA-256.
func DigestElement(c Canonicalizer, el *etree.Element) (string, error) {
	canonical, err := c.Canonicalize(el)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", el.FullTag(), err)
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// isNamespaceDecl reports whether a is an xmlns or xmlns:prefix attribute.
func isNamespaceDecl(a etree.Attr) bool {
	return (a.Space == "" && a.Key == "xmlns") || a.Space == "xmlns"
}

// namespaceDecls returns the namespace declarations carried by el.
func namespaceDecls(el *etree.Element) []etree.Attr {
	var out []etree.Attr
	for _, a := range el.Attr {
		if isNamespaceDecl(a) {
			out = append(out, a)
		}
	}
	return out
}

// withNamespaces returns a copy of el with decls added, skipping prefixes
// el already declares.
func withNamespaces(el *etree.Element, decls ...etree.Attr) *etree.Element {
	cp := el.Copy()
	declared := make(map[string]bool)
	for _, a := range namespaceDecls(cp) {
		declared[a.FullKey()] = true
	}
	for _, a := range decls {
		if declared[a.FullKey()] {
			continue
		}
		declared[a.FullKey()] = true
		cp.CreateAttr(a.FullKey(), a.Value)
	}
	return cp
}

// inContext returns a copy of el carrying every namespace declaration in
// scope at its position in the document, so that a detached canonical form
// equals the in-document one.
func inContext(el *etree.Element) *etree.Element {
	var inherited []etree.Attr
	for p := el.Parent(); p != nil; p = p.Parent() {
		inherited = append(inherited, namespaceDecls(p)...)
	}
	return withNamespaces(el, inherited...)
}
