package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/charmap"

	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
)

// Namespaces declared on every document root.
const (
	NSXMLSchema         = "http://www.w3.org/2001/XMLSchema"
	NSXMLSchemaInstance = "http://www.w3.org/2001/XMLSchema-instance"
	NSXMLDSig           = "http://www.w3.org/2000/09/xmldsig#"
)

// ErrMalformed is returned when a document cannot be read.
var ErrMalformed = errors.New("malformed document")

// Marshal writes data as a document of type dt: the root element and
// default namespace come from dt, and the xsd and xsi prefixes are declared
// on the root. Output is compact, without indentation.
func Marshal(dt clave.DocumentType, data *Node) ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %d", clave.ErrUnknownDocumentType, int(dt))
	}
	if data == nil {
		return nil, errors.New("document data is nil")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement(dt.RootElement())
	root.CreateAttr("xmlns", dt.Namespace())
	root.CreateAttr("xmlns:xsd", NSXMLSchema)
	root.CreateAttr("xmlns:xsi", NSXMLSchemaInstance)

	for _, child := range data.Children {
		if err := writeNode(root, child); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing document: %w", err)
	}
	return buf.Bytes(), nil
}

func writeNode(parent *etree.Element, n *Node) error {
	if n.Name == "" {
		return fmt.Errorf("element under %s has no name", parent.Tag)
	}
	el := parent.CreateElement(n.Name)
	if len(n.Children) == 0 {
		el.SetText(n.Value)
		return nil
	}
	for _, c := range n.Children {
		if err := writeNode(el, c); err != nil {
			return err
		}
	}
	return nil
}

// Document is a parsed document.
type Document struct {
	// RootElement is the local name of the root, e.g. FacturaElectronica.
	RootElement string
	// Namespace is the default namespace declared on the root.
	Namespace string
	// Root holds the document content; Root.Name equals RootElement.
	Root *Node
}

// Parse reads a document. Elements in the XML-DSig namespace are skipped,
// so signed and unsigned documents yield the same tree. Input that is not
// valid UTF-8 is read as ISO-8859-1.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = decoded
	}

	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	}

	return &Document{
		RootElement: root.Tag,
		Namespace:   root.SelectAttrValue("xmlns", ""),
		Root:        readElement(root),
	}, nil
}

func readElement(el *etree.Element) *Node {
	n := &Node{Name: el.Tag}
	for _, child := range el.ChildElements() {
		if isSignature(child) {
			continue
		}
		n.Children = append(n.Children, readElement(child))
	}
	if len(n.Children) == 0 {
		n.Value = strings.TrimSpace(el.Text())
	}
	return n
}

func isSignature(el *etree.Element) bool {
	return el.NamespaceURI() == NSXMLDSig || (el.Space == "ds" && el.Tag == "Signature")
}

// DocumentType returns the document type matching the root element. The
// three confirmation messages share a root, so their exact type is read
// from the Mensaje code when present.
func (d *Document) DocumentType() (clave.DocumentType, error) {
	for dt := clave.Invoice; dt <= clave.ExportInvoice; dt++ {
		if dt.RootElement() != d.RootElement {
			continue
		}
		if dt.IsReceiverMessage() {
			switch d.Root.Get("Mensaje") {
			case "2":
				return clave.PartialMessage, nil
			case "3":
				return clave.RejectMessage, nil
			}
			return clave.AcceptMessage, nil
		}
		return dt, nil
	}
	return 0, fmt.Errorf("%w: root element %q", clave.ErrUnknownDocumentType, d.RootElement)
}
