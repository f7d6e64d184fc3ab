package clave

import (
	"errors"
	"fmt"
)

// ErrUnknownDocumentType is returned for document type codes outside 01..09.
var ErrUnknownDocumentType = errors.New("unknown document type")

// SchemaBase is the namespace prefix of the v4.3 document schemas.
const SchemaBase = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.3/"

// DocumentType identifies one of the nine document kinds.
type DocumentType int

const (
	Invoice           DocumentType = 1 // Factura electrónica
	DebitNote         DocumentType = 2 // Nota de débito
	CreditNote        DocumentType = 3 // Nota de crédito
	Ticket            DocumentType = 4 // Tiquete electrónico
	AcceptMessage     DocumentType = 5 // Confirmación de aceptación
	PartialMessage    DocumentType = 6 // Confirmación de aceptación parcial
	RejectMessage     DocumentType = 7 // Confirmación de rechazo
	PurchaseInvoice   DocumentType = 8 // Factura electrónica de compra
	ExportInvoice     DocumentType = 9 // Factura electrónica de exportación
	firstDocumentType              = Invoice
	lastDocumentType               = ExportInvoice
)

type typeInfo struct {
	prefix string
	root   string
	schema string
	name   string
}

var documentTypes = map[DocumentType]typeInfo{
	Invoice:         {"FE", "FacturaElectronica", "facturaElectronica", "invoice"},
	DebitNote:       {"NDE", "NotaDebitoElectronica", "notaDebitoElectronica", "debit note"},
	CreditNote:      {"NCE", "NotaCreditoElectronica", "notaCreditoElectronica", "credit note"},
	Ticket:          {"TE", "TiqueteElectronico", "tiqueteElectronico", "ticket"},
	AcceptMessage:   {"MR", "MensajeReceptor", "mensajeReceptor", "acceptance message"},
	PartialMessage:  {"MR", "MensajeReceptor", "mensajeReceptor", "partial acceptance message"},
	RejectMessage:   {"MR", "MensajeReceptor", "mensajeReceptor", "rejection message"},
	PurchaseInvoice: {"FEC", "FacturaElectronicaCompra", "facturaElectronicaCompra", "purchase invoice"},
	ExportInvoice:   {"FEE", "FacturaElectronicaExportacion", "facturaElectronicaExportacion", "export invoice"},
}

// ParseDocumentType converts a two-digit code ("01".."09") to a DocumentType.
func ParseDocumentType(code string) (DocumentType, error) {
	if len(code) != 2 || !IsDigits(code) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDocumentType, code)
	}
	dt := DocumentType(int(code[0]-'0')*10 + int(code[1]-'0'))
	if !dt.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDocumentType, code)
	}
	return dt, nil
}

// TypeFromConsecutive reads the document type from positions 9-10 of a
// consecutive number.
func TypeFromConsecutive(consecutive string) (DocumentType, error) {
	if len(consecutive) != ConsecutiveLength {
		return 0, ErrInvalidConsecutive
	}
	return ParseDocumentType(consecutive[8:10])
}

// Valid reports whether dt is one of the defined kinds.
func (dt DocumentType) Valid() bool {
	return dt >= firstDocumentType && dt <= lastDocumentType
}

// Code returns the two-digit code.
func (dt DocumentType) Code() string {
	return fmt.Sprintf("%02d", int(dt))
}

// Prefix returns the archive file prefix (FE, NDE, ...).
func (dt DocumentType) Prefix() string {
	return documentTypes[dt].prefix
}

// RootElement returns the XML root element name.
func (dt DocumentType) RootElement() string {
	return documentTypes[dt].root
}

// Namespace returns the schema namespace of the document.
func (dt DocumentType) Namespace() string {
	if !dt.Valid() {
		return ""
	}
	return SchemaBase + documentTypes[dt].schema
}

// IsReceiverMessage reports whether dt is one of the confirmation messages.
func (dt DocumentType) IsReceiverMessage() bool {
	return dt == AcceptMessage || dt == PartialMessage || dt == RejectMessage
}

func (dt DocumentType) String() string {
	if info, ok := documentTypes[dt]; ok {
		return info.name
	}
	return fmt.Sprintf("DocumentType(%d)", int(dt))
}
