package facturador

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/archive"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/message"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

// Submit creates, signs and queues an issued document and returns its key.
func (e *Engine) Submit(ctx context.Context, taxpayerID int64, data *message.Node, offline bool) (string, error) {
	d, err := e.Create(ctx, taxpayerID, data, offline)
	if err != nil {
		return "", err
	}
	if _, err := d.Enqueue(ctx); err != nil {
		return "", err
	}
	return d.Key, nil
}

// Receive records a document received from a supplier and queues the
// taxpayer's confirmation message for it. supplierXML, when given, must
// carry a valid signature and is archived first. The supplier's document
// must have been accepted by the authority: the archived response is used
// when present, otherwise the authority is asked.
func (e *Engine) Receive(ctx context.Context, taxpayerID int64, supplierXML []byte, data *message.Node) (*Document, error) {
	if data == nil {
		return nil, errors.New("confirmation data is nil")
	}
	key := data.Get("Clave")
	k, err := clave.Parse(key)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(zap.String("clave", key), zap.Int64("taxpayer_id", taxpayerID))

	if len(supplierXML) > 0 {
		dt, err := k.DocumentType()
		if err != nil {
			return nil, err
		}
		signed, err := security.Verify(supplierXML, security.VerifyOptions{Validator: e.suppliers})
		if err != nil {
			logger.Warn("supplier document refused", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrSupplierSignature, err)
		}
		logger.Debug("supplier signature verified",
			zap.String("subject", signed.Certificate.Subject.CommonName),
			zap.Time("signing_time", signed.SigningTime))
		if err := e.archive.Put(ctx, taxpayerID, reliability.Inbound, key, archive.DocumentEntry(dt, key), supplierXML, false); err != nil {
			return nil, fmt.Errorf("archiving supplier document: %w", err)
		}
	}

	response, err := e.archive.Get(ctx, taxpayerID, reliability.Inbound, key, archive.SupplierResponseEntry(key))
	switch {
	case err == nil:
		state, _, err := readResponse(response)
		if err != nil {
			return nil, err
		}
		if state != reliability.StateAccepted {
			return nil, ErrOriginalRejected
		}
	case errors.Is(err, archive.ErrNotFound):
		original, err := e.Load(ctx, taxpayerID, key, reliability.StatusQuery)
		if err != nil {
			return nil, err
		}
		if _, err := original.PollStatus(ctx); err != nil {
			return nil, err
		}
		if original.State != reliability.StateAccepted {
			logger.Info("received document not accepted",
				zap.Stringer("state", original.State), zap.NamedError("cause", original.LastFailure()))
			switch {
			case original.State == reliability.StateRejected:
				return nil, ErrOriginalRejected
			case original.KnownToAuthority != nil && !*original.KnownToAuthority:
				return nil, ErrOriginalNotFound
			case original.LastFailure() != nil:
				return nil, fmt.Errorf("%w: %w", ErrTransientNetwork, original.LastFailure())
			}
			return nil, fmt.Errorf("%w: the received document is still %s", ErrTransientNetwork, original.State)
		}
	default:
		return nil, err
	}

	d, err := e.Create(ctx, taxpayerID, data, false)
	if err != nil {
		return nil, err
	}
	if _, err := d.Enqueue(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// StatusReport is the answer of QueryStatus.
type StatusReport struct {
	Key   string
	State reliability.State
	// Status is pendiente, enviado, aceptado or rechazado.
	Status  string
	Message string
	// ResponseXML is the authority's response message once there is a
	// final disposition.
	ResponseXML []byte
}

// QueryStatus reports the state of a stored document, polling the
// authority when it was sent and sending it when it is still queued.
func (e *Engine) QueryStatus(ctx context.Context, taxpayerID int64, key string, dir reliability.Direction) (*StatusReport, error) {
	d, err := e.Load(ctx, taxpayerID, key, dir)
	if err != nil {
		return nil, err
	}

	switch d.State {
	case reliability.StateSent:
		if _, err := d.PollStatus(ctx); err != nil {
			return nil, err
		}
	case reliability.StateQueued, reliability.StateQueuedWithSendError:
		if _, err := d.Send(ctx); err != nil {
			return nil, err
		}
	}

	report := &StatusReport{
		Key:     key,
		State:   d.State,
		Status:  d.State.StatusName(),
		Message: d.Message,
	}
	if d.State.Terminal() {
		xml, err := e.archive.Get(ctx, d.TaxpayerID, dir, key, archive.ResponseEntry(dir, key))
		if err != nil && !errors.Is(err, archive.ErrNotFound) {
			return nil, err
		}
		report.ResponseXML = xml
	}
	return report, nil
}

// Kind selects an archived artifact.
type Kind int

const (
	// KindDocument is the issued document, or the supplier's document for
	// received ones.
	KindDocument Kind = iota + 1
	// KindResponse is the authority's response to KindDocument.
	KindResponse
	// KindConfirmation is the taxpayer's confirmation message of a
	// received document.
	KindConfirmation
	// KindConfirmationResponse is the authority's response to
	// KindConfirmation.
	KindConfirmationResponse
)

// GetXML returns an archived artifact of a document. Issued documents and
// confirmation messages must belong to the taxpayer, and responses exist
// only once the document has a final disposition.
func (e *Engine) GetXML(ctx context.Context, taxpayerID int64, key string, dir reliability.Direction, kind Kind) ([]byte, error) {
	k, err := clave.Parse(key)
	if err != nil {
		return nil, err
	}

	var name string
	needRecord, needDisposition := true, false
	switch {
	case dir == reliability.Outbound && kind == KindDocument:
		dt, err := k.DocumentType()
		if err != nil {
			return nil, err
		}
		name = archive.DocumentEntry(dt, key)
	case dir == reliability.Outbound && kind == KindResponse:
		name, needDisposition = archive.ResponseEntry(dir, key), true
	case dir == reliability.Inbound && kind == KindDocument:
		dt, err := k.DocumentType()
		if err != nil {
			return nil, err
		}
		name, needRecord = archive.DocumentEntry(dt, key), false
	case dir == reliability.Inbound && kind == KindResponse:
		name, needRecord = archive.SupplierResponseEntry(key), false
	case dir == reliability.Inbound && kind == KindConfirmation:
		name = archive.DocumentEntry(clave.AcceptMessage, key)
	case dir == reliability.Inbound && kind == KindConfirmationResponse:
		name, needDisposition = archive.ResponseEntry(dir, key), true
	default:
		return nil, fmt.Errorf("no artifact %d for direction %s", kind, dir)
	}

	if needRecord {
		d, err := e.Load(ctx, taxpayerID, key, dir)
		if err != nil {
			return nil, err
		}
		if needDisposition && !d.State.Terminal() {
			return nil, fmt.Errorf("%w: %s%s has no response yet", ErrPayloadNotFound, dir, key)
		}
	}

	xml, err := e.archive.Get(ctx, taxpayerID, dir, key, name)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrPayloadNotFound, err)
		}
		return nil, err
	}
	return xml, nil
}

// GetMessage returns the authority's detail message stored for a document.
func (e *Engine) GetMessage(ctx context.Context, key string, dir reliability.Direction) (string, error) {
	rec, err := e.store.GetDocument(ctx, dir, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s%s", ErrDocumentNotFound, dir, key)
		}
		return "", err
	}
	return rec.Message, nil
}
