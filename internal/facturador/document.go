package facturador

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/archive"
	"github.com/josiasmc/facturador-electronico-cr/internal/keystore"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/message"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

// Document is one document in one direction. Instances are views over
// the stored record; the record is the system of record.
type Document struct {
	TaxpayerID int64
	Key        string
	Direction  reliability.Direction
	State      reliability.State
	// ID is the row id of the stored record, zero until enqueued.
	ID      int64
	Message string

	// KnownToAuthority is set by PollStatus: true when the authority
	// reported any state, false when it answered that the key is unknown.
	KnownToAuthority *bool

	engine  *Engine
	docType clave.DocumentType
	data    *message.Node
	xml     []byte
	failure error
}

// Create builds and signs a new document from its data. Data carrying a
// NumeroConsecutivoReceptor element is a confirmation message for a
// received document; anything else is issued by the taxpayer.
//
// The key is taken from the Clave element when it has 50 digits and
// generated otherwise; the situation is offline when requested,
// contingency when a reference points to document type 08, and normal
// otherwise.
func (e *Engine) Create(ctx context.Context, taxpayerID int64, data *message.Node, offline bool) (*Document, error) {
	if data == nil {
		return nil, errors.New("document data is nil")
	}
	data = data.Clone()

	d := &Document{
		TaxpayerID: taxpayerID,
		State:      reliability.StateUnsaved,
		engine:     e,
		data:       data,
	}
	var consecutive, taxID string
	if data.Has("NumeroConsecutivoReceptor") {
		d.Direction = reliability.Inbound
		consecutive = data.Get("NumeroConsecutivoReceptor")
	} else {
		d.Direction = reliability.Outbound
		consecutive = data.Get("NumeroConsecutivo")
		taxID = data.Get("Emisor/Identificacion/Numero")
	}

	if _, _, err := e.issuers.Environment(ctx, taxpayerID); err != nil {
		if errors.Is(err, keystore.ErrTaxpayerNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownIssuer, taxpayerID)
		}
		return nil, err
	}

	if len(consecutive) != clave.ConsecutiveLength || !clave.IsDigits(consecutive) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConsecutive, consecutive)
	}
	dt, err := clave.TypeFromConsecutive(consecutive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConsecutive, err)
	}
	if dt.IsReceiverMessage() != (d.Direction == reliability.Inbound) {
		return nil, fmt.Errorf("%w: type %s does not match the document", ErrInvalidConsecutive, dt.Code())
	}
	d.docType = dt

	key := data.Get("Clave")
	if len(key) != clave.Length {
		key, err = clave.Generate(clave.GenerateParams{
			Date:        e.now().In(clave.Location()),
			TaxID:       taxID,
			Consecutive: consecutive,
			Situation:   situation(data, offline),
			Random:      e.random,
		})
		if err != nil {
			return nil, err
		}
		if c := data.Child("Clave"); c != nil {
			c.Value = key
		} else {
			data.Prepend(message.E("Clave", key))
		}
	}
	d.Key = key

	unsigned, err := message.Marshal(dt, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	cred, err := e.issuers.Credential(ctx, taxpayerID)
	if err != nil {
		if errors.Is(err, keystore.ErrTaxpayerNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownIssuer, taxpayerID)
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	signer, err := security.NewSigner(cred, e.signerOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if d.xml, err = signer.Sign(unsigned); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return d, nil
}

func situation(data *message.Node, offline bool) clave.Situation {
	s := clave.SituationNormal
	if offline {
		s = clave.SituationOffline
	}
	for _, ref := range data.FindAll("InformacionReferencia") {
		if ref.Get("TipoDoc") == clave.ContingencyReferenceType || ref.Get("TipoDocIR") == clave.ContingencyReferenceType {
			return clave.SituationContingency
		}
	}
	return s
}

// Load returns the stored document of a key. Direction StatusQuery gives a
// document that is only looked up at the authority and never stored. A
// non-zero taxpayerID must match the record.
func (e *Engine) Load(ctx context.Context, taxpayerID int64, key string, dir reliability.Direction) (*Document, error) {
	if dir == reliability.StatusQuery {
		if _, err := clave.Parse(key); err != nil {
			return nil, err
		}
		return &Document{
			TaxpayerID: taxpayerID,
			Key:        key,
			Direction:  dir,
			State:      reliability.StateSent,
			engine:     e,
		}, nil
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("unknown direction %q", dir)
	}

	rec, err := e.store.GetDocument(ctx, dir, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s%s", ErrDocumentNotFound, dir, key)
		}
		return nil, err
	}
	if taxpayerID != 0 && rec.TaxpayerID != taxpayerID {
		return nil, fmt.Errorf("%w: %s%s", ErrDocumentNotFound, dir, key)
	}
	return e.fromRecord(rec), nil
}

func (e *Engine) fromRecord(rec *storage.Document) *Document {
	return &Document{
		TaxpayerID: rec.TaxpayerID,
		Key:        rec.Key,
		Direction:  rec.Direction,
		State:      rec.State,
		ID:         rec.ID,
		Message:    rec.Message,
		engine:     e,
	}
}

// XML returns the signed document, reading it from the archive when the
// document was loaded from the store.
func (d *Document) XML(ctx context.Context) ([]byte, error) {
	if err := d.ensurePayload(ctx); err != nil {
		return nil, err
	}
	return d.xml, nil
}

// Data returns the structured content of the document.
func (d *Document) Data(ctx context.Context) (*message.Node, error) {
	if err := d.ensurePayload(ctx); err != nil {
		return nil, err
	}
	return d.data, nil
}

// LastFailure returns the classified cause of the last failed Send or
// PollStatus, or nil.
func (d *Document) LastFailure() error {
	return d.failure
}

func (d *Document) entryName() (string, error) {
	if d.docType.Valid() {
		return archive.DocumentEntry(d.docType, d.Key), nil
	}
	if d.Direction == reliability.Inbound {
		return archive.DocumentEntry(clave.AcceptMessage, d.Key), nil
	}
	k, err := clave.Parse(d.Key)
	if err != nil {
		return "", err
	}
	dt, err := k.DocumentType()
	if err != nil {
		return "", err
	}
	return archive.DocumentEntry(dt, d.Key), nil
}

func (d *Document) ensurePayload(ctx context.Context) error {
	if d.xml != nil && d.data != nil {
		return nil
	}
	name, err := d.entryName()
	if err != nil {
		return err
	}
	xml, err := d.engine.archive.Get(ctx, d.TaxpayerID, d.Direction, d.Key, name)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrPayloadNotFound, err)
		}
		return err
	}
	parsed, err := message.Parse(xml)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadNotFound, err)
	}
	d.xml = xml
	d.data = parsed.Root
	return nil
}

func (d *Document) logger() *zap.Logger {
	return d.engine.logger.With(
		zap.String("clave", d.Key),
		zap.String("direction", d.Direction.String()),
		zap.Int64("taxpayer_id", d.TaxpayerID))
}

// Enqueue archives the signed document, stores its record and puts it in
// the retry queue. It returns false without doing anything when the
// document is not Unsaved.
func (d *Document) Enqueue(ctx context.Context) (bool, error) {
	if d.State != reliability.StateUnsaved {
		return false, nil
	}
	e := d.engine
	action, err := reliability.ActionFor(d.Direction)
	if err != nil {
		return false, err
	}
	name, err := d.entryName()
	if err != nil {
		return false, err
	}

	// An issued key is archived and stored once.
	if d.Direction == reliability.Outbound {
		_, err := e.store.GetDocument(ctx, d.Direction, d.Key)
		switch {
		case err == nil:
			return false, fmt.Errorf("%w: %s", ErrDuplicateDocument, d.Key)
		case !errors.Is(err, storage.ErrNotFound):
			return false, err
		}
	}

	// Confirmations join the container that already holds the supplier's
	// document.
	replace := d.Direction == reliability.Outbound
	if err := e.archive.Put(ctx, d.TaxpayerID, d.Direction, d.Key, name, d.xml, replace); err != nil {
		return false, fmt.Errorf("archiving %s: %w", name, err)
	}

	rec := &storage.Document{
		Direction:  d.Direction,
		TaxpayerID: d.TaxpayerID,
		Key:        d.Key,
		State:      reliability.StateQueued,
	}
	if _, err := e.store.UpsertDocument(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return false, fmt.Errorf("%w: %s", ErrDuplicateDocument, d.Key)
		}
		return false, fmt.Errorf("storing %s%s: %w", d.Direction, d.Key, err)
	}
	d.ID = rec.ID

	now := e.now()
	if err := e.store.PutEntry(ctx, &reliability.Entry{
		TaxpayerID:  d.TaxpayerID,
		Key:         d.Key,
		Action:      action,
		CreatedAt:   now,
		NextAttempt: now,
	}); err != nil {
		return false, fmt.Errorf("queueing %s%s: %w", d.Direction, d.Key, err)
	}

	d.State = reliability.StateQueued
	e.metrics.StateChange(d.Direction.String(), d.State.String())
	d.logger().Debug("document queued")
	return true, nil
}

// Send submits the document. It returns true when the authority took it.
// Failures to reach or satisfy the authority return false with a nil
// error after rescheduling the queue entry; LastFailure tells why. An
// error is returned when the document cannot be sent at all, or when
// there is no queue entry to reschedule.
func (d *Document) Send(ctx context.Context) (ok bool, err error) {
	e := d.engine
	ctx, span := e.tracer.Start(ctx, "facturador.Send")
	span.SetAttributes(
		attribute.String("clave", d.Key),
		attribute.String("direction", d.Direction.String()))
	defer func() {
		span.SetAttributes(attribute.Bool("sent", ok))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if d.State == reliability.StateUnsaved {
		if _, err := d.Enqueue(ctx); err != nil {
			return false, err
		}
	}
	if d.Direction != reliability.Outbound && d.Direction != reliability.Inbound {
		return false, fmt.Errorf("documents in direction %s are not sent", d.Direction)
	}
	logger := d.logger()
	d.failure = nil

	if err := d.ensurePayload(ctx); err != nil {
		logger.Error("document payload unavailable", zap.Error(err))
		return false, d.abort(ctx, err)
	}

	if !e.limiter.CanSubmit(ctx, d.TaxpayerID) {
		e.metrics.RateLimited("submit")
		return false, d.fail(ctx, fmt.Errorf("%w: submission", ErrQuotaExceeded))
	}
	bearer, err := e.tokens.GetToken(ctx, d.TaxpayerID)
	if err != nil {
		return false, d.fail(ctx, classify(err))
	}
	_, env, err := e.issuers.Environment(ctx, d.TaxpayerID)
	if err != nil {
		logger.Error("taxpayer environment unavailable", zap.Error(err))
		return false, d.abort(ctx, err)
	}

	sub, err := d.submission(ctx)
	if err != nil {
		logger.Error("building submission failed", zap.Error(err))
		return false, d.abort(ctx, err)
	}

	err = e.authority.Submit(ctx, env, bearer, sub)
	if err != nil {
		return false, d.fail(ctx, d.chargeSubmit(ctx, err))
	}

	d.register(ctx, ratelimit.PostAccepted)
	if err := e.store.DeleteEntry(ctx, d.Key, d.Direction); err != nil {
		return false, fmt.Errorf("removing queue entry: %w", err)
	}
	if err := e.store.SetDocumentState(ctx, d.Direction, d.Key, reliability.StateSent); err != nil {
		return false, fmt.Errorf("storing state: %w", err)
	}
	d.State = reliability.StateSent
	e.metrics.Submission(d.Direction.String(), outcome(nil))
	e.publish(ctx, d)
	logger.Debug("document sent")
	return true, nil
}

// chargeSubmit charges a failed submission to the rate limiter, logs it
// with a severity that matches its class and returns it classified.
func (d *Document) chargeSubmit(ctx context.Context, err error) error {
	logger := d.logger()
	classified := classify(err)
	se, isStatus := hacienda.AsStatusError(err)
	switch {
	case errors.Is(classified, ErrAuthFailure):
		d.register(ctx, ratelimit.PostAuthFailure)
		logger.Warn("submission refused", zap.Int("status", se.Code), zap.String("cause", se.Cause))
	case errors.Is(classified, ErrStructuralRejection):
		d.register(ctx, ratelimit.PostRejected)
		logger.Error("submission rejected", zap.Int("status", se.Code), zap.String("cause", se.Cause))
	case isStatus:
		logger.Info("submission failed", zap.Int("status", se.Code))
	default:
		logger.Info("submission failed", zap.Error(err))
	}
	return classified
}

func (d *Document) register(ctx context.Context, c ratelimit.Category) {
	if err := d.engine.limiter.Register(ctx, d.TaxpayerID, c); err != nil {
		d.logger().Warn("recording rate limit event failed", zap.Stringer("category", c), zap.Error(err))
	}
}

// fail records a failed send and reschedules it.
func (d *Document) fail(ctx context.Context, cause error) error {
	d.engine.metrics.Submission(d.Direction.String(), outcome(cause))
	return d.deferSend(ctx, cause)
}

// abort reschedules after an error that prevents sending and returns it.
func (d *Document) abort(ctx context.Context, cause error) error {
	d.engine.metrics.Submission(d.Direction.String(), outcome(cause))
	if err := d.deferSend(ctx, cause); err != nil {
		return err
	}
	return cause
}

// deferSend reschedules the queue entry after a failure. Without an
// active entry the cause is returned.
func (d *Document) deferSend(ctx context.Context, cause error) error {
	e := d.engine
	d.failure = cause

	entry, err := e.store.GetEntry(ctx, d.Key, d.Direction)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNoQueueEntry, cause)
		}
		return fmt.Errorf("loading queue entry: %w", err)
	}
	if entry.Action.Disabled() {
		return fmt.Errorf("%w: %w", ErrNoQueueEntry, cause)
	}

	entry.Fail(e.now(), e.schedule)
	entry.Response = cause.Error()
	if err := e.store.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("rescheduling: %w", err)
	}

	logger := d.logger()
	if entry.Action.Disabled() {
		logger.Warn("retries exhausted, queue entry disabled",
			zap.Int("attempts", entry.Attempts), zap.NamedError("cause", cause))
		return nil
	}
	logger.Debug("send deferred",
		zap.Int("attempts", entry.Attempts),
		zap.Time("next_attempt", entry.NextAttempt),
		zap.NamedError("cause", cause))
	return nil
}

// submission builds the reception request. Issued documents report their
// own parties; confirmation messages report the supplier's document date
// and issuer with the taxpayer as receiver.
func (d *Document) submission(ctx context.Context) (*hacienda.Submission, error) {
	data := d.data
	sub := &hacienda.Submission{
		Clave:          d.Key,
		ComprobanteXML: base64.StdEncoding.EncodeToString(d.xml),
	}

	switch d.Direction {
	case reliability.Outbound:
		sub.Fecha = data.Get("FechaEmision")
		sub.Emisor = party(data.Find("Emisor/Identificacion"))
		if data.Has("Receptor/Identificacion") {
			p := party(data.Find("Receptor/Identificacion"))
			sub.Receptor = &p
		}
	case reliability.Inbound:
		supplier, err := d.engine.supplierDocument(ctx, d.TaxpayerID, d.Key)
		if err != nil {
			return nil, err
		}
		cedula := strings.TrimLeft(data.Get("NumeroCedulaReceptor"), "0")
		sub.Fecha = supplier.Get("FechaEmision")
		sub.Emisor = party(supplier.Find("Emisor/Identificacion"))
		sub.Receptor = &hacienda.Party{
			TipoIdentificacion:   clave.ReceiverIDType(cedula),
			NumeroIdentificacion: cedula,
		}
		sub.ConsecutivoReceptor = data.Get("NumeroConsecutivoReceptor")
	}

	if d.engine.callbackURL != "" {
		tok, err := d.engine.callbacks.Issue(d.Direction, d.ID)
		if err != nil {
			return nil, fmt.Errorf("issuing callback token: %w", err)
		}
		sub.CallbackURL = withToken(d.engine.callbackURL, tok)
	}
	return sub, nil
}

func party(id *message.Node) hacienda.Party {
	return hacienda.Party{
		TipoIdentificacion:   id.Get("Tipo"),
		NumeroIdentificacion: id.Get("Numero"),
	}
}

func withToken(base, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// supplierDocument reads the received document kept in the inbound
// container of its key.
func (e *Engine) supplierDocument(ctx context.Context, taxpayerID int64, key string) (*message.Node, error) {
	k, err := clave.Parse(key)
	if err != nil {
		return nil, err
	}
	dt, err := k.DocumentType()
	if err != nil {
		return nil, err
	}
	xml, err := e.archive.Get(ctx, taxpayerID, reliability.Inbound, key, archive.DocumentEntry(dt, key))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Errorf("%w: supplier document: %v", ErrPayloadNotFound, err)
		}
		return nil, err
	}
	doc, err := message.Parse(xml)
	if err != nil {
		return nil, fmt.Errorf("%w: supplier document: %v", ErrPayloadNotFound, err)
	}
	return doc.Root, nil
}

// PollStatus asks the authority for the state of a sent document. It
// returns true when the authority answered with a usable state. Documents
// that were never sent are not polled.
func (d *Document) PollStatus(ctx context.Context) (ok bool, err error) {
	if d.State < reliability.StateSent {
		return false, nil
	}
	e := d.engine
	ctx, span := e.tracer.Start(ctx, "facturador.PollStatus")
	span.SetAttributes(
		attribute.String("clave", d.Key),
		attribute.String("direction", d.Direction.String()))
	defer func() {
		span.SetAttributes(attribute.Bool("answered", ok))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := d.logger()
	d.failure = nil

	if !e.limiter.CanQuery(ctx, d.TaxpayerID) {
		e.metrics.RateLimited("query")
		d.failure = fmt.Errorf("%w: status query", ErrQuotaExceeded)
		return false, nil
	}
	bearer, err := e.tokens.GetToken(ctx, d.TaxpayerID)
	if err != nil {
		d.failure = classify(err)
		return false, nil
	}
	_, env, err := e.issuers.Environment(ctx, d.TaxpayerID)
	if err != nil {
		d.failure = err
		return false, err
	}

	var consecutive string
	if d.Direction == reliability.Inbound {
		if err := d.ensurePayload(ctx); err != nil {
			return false, err
		}
		consecutive = d.data.Get("NumeroConsecutivoReceptor")
	}

	status, err := e.authority.Status(ctx, env, bearer, d.Key, consecutive)
	if err != nil {
		d.failure = d.chargeQuery(ctx, err)
		return false, nil
	}
	d.register(ctx, ratelimit.GetOK)
	known := true
	d.KnownToAuthority = &known
	e.metrics.Poll(d.Direction.String(), status.Disposition())

	if status.HasResponse() {
		xml, err := status.Response()
		if err != nil {
			return false, err
		}
		if d.Direction == reliability.StatusQuery {
			return true, d.recordSupplierResponse(ctx, xml)
		}
		if err := d.saveResponse(ctx, xml); err != nil {
			return false, err
		}
		return true, nil
	}

	switch status.Disposition() {
	case hacienda.DispositionReceived, hacienda.DispositionProcessing:
		return true, d.setState(ctx, reliability.StateSent)
	case hacienda.DispositionAccepted:
		return true, d.setState(ctx, reliability.StateAccepted)
	case hacienda.DispositionRejected:
		return true, d.setState(ctx, reliability.StateRejected)
	case hacienda.DispositionError:
		if d.Direction != reliability.StatusQuery {
			d.Message = "Error de Hacienda"
			if err := e.store.SetDocumentResult(ctx, d.Direction, d.Key, reliability.StateQueuedWithSendError, d.Message); err != nil {
				return false, fmt.Errorf("storing state: %w", err)
			}
		}
		d.State = reliability.StateQueuedWithSendError
		e.publish(ctx, d)
		d.failure = fmt.Errorf("%w: authority reported a processing error", ErrStructuralRejection)
		logger.Warn("authority reported a processing error")
		return false, nil
	}
	logger.Info("unknown disposition", zap.String("ind_estado", status.IndEstado))
	return true, nil
}

// chargeQuery is chargeSubmit for status queries. A 400 answer means the
// authority does not know the key.
func (d *Document) chargeQuery(ctx context.Context, err error) error {
	logger := d.logger()
	classified := classify(err)
	se, isStatus := hacienda.AsStatusError(err)
	switch {
	case errors.Is(classified, ErrAuthFailure):
		d.register(ctx, ratelimit.PostAuthFailure)
		logger.Warn("status query refused", zap.Int("status", se.Code), zap.String("cause", se.Cause))
	case errors.Is(classified, ErrStructuralRejection):
		if se.Code == 400 {
			unknown := false
			d.KnownToAuthority = &unknown
		}
		d.register(ctx, ratelimit.GetFailed)
		logger.Error("status query rejected", zap.Int("status", se.Code), zap.String("cause", se.Cause))
	case isStatus:
		logger.Info("status query failed", zap.Int("status", se.Code))
	default:
		logger.Info("status query failed", zap.Error(err))
	}
	return classified
}

// setState applies a disposition reported without a response message.
func (d *Document) setState(ctx context.Context, s reliability.State) error {
	if s == d.State {
		return nil
	}
	d.State = s
	if d.Direction != reliability.StatusQuery {
		if err := d.engine.store.SetDocumentState(ctx, d.Direction, d.Key, s); err != nil {
			return fmt.Errorf("storing state: %w", err)
		}
	}
	d.engine.publish(ctx, d)
	return nil
}

// saveResponse archives the authority's response message and records the
// disposition it carries.
func (d *Document) saveResponse(ctx context.Context, xml []byte) error {
	e := d.engine
	name := archive.ResponseEntry(d.Direction, d.Key)
	if err := e.archive.Put(ctx, d.TaxpayerID, d.Direction, d.Key, name, xml, false); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}

	state, detail, err := readResponse(xml)
	if err != nil {
		return err
	}
	if err := e.store.SetDocumentResult(ctx, d.Direction, d.Key, state, detail); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	d.State = state
	d.Message = detail
	e.publish(ctx, d)
	d.logger().Info("authority response recorded", zap.Stringer("state", state))
	return nil
}

// recordSupplierResponse keeps the response to a supplier's document next
// to it, so later receptions of the same key need no query.
func (d *Document) recordSupplierResponse(ctx context.Context, xml []byte) error {
	state, detail, err := readResponse(xml)
	if err != nil {
		return err
	}
	d.State = state
	d.Message = detail
	if d.TaxpayerID == 0 {
		return nil
	}
	name := archive.SupplierResponseEntry(d.Key)
	if err := d.engine.archive.Put(ctx, d.TaxpayerID, reliability.Inbound, d.Key, name, xml, false); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	return nil
}

// readResponse returns the disposition of a response message: Mensaje 1
// is an acceptance, anything else a rejection.
func readResponse(xml []byte) (reliability.State, string, error) {
	doc, err := message.Parse(xml)
	if err != nil {
		return 0, "", fmt.Errorf("reading response message: %w", err)
	}
	state := reliability.StateRejected
	if doc.Root.Get("Mensaje") == "1" {
		state = reliability.StateAccepted
	}
	return state, doc.Root.Get("DetalleMensaje"), nil
}

// DisableFurtherRetries marks the queue entry as terminated without
// removing it.
func (d *Document) DisableFurtherRetries(ctx context.Context) error {
	e := d.engine
	entry, err := e.store.GetEntry(ctx, d.Key, d.Direction)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if entry.Action.Disabled() {
		return nil
	}
	entry.Action = entry.Action.Disable()
	if err := e.store.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("disabling queue entry: %w", err)
	}
	d.logger().Warn("queue entry disabled")
	return nil
}
