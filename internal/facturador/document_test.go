package facturador

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/internal/archive"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/message"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

func TestCreate_Outbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Create(ctx, f.taxpayer, invoice(testConsecutive), false)
	require.NoError(t, err)
	assert.Equal(t, testKey, d.Key)
	assert.Equal(t, reliability.Outbound, d.Direction)
	assert.Equal(t, reliability.StateUnsaved, d.State)

	data, err := d.Data(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data.Children)
	assert.Equal(t, "Clave", data.Children[0].Name)
	assert.Equal(t, testKey, data.Children[0].Value)

	xml, err := d.XML(ctx)
	require.NoError(t, err)
	_, err = security.Verify(xml, security.VerifyOptions{})
	require.NoError(t, err)

	parsed, err := message.Parse(xml)
	require.NoError(t, err)
	assert.Equal(t, "FacturaElectronica", parsed.RootElement)
	assert.Equal(t, testKey, parsed.Root.Get("Clave"))
}

func TestCreate_DoesNotModifyInput(t *testing.T) {
	f := newFixture(t)
	data := invoice(testConsecutive)

	_, err := f.engine.Create(context.Background(), f.taxpayer, data, false)
	require.NoError(t, err)
	assert.False(t, data.Has("Clave"))
}

func TestCreate_InvalidConsecutive(t *testing.T) {
	f := newFixture(t)
	for _, consecutive := range []string{
		"0010000101000000001",
		"001000010100000000011",
		"0010000101000000000A",
		"",
	} {
		_, err := f.engine.Create(context.Background(), f.taxpayer, invoice(consecutive), false)
		assert.ErrorIs(t, err, ErrInvalidConsecutive, consecutive)
	}
}

func TestCreate_ConsecutiveTypeMustMatchDirection(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), f.taxpayer, invoice("00100001050000000001"), false)
	assert.ErrorIs(t, err, ErrInvalidConsecutive)

	data := confirmation()
	data.Set("NumeroConsecutivoReceptor", testConsecutive)
	_, err = f.engine.Create(context.Background(), f.taxpayer, data, false)
	assert.ErrorIs(t, err, ErrInvalidConsecutive)
}

func TestCreate_UnknownIssuer(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), f.taxpayer+100, invoice(testConsecutive), false)
	assert.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestCreate_Situation(t *testing.T) {
	contingency := func() *message.Node {
		return invoice(testConsecutive).Add(message.G("InformacionReferencia",
			message.E("TipoDoc", "08"),
			message.E("Numero", "00100001010000000099"),
			message.E("FechaEmision", "2024-05-09T10:00:00-06:00"),
			message.E("Codigo", "05"),
			message.E("Razon", "Comprobante provisional")))
	}
	tests := []struct {
		name    string
		data    *message.Node
		offline bool
		want    clave.Situation
	}{
		{"normal", invoice(testConsecutive), false, clave.SituationNormal},
		{"offline", invoice(testConsecutive), true, clave.SituationOffline},
		{"contingency", contingency(), false, clave.SituationContingency},
		{"contingency wins over offline", contingency(), true, clave.SituationContingency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d, err := f.engine.Create(context.Background(), f.taxpayer, tt.data, tt.offline)
			require.NoError(t, err)
			assert.Equal(t, tt.want, clave.MustParse(d.Key).Situation())
		})
	}
}

func TestCreate_KeepsGivenKey(t *testing.T) {
	f := newFixture(t)
	given := "50609052400060396091600100001010000000001187654321"

	d, err := f.engine.Create(context.Background(), f.taxpayer,
		invoice(testConsecutive).Prepend(message.E("Clave", given)), false)
	require.NoError(t, err)
	assert.Equal(t, given, d.Key)

	d, err = f.engine.Create(context.Background(), f.taxpayer,
		invoice(testConsecutive).Prepend(message.E("Clave", "506")), false)
	require.NoError(t, err)
	assert.Equal(t, testKey, d.Key)
	data, _ := d.Data(context.Background())
	assert.Len(t, data.FindAll("Clave"), 1)
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Create(ctx, f.taxpayer, invoice(testConsecutive), false)
	require.NoError(t, err)
	ok, err := d.Enqueue(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reliability.StateQueued, d.State)
	assert.Equal(t, int64(1), d.ID)

	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueued, rec.State)
	assert.Equal(t, f.taxpayer, rec.TaxpayerID)

	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Attempts)
	assert.Equal(t, f.clock.Now(), entry.NextAttempt)
	assert.Equal(t, reliability.Outbound, entry.Action.Direction())

	xml, _ := d.XML(ctx)
	archived, err := f.archive.Get(ctx, f.taxpayer, reliability.Outbound, testKey, "FE"+testKey+".xml")
	require.NoError(t, err)
	assert.Equal(t, xml, archived)

	ok, err = d.Enqueue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueue_DuplicateKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.queued(t, testConsecutive)
	issued, err := first.XML(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.engine.Create(ctx, f.taxpayer, invoice(testConsecutive), false)
	require.NoError(t, err)
	require.Equal(t, first.Key, second.Key)
	ok, err := second.Enqueue(ctx)
	assert.ErrorIs(t, err, ErrDuplicateDocument)
	assert.False(t, ok)

	archived, err := f.archive.Get(ctx, f.taxpayer, reliability.Outbound, testKey, "FE"+testKey+".xml")
	require.NoError(t, err)
	assert.Equal(t, issued, archived)
	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(-time.Hour), entry.CreatedAt)
}

func TestSend_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.queued(t, testConsecutive)

	ok, err := d.Send(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, d.LastFailure())
	assert.Equal(t, reliability.StateSent, d.State)

	_, err = f.store.GetEntry(ctx, testKey, reliability.Outbound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateSent, rec.State)

	subs := f.authority.submitted()
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, testKey, sub.Clave)
	assert.Equal(t, "2024-05-10T09:00:00-06:00", sub.Fecha)
	assert.Equal(t, hacienda.Party{TipoIdentificacion: "01", NumeroIdentificacion: testTaxID}, sub.Emisor)
	require.NotNil(t, sub.Receptor)
	assert.Equal(t, supplierTaxID, sub.Receptor.NumeroIdentificacion)
	assert.Empty(t, sub.CallbackURL)
	assert.Empty(t, sub.ConsecutivoReceptor)

	xml, _ := d.XML(ctx)
	decoded, err := base64.StdEncoding.DecodeString(sub.ComprobanteXML)
	require.NoError(t, err)
	assert.Equal(t, xml, decoded)

	assert.Equal(t, 1, f.ledger(t)[ratelimit.PostAccepted])
	assert.Equal(t, "enviado", f.events.last().StateName)
	assert.Equal(t, testKey, f.events.last().Key)
}

func TestSend_UnsavedIsEnqueuedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Create(ctx, f.taxpayer, invoice(testConsecutive), false)
	require.NoError(t, err)
	ok, err := d.Send(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateSent, rec.State)
}

func TestSend_CallbackURL(t *testing.T) {
	f := newFixture(t, WithCallback("https://facturas.example.com/callback", nil))
	f.sent(t, testConsecutive)

	subs := f.authority.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "https://facturas.example.com/callback?token=E1", subs[0].CallbackURL)
}

func TestSend_Unreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.queued(t, testConsecutive)
	f.authority.setDrop(true)

	ok, err := d.Send(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, d.LastFailure(), ErrTransientNetwork)
	assert.Equal(t, reliability.StateQueued, d.State)

	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), entry.NextAttempt)
	assert.NotEmpty(t, entry.Response)

	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueued, rec.State)
}

func TestSend_Classification(t *testing.T) {
	tests := []struct {
		code     int
		want     error
		category ratelimit.Category
	}{
		{http.StatusUnauthorized, ErrAuthFailure, ratelimit.PostAuthFailure},
		{http.StatusForbidden, ErrAuthFailure, ratelimit.PostAuthFailure},
		{http.StatusBadRequest, ErrStructuralRejection, ratelimit.PostRejected},
		{http.StatusServiceUnavailable, ErrTransientNetwork, -1},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			f := newFixture(t)
			d := f.queued(t, testConsecutive)
			f.authority.setSubmitCode(tt.code)

			ok, err := d.Send(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, d.LastFailure(), tt.want)

			counts := f.ledger(t)
			assert.Zero(t, counts[ratelimit.PostAccepted])
			if tt.category >= 0 {
				assert.Equal(t, 1, counts[tt.category])
			} else {
				assert.Zero(t, counts[ratelimit.PostAuthFailure]+counts[ratelimit.PostRejected])
			}
		})
	}
}

func TestSend_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t, testConsecutive)
	f.gate.denySubmit = true

	ok, err := d.Send(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, d.LastFailure(), ErrQuotaExceeded)
	assert.Empty(t, f.authority.submitted())

	entry, err := f.store.GetEntry(context.Background(), testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
}

func TestSend_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.queued(t, testConsecutive)
	f.authority.setDrop(true)

	for i := 0; i < reliability.MaxAttempts; i++ {
		ok, err := d.Send(ctx)
		require.NoError(t, err, "attempt %d", i+1)
		require.False(t, ok)
		f.clock.Advance(9 * time.Hour)
	}

	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, reliability.MaxAttempts, entry.Attempts)
	assert.True(t, entry.Action.Disabled())

	_, err = d.Send(ctx)
	assert.ErrorIs(t, err, ErrNoQueueEntry)
	assert.ErrorIs(t, err, ErrTransientNetwork)
}

func TestSend_MissingPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &storage.Document{
		Direction:  reliability.Outbound,
		TaxpayerID: f.taxpayer,
		Key:        testKey,
		State:      reliability.StateQueued,
	}
	_, err := f.store.UpsertDocument(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, f.store.PutEntry(ctx, &reliability.Entry{
		TaxpayerID:  f.taxpayer,
		Key:         testKey,
		Action:      reliability.ActionSendOutbound,
		NextAttempt: f.clock.Now(),
	}))

	d, err := f.engine.Load(ctx, f.taxpayer, testKey, reliability.Outbound)
	require.NoError(t, err)
	ok, err := d.Send(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPayloadNotFound)

	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
}

// noEnvironment fails every environment lookup.
type noEnvironment struct {
	Issuers
	err error
}

func (n noEnvironment) Environment(context.Context, int64) (string, hacienda.Environment, error) {
	return "", hacienda.Environment{}, n.err
}

func TestSend_EnvironmentUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.queued(t, testConsecutive)

	cause := errors.New("taxpayers table unreachable")
	f.engine.issuers = noEnvironment{Issuers: f.engine.issuers, err: cause}

	ok, err := d.Send(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, d.LastFailure(), cause)
	assert.Empty(t, f.authority.submitted())

	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), entry.NextAttempt)
	assert.Equal(t, cause.Error(), entry.Response)
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, testConsecutive)

	d, err := f.engine.Load(ctx, f.taxpayer, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueued, d.State)
	xml, err := d.XML(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, xml)

	_, err = f.engine.Load(ctx, f.taxpayer+1, testKey, reliability.Outbound)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = f.engine.Load(ctx, f.taxpayer, testKey, reliability.Inbound)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	q, err := f.engine.Load(ctx, 0, supplierKey, reliability.StatusQuery)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateSent, q.State)
	_, err = f.engine.Load(ctx, 0, "123", reliability.StatusQuery)
	assert.Error(t, err)
}

func TestPollStatus_NotSent(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t, testConsecutive)

	ok, err := d.PollStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.authority.queried())
}

func TestPollStatus_AcceptedWithResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.sent(t, testConsecutive)
	response := responseXML(testKey, "1", "Este comprobante fue aceptado")
	f.authority.setStatus(testKey, withResponse(testKey, "aceptado", response))

	ok, err := d.PollStatus(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reliability.StateAccepted, d.State)
	assert.Equal(t, "Este comprobante fue aceptado", d.Message)
	require.NotNil(t, d.KnownToAuthority)
	assert.True(t, *d.KnownToAuthority)

	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateAccepted, rec.State)
	assert.Equal(t, "Este comprobante fue aceptado", rec.Message)

	archived, err := f.archive.Get(ctx, f.taxpayer, reliability.Outbound, testKey, archive.ResponseEntry(reliability.Outbound, testKey))
	require.NoError(t, err)
	assert.Equal(t, response, archived)

	assert.Equal(t, "aceptado", f.events.last().StateName)
	assert.Equal(t, 1, f.ledger(t)[ratelimit.GetOK])
}

func TestPollStatus_RejectionMessage(t *testing.T) {
	f := newFixture(t)
	d := f.sent(t, testConsecutive)
	f.authority.setStatus(testKey, withResponse(testKey, "rechazado", responseXML(testKey, "3", "Firma invalida")))

	ok, err := d.PollStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reliability.StateRejected, d.State)
	assert.Equal(t, "Firma invalida", d.Message)
}

func TestPollStatus_Dispositions(t *testing.T) {
	tests := []struct {
		estado string
		want   reliability.State
	}{
		{"recibido", reliability.StateSent},
		{"procesando", reliability.StateSent},
		{"aceptado", reliability.StateAccepted},
		{"rechazado", reliability.StateRejected},
		{"Aceptado", reliability.StateAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.estado, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			d := f.sent(t, testConsecutive)
			f.authority.setStatus(testKey, statusReply{status: hacienda.Status{Clave: testKey, IndEstado: tt.estado}})

			ok, err := d.PollStatus(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, d.State)

			rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.State)
		})
	}
}

func TestPollStatus_AuthorityError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.sent(t, testConsecutive)
	f.authority.setStatus(testKey, statusReply{status: hacienda.Status{Clave: testKey, IndEstado: "error"}})

	ok, err := d.PollStatus(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, reliability.StateQueuedWithSendError, d.State)
	assert.ErrorIs(t, d.LastFailure(), ErrStructuralRejection)

	rec, err := f.store.GetDocument(ctx, reliability.Outbound, testKey)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueuedWithSendError, rec.State)
	assert.Equal(t, "Error de Hacienda", rec.Message)
	assert.Equal(t, "error", f.events.last().StateName)
}

func TestPollStatus_UnknownKey(t *testing.T) {
	f := newFixture(t)
	d := f.sent(t, testConsecutive)

	ok, err := d.PollStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, d.LastFailure(), ErrStructuralRejection)
	require.NotNil(t, d.KnownToAuthority)
	assert.False(t, *d.KnownToAuthority)
	assert.Equal(t, reliability.StateSent, d.State)
	assert.Equal(t, 1, f.ledger(t)[ratelimit.GetFailed])
}

func TestPollStatus_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	d := f.sent(t, testConsecutive)
	f.gate.denyQuery = true

	ok, err := d.PollStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, d.LastFailure(), ErrQuotaExceeded)
	assert.Empty(t, f.authority.queried())
}

func TestDisableFurtherRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.queued(t, testConsecutive)

	require.NoError(t, d.DisableFurtherRetries(ctx))
	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.True(t, entry.Action.Disabled())
	assert.Equal(t, reliability.Outbound, entry.Action.Direction())

	require.NoError(t, d.DisableFurtherRetries(ctx))
	require.NoError(t, f.store.DeleteEntry(ctx, testKey, reliability.Outbound))
	assert.NoError(t, d.DisableFurtherRetries(ctx))
}
