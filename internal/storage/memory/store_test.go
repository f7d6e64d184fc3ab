package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

const key = "50631071800060396091600100001010000000001199999999"

func TestStore_UpsertDocument(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc := &storage.Document{Direction: reliability.Outbound, TaxpayerID: 1, Key: key, State: reliability.StateQueued}
	created, err := s.UpsertDocument(ctx, doc)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), doc.ID)

	require.NoError(t, s.SetDocumentResult(ctx, reliability.Outbound, key, reliability.StateRejected, "rechazado"))

	// An issued document is never replaced.
	again := &storage.Document{Direction: reliability.Outbound, TaxpayerID: 1, Key: key, State: reliability.StateQueued}
	created, err = s.UpsertDocument(ctx, again)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	assert.False(t, created)

	got, err := s.GetDocumentByID(ctx, reliability.Outbound, 1)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateRejected, got.State)
	assert.Equal(t, "rechazado", got.Message)

	// Inbound rows are numbered separately.
	in := &storage.Document{Direction: reliability.Inbound, TaxpayerID: 2, Key: key, State: reliability.StateQueued}
	_, err = s.UpsertDocument(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), in.ID)

	// A received document confirmed again takes over its record.
	require.NoError(t, s.SetDocumentResult(ctx, reliability.Inbound, key, reliability.StateRejected, "rechazado"))
	reconfirmed := &storage.Document{Direction: reliability.Inbound, TaxpayerID: 3, Key: key, State: reliability.StateQueued}
	created, err = s.UpsertDocument(ctx, reconfirmed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), reconfirmed.ID)
	got, err = s.GetDocument(ctx, reliability.Inbound, key)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueued, got.State)
	assert.Equal(t, int64(3), got.TaxpayerID)

	_, err = s.GetDocument(ctx, reliability.Inbound, "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ClaimNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutEntry(ctx, &reliability.Entry{
		TaxpayerID: 1, Key: "a", Action: reliability.ActionSendOutbound,
		CreatedAt: now.Add(-time.Hour), NextAttempt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.PutEntry(ctx, &reliability.Entry{
		TaxpayerID: 1, Key: "b", Action: reliability.ActionSendInbound,
		CreatedAt: now.Add(-time.Hour), NextAttempt: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, s.PutEntry(ctx, &reliability.Entry{
		TaxpayerID: 1, Key: "c", Action: reliability.ActionDisabledOutbound,
		CreatedAt: now.Add(-time.Hour), NextAttempt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.PutEntry(ctx, &reliability.Entry{
		TaxpayerID: 1, Key: "d", Action: reliability.ActionSendOutbound,
		CreatedAt: now, NextAttempt: now.Add(time.Minute),
	}))

	e, err := s.ClaimNext(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", e.Key)
	assert.Equal(t, now.Add(-2*time.Minute), e.NextAttempt)

	e, err = s.ClaimNext(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Key)

	_, err = s.ClaimNext(ctx, now, time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	leased, err := s.GetEntry(ctx, "a", reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), leased.NextAttempt)
}

func TestStore_Taxpayers(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateTaxpayer(ctx, &storage.Taxpayer{ClientID: "c1", TaxID: "603960916", EnvironmentID: 1}))
	require.NoError(t, s.CreateTaxpayer(ctx, &storage.Taxpayer{ClientID: "c1", TaxID: "3101123456", EnvironmentID: 2}))
	require.NoError(t, s.CreateTaxpayer(ctx, &storage.Taxpayer{ClientID: "c2", TaxID: "603960916", EnvironmentID: 1}))

	ids, err := s.FindTaxpayers(ctx, "c1", "603960916")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	all, err := s.ListTaxpayers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tp, err := s.GetTaxpayer(ctx, 2)
	require.NoError(t, err)
	tp.EnvironmentID = 1
	require.NoError(t, s.UpdateTaxpayer(ctx, tp))
	tp, _ = s.GetTaxpayer(ctx, 2)
	assert.Equal(t, 1, tp.EnvironmentID)

	assert.ErrorIs(t, s.UpdateTaxpayer(ctx, &storage.Taxpayer{ID: 9}), storage.ErrNotFound)
}
