package mongodb

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

// liveStore connects to the server named by FACTURADOR_TEST_MONGODB_URI,
// using a database of its own that is dropped afterwards.
func liveStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	uri := os.Getenv("FACTURADOR_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("FACTURADOR_TEST_MONGODB_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name := "facturador_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s, err := NewStore(ctx, &Config{URI: uri, Database: name})
	if err != nil {
		t.Skip("MongoDB not available at " + uri + ": " + err.Error())
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, s.db.Drop(ctx))
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

func TestLive_Documents(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()

	out := &storage.Document{Direction: reliability.Outbound, TaxpayerID: 1, Key: key, State: reliability.StateQueued}
	created, err := s.UpsertDocument(ctx, out)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.SetDocumentResult(ctx, reliability.Outbound, key, reliability.StateRejected, "El comprobante fue rechazado por duplicación"))

	_, err = s.UpsertDocument(ctx, &storage.Document{Direction: reliability.Outbound, TaxpayerID: 1, Key: key, State: reliability.StateQueued})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	got, err := s.GetDocumentByID(ctx, reliability.Outbound, out.ID)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateRejected, got.State)
	assert.Equal(t, "El comprobante fue rechazado por duplicación", got.Message)

	in := &storage.Document{Direction: reliability.Inbound, TaxpayerID: 2, Key: key, State: reliability.StateQueued}
	created, err = s.UpsertDocument(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, s.SetDocumentState(ctx, reliability.Inbound, key, reliability.StateAccepted))

	again := &storage.Document{Direction: reliability.Inbound, TaxpayerID: 3, Key: key, State: reliability.StateQueued}
	created, err = s.UpsertDocument(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, in.ID, again.ID)
	got, err = s.GetDocument(ctx, reliability.Inbound, key)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateQueued, got.State)
	assert.Equal(t, int64(3), got.TaxpayerID)
}

func TestLive_QueueLease(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutEntry(ctx, &reliability.Entry{
		TaxpayerID: 1, Key: key, Action: reliability.ActionSendOutbound, CreatedAt: now, NextAttempt: now,
	}))

	e, err := s.ClaimNext(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, key, e.Key)

	// Leased: a second worker finds nothing until the lease runs out.
	_, err = s.ClaimNext(ctx, now.Add(time.Minute), 2*time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	e, err = s.ClaimNext(ctx, now.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, key, e.Key)

	e.Fail(now.Add(3*time.Minute), reliability.DefaultSchedule)
	e.Response = "Servicio no disponible"
	require.NoError(t, s.UpdateEntry(ctx, e))
	stored, err := s.GetEntry(ctx, key, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "Servicio no disponible", stored.Response)

	require.NoError(t, s.DeleteEntry(ctx, key, reliability.Outbound))
	assert.ErrorIs(t, s.UpdateEntry(ctx, e), storage.ErrNotFound)
}

func TestLive_LedgerAndTokens(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Append(ctx, "603960916", ratelimit.PostRejected, now.Add(-2*time.Minute)))
	require.NoError(t, s.Append(ctx, "603960916", ratelimit.PostRejected, now))
	require.NoError(t, s.Append(ctx, "603960916", ratelimit.TokenRequest, now))
	require.NoError(t, s.Append(ctx, "3101123456", ratelimit.PostRejected, now))

	counts, err := s.CountSince(ctx, "603960916", now.Add(-ratelimit.Window))
	require.NoError(t, err)
	assert.Equal(t, map[ratelimit.Category]int{ratelimit.PostRejected: 1, ratelimit.TokenRequest: 1}, counts)

	_, found, err := s.GetToken(ctx, "603960916", 1)
	require.NoError(t, err)
	assert.False(t, found)
	rec := &token.Record{TaxID: "603960916", EnvironmentID: 1, AccessToken: "a1", AccessExpiry: now.Add(5 * time.Minute)}
	require.NoError(t, s.UpsertToken(ctx, rec))
	got, found, err := s.GetToken(ctx, "603960916", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a1", got.AccessToken)
}
