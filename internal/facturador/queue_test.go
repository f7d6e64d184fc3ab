package facturador

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

func TestDrainQueue_SendsDueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.queued(t, testConsecutive)
	second := f.queued(t, "00100001010000000002")

	outcomes, err := f.engine.DrainQueue(ctx, time.Minute)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Outcome{
		{Key: first.Key, Direction: reliability.Outbound, State: reliability.StateSent},
		{Key: second.Key, Direction: reliability.Outbound, State: reliability.StateSent},
	}, outcomes)

	entries, err := f.store.ListEntries(ctx, f.taxpayer)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, f.authority.submitted(), 2)
}

func TestDrainQueue_Reschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, testConsecutive)
	f.authority.setDrop(true)

	outcomes, err := f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.False(t, entry.Action.Disabled())

	// Not due yet.
	f.authority.setDrop(false)
	outcomes, err = f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.authority.submitted())

	f.clock.Advance(301 * time.Second)
	outcomes, err = f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, reliability.StateSent, outcomes[0].State)
	_, err = f.store.GetEntry(ctx, testKey, reliability.Outbound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDrainQueue_PollsBeforeResending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, testConsecutive)

	// The authority received the document but the answer was lost.
	require.NoError(t, f.store.SetDocumentState(ctx, reliability.Outbound, testKey, reliability.StateSent))
	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	entry.Attempts = 1
	require.NoError(t, f.store.UpdateEntry(ctx, entry))
	f.authority.setStatus(testKey, withResponse(testKey, "aceptado", responseXML(testKey, "1", "Aceptado")))

	outcomes, err := f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, reliability.StateAccepted, outcomes[0].State)
	assert.Empty(t, f.authority.submitted())
	assert.Equal(t, []string{testKey}, f.authority.queried())

	_, err = f.store.GetEntry(ctx, testKey, reliability.Outbound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDrainQueue_ResendsAfterFailedPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, testConsecutive)

	require.NoError(t, f.store.SetDocumentState(ctx, reliability.Outbound, testKey, reliability.StateQueuedWithSendError))
	entry, err := f.store.GetEntry(ctx, testKey, reliability.Outbound)
	require.NoError(t, err)
	entry.Attempts = 2
	require.NoError(t, f.store.UpdateEntry(ctx, entry))
	f.authority.setStatus(testKey, statusReplyError(testKey))

	outcomes, err := f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, reliability.StateSent, outcomes[0].State)
	assert.Len(t, f.authority.submitted(), 1)
}

func statusReplyError(key string) statusReply {
	r := statusReply{}
	r.status.Clave = key
	r.status.IndEstado = "error"
	return r
}

func TestDrainQueue_DisablesUnsendable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertDocument(ctx, &storage.Document{
		Direction:  reliability.Outbound,
		TaxpayerID: f.taxpayer,
		Key:        testKey,
		State:      reliability.StateQueued,
	})
	require.NoError(t, err)
	orphan := "50610052400060396091600100001010000000005112345678"
	for _, key := range []string{testKey, orphan} {
		require.NoError(t, f.store.PutEntry(ctx, &reliability.Entry{
			TaxpayerID:  f.taxpayer,
			Key:         key,
			Action:      reliability.ActionSendOutbound,
			NextAttempt: f.clock.Now(),
		}))
	}

	outcomes, err := f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	for _, key := range []string{testKey, orphan} {
		entry, err := f.store.GetEntry(ctx, key, reliability.Outbound)
		require.NoError(t, err)
		assert.True(t, entry.Action.Disabled(), key)
	}
	assert.Empty(t, f.authority.submitted())
}

func TestDrainQueue_Budget(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	ticking := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(10 * time.Second)
		return now
	}
	f := newFixture(t, WithClock(ticking))
	ctx := context.Background()
	_, err := f.engine.Submit(ctx, f.taxpayer, invoice(testConsecutive), false)
	require.NoError(t, err)

	outcomes, err := f.engine.DrainQueue(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.authority.submitted())

	outcomes, err = f.engine.DrainQueue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestDrainQueue_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.queued(t, testConsecutive)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := f.engine.DrainQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.authority.submitted())
}
