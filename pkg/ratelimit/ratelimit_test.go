package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profiles map[int64]Profile

func (p profiles) RateProfile(_ context.Context, id int64) (Profile, bool, error) {
	prof, ok := p[id]
	return prof, ok, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

const (
	stagingID    = 1
	productionID = 2
	unknownID    = 99
)

func newTestLimiter(opts ...Option) (*Limiter, *MemoryLedger, *clock) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	src := profiles{
		stagingID:    {TaxID: "603960916", Production: false},
		productionID: {TaxID: "3101123456", Production: true},
	}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return New(ledger, src, opts...), ledger, clk
}

func register(t *testing.T, l *Limiter, id int64, c Category, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Register(context.Background(), id, c))
	}
}

func TestLimiter_SubmitLimit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter()

	assert.True(t, l.CanSubmit(ctx, stagingID))
	register(t, l, stagingID, PostAccepted, 99)
	assert.True(t, l.CanSubmit(ctx, stagingID))
	register(t, l, stagingID, PostAccepted, 1)
	assert.False(t, l.CanSubmit(ctx, stagingID))

	// Queries use other categories.
	assert.True(t, l.CanQuery(ctx, stagingID))
}

func TestLimiter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newTestLimiter()

	register(t, l, stagingID, PostAuthFailure, 5)
	assert.False(t, l.CanSubmit(ctx, stagingID))

	// Still inside the window after the cache expires.
	clk.advance(30 * time.Second)
	assert.False(t, l.CanSubmit(ctx, stagingID))

	clk.advance(31 * time.Second)
	assert.True(t, l.CanSubmit(ctx, stagingID))
}

func TestLimiter_CacheRebuiltFromLedger(t *testing.T) {
	ctx := context.Background()
	l, ledger, clk := newTestLimiter()

	register(t, l, stagingID, GetFailed, 20)
	assert.False(t, l.CanQuery(ctx, stagingID))
	assert.Equal(t, 20, ledger.Len("603960916"))

	// A second limiter over the same ledger sees the same state.
	other := New(ledger, profiles{stagingID: {TaxID: "603960916"}}, WithClock(clk.now))
	assert.False(t, other.CanQuery(ctx, stagingID))

	remaining, err := other.Remaining(ctx, stagingID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining[GetFailed])
	assert.Equal(t, 280, remaining[Requests])
}

func TestLimiter_RegisterAfterRestart(t *testing.T) {
	ctx := context.Background()
	l, ledger, clk := newTestLimiter()
	register(t, l, stagingID, PostRejected, 9)

	// A new process whose first call is Register, not a check.
	restarted := New(ledger, profiles{stagingID: {TaxID: "603960916"}}, WithClock(clk.now))
	require.NoError(t, restarted.Register(ctx, stagingID, PostRejected))
	assert.Equal(t, 10, ledger.Len("603960916"))
	assert.False(t, restarted.CanSubmit(ctx, stagingID))

	remaining, err := restarted.Remaining(ctx, stagingID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining[PostRejected])
	assert.Equal(t, 290, remaining[Requests])
}

func TestLimiter_Production(t *testing.T) {
	ctx := context.Background()
	l, ledger, _ := newTestLimiter()

	// Accepted submissions are not limited in production.
	register(t, l, productionID, PostAccepted, 150)
	assert.True(t, l.CanSubmit(ctx, productionID))
	assert.True(t, l.CanQuery(ctx, productionID))
	assert.Equal(t, 0, ledger.Len("3101123456"), "production events are not persisted")

	// Structural errors are limited everywhere.
	register(t, l, productionID, PostRejected, 10)
	assert.False(t, l.CanSubmit(ctx, productionID))

	register(t, l, productionID, TokenAuthFailure, 5)
	assert.False(t, l.CanRequestToken(ctx, productionID))
}

func TestLimiter_PersistProduction(t *testing.T) {
	l, ledger, _ := newTestLimiter(WithPersistProduction(true))
	register(t, l, productionID, PostRejected, 3)
	assert.Equal(t, 3, ledger.Len("3101123456"))
}

func TestLimiter_TokenLimit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter()

	for i := 0; i < 10; i++ {
		require.True(t, l.CanRequestToken(ctx, stagingID), "request %d", i)
		register(t, l, stagingID, TokenRequest, 1)
	}
	assert.False(t, l.CanRequestToken(ctx, stagingID))
}

func TestLimiter_UnknownTaxpayer(t *testing.T) {
	ctx := context.Background()
	l, ledger, _ := newTestLimiter()

	register(t, l, unknownID, PostAuthFailure, 50)
	assert.True(t, l.CanSubmit(ctx, unknownID))
	assert.True(t, l.CanQuery(ctx, unknownID))
	assert.True(t, l.CanRequestToken(ctx, unknownID))
	assert.Equal(t, 0, ledger.Len(""))
}

func TestLimiter_UnknownCategory(t *testing.T) {
	l, _, _ := newTestLimiter()
	err := l.Register(context.Background(), stagingID, Category(3))
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

type failingLedger struct{ MemoryLedger }

func (f *failingLedger) CountSince(context.Context, string, time.Time) (map[Category]int, error) {
	return nil, errors.New("connection refused")
}

func TestLimiter_LedgerFailureDenies(t *testing.T) {
	l := New(&failingLedger{}, profiles{stagingID: {TaxID: "603960916"}})
	assert.False(t, l.CanSubmit(context.Background(), stagingID))
}

func TestLimiter_Forget(t *testing.T) {
	ctx := context.Background()
	src := profiles{stagingID: {TaxID: "603960916"}}
	ledger := NewMemoryLedger()
	l := New(ledger, src)

	require.NoError(t, l.Register(ctx, stagingID, PostAccepted))
	assert.Equal(t, 1, ledger.Len("603960916"))

	src[stagingID] = Profile{TaxID: "603960916", Production: true}
	l.Forget(stagingID)
	require.NoError(t, l.Register(ctx, stagingID, PostAccepted))
	assert.Equal(t, 1, ledger.Len("603960916"))
}
