package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category is a kind of authority transaction. The values are stored in
// the ledger.
type Category int

const (
	Requests         Category = 0   // any call
	PostAccepted     Category = 1   // submission answered 202
	PostAuthFailure  Category = 2   // submission answered 401/403
	PostRejected     Category = 4   // submission answered another 4xx
	GetOK            Category = 8   // status query answered 200
	GetFailed        Category = 16  // status query answered 4xx
	TokenOK          Category = 32  // token request answered 200
	TokenAuthFailure Category = 64  // token request answered 4xx
	TokenRequest     Category = 128 // token request attempted
)

// Categories lists every category.
var Categories = []Category{
	Requests, PostAccepted, PostAuthFailure, PostRejected,
	GetOK, GetFailed, TokenOK, TokenAuthFailure, TokenRequest,
}

// Limits maps each category to its allowance per window.
type Limits map[Category]int

// DefaultLimits are the published per-minute limits.
func DefaultLimits() Limits {
	return Limits{
		Requests:         300,
		PostAccepted:     100,
		PostAuthFailure:  5,
		PostRejected:     10,
		GetOK:            100,
		GetFailed:        20,
		TokenOK:          10,
		TokenAuthFailure: 5,
		TokenRequest:     10,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := DefaultLimits()[c]
	return ok
}

func (c Category) String() string {
	switch c {
	case Requests:
		return "requests"
	case PostAccepted:
		return "post_202"
	case PostAuthFailure:
		return "post_401_403"
	case PostRejected:
		return "post_40x"
	case GetOK:
		return "get_200"
	case GetFailed:
		return "get_40x"
	case TokenOK:
		return "idp_200"
	case TokenAuthFailure:
		return "idp_401_403"
	case TokenRequest:
		return "idp_request"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

const (
	// Window is the sliding window over which events are counted.
	Window = 60 * time.Second
	// CacheTTL bounds how long cached counts are used before the ledger is
	// read again.
	CacheTTL = 15 * time.Second
)

// ErrUnknownCategory is returned by Register for an undefined category.
var ErrUnknownCategory = errors.New("unknown rate limit category")

// Ledger stores transaction events.
type Ledger interface {
	Append(ctx context.Context, taxID string, c Category, at time.Time) error
	// CountSince returns the number of events per category at or after since.
	CountSince(ctx context.Context, taxID string, since time.Time) (map[Category]int, error)
}

// Profile is what the limiter needs to know about a taxpayer.
type Profile struct {
	TaxID      string
	Production bool
}

// ProfileSource resolves taxpayers. found is false for unknown taxpayers.
type ProfileSource interface {
	RateProfile(ctx context.Context, taxpayerID int64) (p Profile, found bool, err error)
}

type usage struct {
	loaded    time.Time
	remaining Limits
}

// Limiter decides whether a taxpayer may call the authority.
type Limiter struct {
	ledger   Ledger
	profiles ProfileSource
	limits   Limits
	logger   *zap.Logger
	now      func() time.Time

	persistProduction bool

	mu           sync.Mutex
	profileCache map[int64]profileEntry
	usage        map[string]*usage
}

type profileEntry struct {
	profile Profile
	found   bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) { lim.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.now = now }
}

// WithLimits overrides the default limits.
func WithLimits(l Limits) Option {
	return func(lim *Limiter) { lim.limits = l }
}

// WithPersistProduction also appends production events to the ledger, so
// the always-enforced categories hold across processes.
func WithPersistProduction(v bool) Option {
	return func(lim *Limiter) { lim.persistProduction = v }
}

// New creates a limiter.
func New(ledger Ledger, profiles ProfileSource, opts ...Option) *Limiter {
	lim := &Limiter{
		ledger:       ledger,
		profiles:     profiles,
		limits:       DefaultLimits(),
		logger:       zap.NewNop(),
		now:          time.Now,
		profileCache: make(map[int64]profileEntry),
		usage:        make(map[string]*usage),
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// CanSubmit reports whether a document may be posted. In staging the
// request and accepted-submission limits apply; the authentication and
// structural error limits apply everywhere.
func (l *Limiter) CanSubmit(ctx context.Context, taxpayerID int64) bool {
	return l.check(ctx, taxpayerID, "submit",
		[]Category{Requests, PostAccepted},
		[]Category{PostAuthFailure, PostRejected})
}

// CanQuery reports whether a status query may be made. Queries are only
// limited in staging.
func (l *Limiter) CanQuery(ctx context.Context, taxpayerID int64) bool {
	return l.check(ctx, taxpayerID, "query",
		[]Category{Requests, GetOK, GetFailed},
		nil)
}

// CanRequestToken reports whether the identity provider may be called.
func (l *Limiter) CanRequestToken(ctx context.Context, taxpayerID int64) bool {
	return l.check(ctx, taxpayerID, "token",
		[]Category{TokenOK, TokenRequest},
		[]Category{TokenAuthFailure})
}

// Register records a transaction. The cached counts are always
// decremented; the event is written to the ledger for staging taxpayers,
// and for production taxpayers when persistence is enabled.
func (l *Limiter) Register(ctx context.Context, taxpayerID int64, c Category) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	p, found, err := l.profile(ctx, taxpayerID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	// Counts are decremented from what the ledger already holds, not from
	// the full limits.
	if _, err := l.remaining(ctx, p.TaxID); err != nil {
		l.logger.Warn("rate limit ledger read failed",
			zap.String("tax_id", p.TaxID), zap.Error(err))
	}

	now := l.now()
	l.mu.Lock()
	u, ok := l.usage[p.TaxID]
	if !ok {
		u = &usage{loaded: now, remaining: l.copyLimits()}
		l.usage[p.TaxID] = u
	}
	u.remaining[c]--
	u.remaining[Requests]--
	l.mu.Unlock()

	if p.Production && !l.persistProduction {
		return nil
	}
	if err := l.ledger.Append(ctx, p.TaxID, c, now); err != nil {
		return fmt.Errorf("recording %s for %s: %w", c, p.TaxID, err)
	}
	return nil
}

// Remaining returns the remaining allowance of every category.
func (l *Limiter) Remaining(ctx context.Context, taxpayerID int64) (Limits, error) {
	p, found, err := l.profile(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return l.copyLimits(), nil
	}
	return l.remaining(ctx, p.TaxID)
}

// Forget drops cached state of a taxpayer, e.g. after its environment
// changed.
func (l *Limiter) Forget(taxpayerID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.profileCache[taxpayerID]; ok {
		delete(l.usage, e.profile.TaxID)
	}
	delete(l.profileCache, taxpayerID)
}

func (l *Limiter) check(ctx context.Context, taxpayerID int64, op string, staging, always []Category) bool {
	p, found, err := l.profile(ctx, taxpayerID)
	if err != nil {
		l.logger.Warn("rate limit profile lookup failed",
			zap.Int64("taxpayer_id", taxpayerID), zap.Error(err))
		return false
	}
	if !found {
		return true
	}

	remaining, err := l.remaining(ctx, p.TaxID)
	if err != nil {
		l.logger.Warn("rate limit ledger read failed",
			zap.String("tax_id", p.TaxID), zap.Error(err))
		return false
	}

	categories := always
	if !p.Production {
		categories = append(append([]Category{}, staging...), always...)
	}
	for _, c := range categories {
		if remaining[c] <= 0 {
			l.logger.Debug("rate limit reached",
				zap.String("tax_id", p.TaxID),
				zap.String("operation", op),
				zap.Stringer("category", c))
			return false
		}
	}
	return true
}

func (l *Limiter) profile(ctx context.Context, taxpayerID int64) (Profile, bool, error) {
	l.mu.Lock()
	e, ok := l.profileCache[taxpayerID]
	l.mu.Unlock()
	if ok {
		return e.profile, e.found, nil
	}

	p, found, err := l.profiles.RateProfile(ctx, taxpayerID)
	if err != nil {
		return Profile{}, false, fmt.Errorf("loading taxpayer %d: %w", taxpayerID, err)
	}
	if found && p.TaxID == "" {
		found = false
	}

	l.mu.Lock()
	l.profileCache[taxpayerID] = profileEntry{profile: p, found: found}
	l.mu.Unlock()
	return p, found, nil
}

func (l *Limiter) remaining(ctx context.Context, taxID string) (Limits, error) {
	now := l.now()

	l.mu.Lock()
	u, ok := l.usage[taxID]
	if ok && now.Sub(u.loaded) <= CacheTTL {
		out := copyOf(u.remaining)
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	counts, err := l.ledger.CountSince(ctx, taxID, now.Add(-Window))
	if err != nil {
		return nil, err
	}
	fresh := l.copyLimits()
	for c, n := range counts {
		fresh[c] -= n
		fresh[Requests] -= n
	}

	l.mu.Lock()
	l.usage[taxID] = &usage{loaded: now, remaining: fresh}
	l.mu.Unlock()
	return copyOf(fresh), nil
}

func (l *Limiter) copyLimits() Limits {
	return copyOf(l.limits)
}

func copyOf(in Limits) Limits {
	out := make(Limits, len(in))
	for c, n := range in {
		out[c] = n
	}
	return out
}
