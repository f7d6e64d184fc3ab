package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
)

// Margin is the remaining lifetime under which a token is no longer used.
const Margin = 45 * time.Second

// Errors
var (
	ErrQuotaExceeded = errors.New("token request rate limit reached")
	ErrNoCredentials = errors.New("no API credentials on file")
	ErrRejected      = errors.New("identity provider rejected the credentials")
)

// Record is a persisted token pair.
type Record struct {
	TaxID         string
	EnvironmentID int
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// Store persists token records, one per tax id and environment.
type Store interface {
	GetToken(ctx context.Context, taxID string, environmentID int) (rec *Record, found bool, err error)
	UpsertToken(ctx context.Context, rec *Record) error
}

// Account holds what is needed to request a token for a taxpayer.
type Account struct {
	TaxID       string
	Environment hacienda.Environment
	Username    string
	Password    string
}

// AccountSource resolves taxpayer API accounts. It returns ErrNoCredentials
// when the taxpayer has none.
type AccountSource interface {
	Account(ctx context.Context, taxpayerID int64) (*Account, error)
}

// Gate is the part of the rate limiter used for token requests.
type Gate interface {
	CanRequestToken(ctx context.Context, taxpayerID int64) bool
	Register(ctx context.Context, taxpayerID int64, c ratelimit.Category) error
}

// Requester performs token grants.
type Requester interface {
	RequestToken(ctx context.Context, env hacienda.Environment, form url.Values) (*hacienda.TokenResponse, error)
}

// Cache hands out valid access tokens.
type Cache struct {
	store    Store
	accounts AccountSource
	gate     Gate
	idp      Requester
	logger   *zap.Logger
	now      func() time.Time
	observe  func(outcome string)

	locks sync.Map // taxpayer id -> *sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver is called with the outcome of every grant request: ok,
// rejected, error or quota.
func WithObserver(fn func(outcome string)) Option {
	return func(c *Cache) { c.observe = fn }
}

// NewCache creates a token cache.
func NewCache(store Store, accounts AccountSource, gate Gate, idp Requester, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		accounts: accounts,
		gate:     gate,
		idp:      idp,
		logger:   zap.NewNop(),
		now:      time.Now,
		observe:  func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observe == nil {
		c.observe = func(string) {}
	}
	return c
}

// GetToken returns a bearer token for the taxpayer.
func (c *Cache) GetToken(ctx context.Context, taxpayerID int64) (string, error) {
	mu := c.lock(taxpayerID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := c.accounts.Account(ctx, taxpayerID)
	if err != nil {
		return "", err
	}
	logger := c.logger.With(zap.Int64("taxpayer_id", taxpayerID), zap.String("tax_id", acct.TaxID))

	rec, found, err := c.store.GetToken(ctx, acct.TaxID, acct.Environment.ID)
	if err != nil {
		return "", fmt.Errorf("loading token of %s: %w", acct.TaxID, err)
	}
	if found {
		if c.valid(rec.AccessExpiry) {
			return rec.AccessToken, nil
		}
		if c.valid(rec.RefreshExpiry) {
			return c.refresh(ctx, taxpayerID, acct, rec.RefreshToken, logger)
		}
	}
	return c.newToken(ctx, taxpayerID, acct, logger)
}

// Valid reports whether a token expiring at expiry is still usable at now.
func Valid(expiry, now time.Time) bool {
	return expiry.Sub(now) > Margin
}

func (c *Cache) valid(expiry time.Time) bool {
	return Valid(expiry, c.now())
}

func (c *Cache) newToken(ctx context.Context, taxpayerID int64, acct *Account, logger *zap.Logger) (string, error) {
	if acct.Username == "" || acct.Password == "" {
		return "", ErrNoCredentials
	}
	resp, err := c.request(ctx, taxpayerID, acct, hacienda.PasswordGrant(acct.Environment, acct.Username, acct.Password))
	if err != nil {
		if errors.Is(err, ErrRejected) {
			logger.Info("identity provider rejected password grant", zap.Error(err))
		}
		return "", err
	}
	logger.Debug("new token issued")
	return c.save(ctx, acct, resp)
}

func (c *Cache) refresh(ctx context.Context, taxpayerID int64, acct *Account, refreshToken string, logger *zap.Logger) (string, error) {
	resp, err := c.request(ctx, taxpayerID, acct, hacienda.RefreshGrant(acct.Environment, refreshToken))
	if errors.Is(err, ErrRejected) {
		logger.Info("refresh grant rejected, requesting a new token", zap.Error(err))
		return c.newToken(ctx, taxpayerID, acct, logger)
	}
	if err != nil {
		return "", err
	}
	logger.Debug("token refreshed")
	return c.save(ctx, acct, resp)
}

func (c *Cache) request(ctx context.Context, taxpayerID int64, acct *Account, form url.Values) (*hacienda.TokenResponse, error) {
	if !c.gate.CanRequestToken(ctx, taxpayerID) {
		c.observe("quota")
		return nil, ErrQuotaExceeded
	}
	c.register(ctx, taxpayerID, ratelimit.TokenRequest)

	resp, err := c.idp.RequestToken(ctx, acct.Environment, form)
	if err != nil {
		if se, ok := hacienda.AsStatusError(err); ok && !se.IsServer() {
			c.register(ctx, taxpayerID, ratelimit.TokenAuthFailure)
			c.observe("rejected")
			return nil, fmt.Errorf("%w: %v", ErrRejected, se)
		}
		c.observe("error")
		return nil, err
	}
	c.register(ctx, taxpayerID, ratelimit.TokenOK)
	c.observe("ok")
	return resp, nil
}

func (c *Cache) register(ctx context.Context, taxpayerID int64, cat ratelimit.Category) {
	if err := c.gate.Register(ctx, taxpayerID, cat); err != nil {
		c.logger.Warn("failed to register token transaction",
			zap.Int64("taxpayer_id", taxpayerID), zap.Stringer("category", cat), zap.Error(err))
	}
}

func (c *Cache) save(ctx context.Context, acct *Account, resp *hacienda.TokenResponse) (string, error) {
	now := c.now()
	rec := &Record{
		TaxID:         acct.TaxID,
		EnvironmentID: acct.Environment.ID,
		AccessToken:   resp.AccessToken,
		AccessExpiry:  now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshToken:  resp.RefreshToken,
		RefreshExpiry: now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second),
	}
	if err := c.store.UpsertToken(ctx, rec); err != nil {
		return "", fmt.Errorf("saving token of %s: %w", acct.TaxID, err)
	}
	return rec.AccessToken, nil
}

func (c *Cache) lock(taxpayerID int64) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(taxpayerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
}

type memoryKey struct {
	taxID string
	env   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]Record)}
}

func (m *MemoryStore) GetToken(_ context.Context, taxID string, environmentID int) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[memoryKey{taxID, environmentID}]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (m *MemoryStore) UpsertToken(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[memoryKey{rec.TaxID, rec.EnvironmentID}] = *rec
	return nil
}
