package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

const defaultMaxCached = 100

// Provider resolves taxpayer credentials from the taxpayer store.
//
// Parsed keystores are cached per taxpayer until their certificate
// expires, bounded by a maximum number of entries.
type Provider struct {
	store     storage.TaxpayerStore
	sealer    *Sealer
	catalog   hacienda.Catalog
	maxCached int
	now       func() time.Time
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[int64]*cachedCredential
}

type cachedCredential struct {
	cred      *security.Credential
	expiresAt time.Time
}

var (
	_ CredentialSource        = (*Provider)(nil)
	_ token.AccountSource     = (*Provider)(nil)
	_ ratelimit.ProfileSource = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClock sets the time source used for certificate expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithMaxCached bounds the number of cached credentials.
func WithMaxCached(n int) Option {
	return func(p *Provider) { p.maxCached = n }
}

// NewProvider creates a provider.
func NewProvider(store storage.TaxpayerStore, sealer *Sealer, catalog hacienda.Catalog, opts ...Option) *Provider {
	p := &Provider{
		store:     store,
		sealer:    sealer,
		catalog:   catalog,
		maxCached: defaultMaxCached,
		now:       time.Now,
		logger:    zap.NewNop(),
		cache:     make(map[int64]*cachedCredential),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.catalog == nil {
		p.catalog = hacienda.DefaultCatalog()
	}
	return p
}

func aad(taxID, field string) []byte {
	return []byte(taxID + "/" + field)
}

func (p *Provider) seal(taxID, field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	return p.sealer.Seal([]byte(value), aad(taxID, field))
}

func (p *Provider) open(taxID, field string, sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	plain, err := p.sealer.Open(sealed, aad(taxID, field))
	if err != nil {
		return "", fmt.Errorf("opening %s of %s: %w", field, taxID, err)
	}
	return string(plain), nil
}

// Register validates a registration and stores a new taxpayer. The
// keystore must open with the PIN and hold a certificate valid now.
func (p *Provider) Register(ctx context.Context, r Registration) (*storage.Taxpayer, error) {
	t := &storage.Taxpayer{ClientID: r.ClientID}
	if err := p.apply(t, r); err != nil {
		return nil, err
	}
	if err := p.store.CreateTaxpayer(ctx, t); err != nil {
		return nil, fmt.Errorf("storing taxpayer: %w", err)
	}
	p.logger.Info("Registered taxpayer",
		zap.Int64("taxpayer_id", t.ID),
		zap.String("tax_id", t.TaxID),
		zap.Int("environment_id", t.EnvironmentID))
	return t, nil
}

// Update replaces the settings of a registered taxpayer. Empty fields of r
// keep their stored value; a new keystore requires its PIN.
func (p *Provider) Update(ctx context.Context, taxpayerID int64, r Registration) error {
	t, err := p.taxpayer(ctx, taxpayerID)
	if err != nil {
		return err
	}

	if r.TaxID == "" {
		r.TaxID = t.TaxID
	}
	if r.EnvironmentID == 0 {
		r.EnvironmentID = t.EnvironmentID
	}
	if r.Username == "" {
		if r.Username, err = p.open(t.TaxID, "username", t.Username); err != nil {
			return err
		}
	}
	if r.Password == "" {
		if r.Password, err = p.open(t.TaxID, "password", t.Password); err != nil {
			return err
		}
	}
	if len(r.Keystore) == 0 {
		r.Keystore = t.Keystore
		if r.PIN == "" {
			if r.PIN, err = p.open(t.TaxID, "pin", t.PIN); err != nil {
				return err
			}
		}
	}
	if r.ClientID != "" {
		t.ClientID = r.ClientID
	}

	if err := p.apply(t, r); err != nil {
		return err
	}
	if err := p.store.UpdateTaxpayer(ctx, t); err != nil {
		return fmt.Errorf("updating taxpayer: %w", err)
	}
	p.Forget(taxpayerID)
	return nil
}

func (p *Provider) apply(t *storage.Taxpayer, r Registration) error {
	if r.TaxID == "" {
		return errors.New("tax id is required")
	}
	if _, err := p.catalog.Lookup(r.EnvironmentID); err != nil {
		return err
	}
	if len(r.Keystore) > 0 {
		cred, err := security.LoadPKCS12(r.Keystore, r.PIN)
		if err != nil {
			return err
		}
		if err := cred.CheckValidity(p.now()); err != nil {
			return err
		}
	}

	var err error
	t.TaxID = r.TaxID
	t.EnvironmentID = r.EnvironmentID
	t.Keystore = r.Keystore
	if t.Username, err = p.seal(r.TaxID, "username", r.Username); err != nil {
		return err
	}
	if t.Password, err = p.seal(r.TaxID, "password", r.Password); err != nil {
		return err
	}
	if t.PIN, err = p.seal(r.TaxID, "pin", r.PIN); err != nil {
		return err
	}
	return nil
}

func (p *Provider) taxpayer(ctx context.Context, id int64) (*storage.Taxpayer, error) {
	t, err := p.store.GetTaxpayer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTaxpayerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Credential returns the parsed keystore of a taxpayer.
func (p *Provider) Credential(ctx context.Context, taxpayerID int64) (*security.Credential, error) {
	now := p.now()

	p.mu.RLock()
	cached, ok := p.cache[taxpayerID]
	p.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.cred, nil
	}

	t, err := p.taxpayer(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}
	if len(t.Keystore) == 0 {
		return nil, fmt.Errorf("%w: taxpayer %d has no keystore", security.ErrInvalidCredential, taxpayerID)
	}
	pin, err := p.open(t.TaxID, "pin", t.PIN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrInvalidCredential, err)
	}
	cred, err := security.LoadPKCS12(t.Keystore, pin)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if len(p.cache) >= p.maxCached {
		p.evictOldest()
	}
	p.cache[taxpayerID] = &cachedCredential{cred: cred, expiresAt: cred.NotAfter()}
	p.mu.Unlock()

	p.logger.Debug("Loaded keystore",
		zap.Int64("taxpayer_id", taxpayerID),
		zap.Time("not_after", cred.NotAfter()))
	return cred, nil
}

// Forget drops the cached credential of a taxpayer.
func (p *Provider) Forget(taxpayerID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, taxpayerID)
}

func (p *Provider) evictOldest() {
	var oldestID int64
	var oldest time.Time
	found := false
	for id, c := range p.cache {
		if !found || c.expiresAt.Before(oldest) {
			oldestID, oldest, found = id, c.expiresAt, true
		}
	}
	if found {
		delete(p.cache, oldestID)
	}
}

// Environment returns the tax id and environment of a taxpayer.
func (p *Provider) Environment(ctx context.Context, taxpayerID int64) (string, hacienda.Environment, error) {
	t, err := p.taxpayer(ctx, taxpayerID)
	if err != nil {
		return "", hacienda.Environment{}, err
	}
	env, err := p.catalog.Lookup(t.EnvironmentID)
	if err != nil {
		return "", hacienda.Environment{}, err
	}
	return t.TaxID, env, nil
}

// Account returns the identity provider account of a taxpayer.
func (p *Provider) Account(ctx context.Context, taxpayerID int64) (*token.Account, error) {
	t, err := p.taxpayer(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}
	if len(t.Username) == 0 || len(t.Password) == 0 {
		return nil, token.ErrNoCredentials
	}
	env, err := p.catalog.Lookup(t.EnvironmentID)
	if err != nil {
		return nil, err
	}
	username, err := p.open(t.TaxID, "username", t.Username)
	if err != nil {
		return nil, err
	}
	password, err := p.open(t.TaxID, "password", t.Password)
	if err != nil {
		return nil, err
	}
	return &token.Account{
		TaxID:       t.TaxID,
		Environment: env,
		Username:    username,
		Password:    password,
	}, nil
}

// RateProfile reports the tax id and environment kind used by the rate
// limiter. Taxpayers that are unknown or point to an unknown environment
// are reported as not found.
func (p *Provider) RateProfile(ctx context.Context, taxpayerID int64) (ratelimit.Profile, bool, error) {
	t, err := p.store.GetTaxpayer(ctx, taxpayerID)
	if errors.Is(err, storage.ErrNotFound) {
		return ratelimit.Profile{}, false, nil
	}
	if err != nil {
		return ratelimit.Profile{}, false, err
	}
	env, err := p.catalog.Lookup(t.EnvironmentID)
	if err != nil {
		return ratelimit.Profile{}, false, nil
	}
	return ratelimit.Profile{TaxID: t.TaxID, Production: env.Production}, true, nil
}
