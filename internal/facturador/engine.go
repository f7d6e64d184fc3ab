package facturador

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/archive"
	"github.com/josiasmc/facturador-electronico-cr/internal/events"
	"github.com/josiasmc/facturador-electronico-cr/internal/keystore"
	"github.com/josiasmc/facturador-electronico-cr/internal/metrics"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
)

const tracerName = "github.com/josiasmc/facturador-electronico-cr/internal/facturador"

// Store is the part of the storage layer the engine uses.
type Store interface {
	storage.DocumentStore
	storage.QueueStore
}

// Issuers resolves registered taxpayers.
type Issuers interface {
	keystore.CredentialSource
	// Environment returns the tax id and the API environment of a
	// taxpayer, or keystore.ErrTaxpayerNotFound.
	Environment(ctx context.Context, taxpayerID int64) (string, hacienda.Environment, error)
}

// RateGate is the part of the rate limiter used around authority calls.
type RateGate interface {
	CanSubmit(ctx context.Context, taxpayerID int64) bool
	CanQuery(ctx context.Context, taxpayerID int64) bool
	Register(ctx context.Context, taxpayerID int64, c ratelimit.Category) error
}

// TokenSource hands out bearer tokens.
type TokenSource interface {
	GetToken(ctx context.Context, taxpayerID int64) (string, error)
}

// Authority is the reception API.
type Authority interface {
	Submit(ctx context.Context, env hacienda.Environment, bearer string, s *hacienda.Submission) error
	Status(ctx context.Context, env hacienda.Environment, bearer, clave, consecutivoReceptor string) (*hacienda.Status, error)
}

// Dependencies are the collaborators of an Engine. All fields are required.
type Dependencies struct {
	Store     Store
	Archive   *archive.Archive
	Issuers   Issuers
	Limiter   RateGate
	Tokens    TokenSource
	Authority Authority
}

// Engine runs document operations.
type Engine struct {
	store     Store
	archive   *archive.Archive
	issuers   Issuers
	limiter   RateGate
	tokens    TokenSource
	authority Authority

	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     metrics.Recorder
	publisher   events.Publisher
	now         func() time.Time
	schedule    reliability.Schedule
	lease       time.Duration
	random      clave.RandomSource
	signerOpts  []security.SignerOption
	suppliers   security.CertificateValidator
	callbackURL string
	callbacks   *CallbackTokens
	inFlight    *reliability.Tracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets where disposition events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSchedule replaces the retry schedule.
func WithSchedule(s reliability.Schedule) Option {
	return func(e *Engine) { e.schedule = s }
}

// WithLease sets how long a claimed queue entry is hidden from other
// workers.
func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.lease = d }
}

// WithRandom replaces the source of key security codes.
func WithRandom(r clave.RandomSource) Option {
	return func(e *Engine) { e.random = r }
}

// WithSignerOptions passes options to every document signer.
func WithSignerOptions(opts ...security.SignerOption) Option {
	return func(e *Engine) { e.signerOpts = append(e.signerOpts, opts...) }
}

// WithSupplierTrust makes Receive accept supplier documents only when
// their signing certificate passes v. Without it only the signature itself
// is checked.
func WithSupplierTrust(v security.CertificateValidator) Option {
	return func(e *Engine) { e.suppliers = v }
}

// WithCallback sends callbackURL with every submission, carrying a token
// issued by tokens. A nil tokens issues plain tokens.
func WithCallback(callbackURL string, tokens *CallbackTokens) Option {
	return func(e *Engine) {
		e.callbackURL = callbackURL
		if tokens != nil {
			e.callbacks = tokens
		}
	}
}

// New creates an engine.
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("facturador: store is required")
	case deps.Archive == nil:
		return nil, errors.New("facturador: archive is required")
	case deps.Issuers == nil:
		return nil, errors.New("facturador: issuer directory is required")
	case deps.Limiter == nil:
		return nil, errors.New("facturador: rate limiter is required")
	case deps.Tokens == nil:
		return nil, errors.New("facturador: token source is required")
	case deps.Authority == nil:
		return nil, errors.New("facturador: authority client is required")
	}

	e := &Engine{
		store:     deps.Store,
		archive:   deps.Archive,
		issuers:   deps.Issuers,
		limiter:   deps.Limiter,
		tokens:    deps.Tokens,
		authority: deps.Authority,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		metrics:   (*metrics.Metrics)(nil),
		publisher: events.Noop{},
		now:       time.Now,
		schedule:  reliability.DefaultSchedule,
		lease:     2 * time.Minute,
		random:    clave.CryptoRandom,
		callbacks: NewCallbackTokens(nil, 0),
		inFlight:  reliability.NewTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.callbacks.now == nil {
		e.callbacks.now = e.now
	}
	return e, nil
}

// publish records a state change and emits its event. Delivery failures
// are logged only.
func (e *Engine) publish(ctx context.Context, d *Document) {
	e.metrics.StateChange(d.Direction.String(), d.State.String())

	ev := events.DispositionEvent{
		TaxpayerID: d.TaxpayerID,
		Key:        d.Key,
		Direction:  d.Direction.String(),
		State:      int(d.State),
		StateName:  d.State.StatusName(),
		Message:    d.Message,
		At:         e.now(),
	}
	if d.State == reliability.StateQueuedWithSendError {
		ev.StateName = "error"
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("publishing disposition event failed",
			zap.String("clave", d.Key),
			zap.String("direction", d.Direction.String()),
			zap.Error(err))
	}
}
