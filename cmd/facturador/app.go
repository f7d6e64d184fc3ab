package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/archive"
	"github.com/josiasmc/facturador-electronico-cr/internal/config"
	"github.com/josiasmc/facturador-electronico-cr/internal/events"
	"github.com/josiasmc/facturador-electronico-cr/internal/facturador"
	"github.com/josiasmc/facturador-electronico-cr/internal/keystore"
	"github.com/josiasmc/facturador-electronico-cr/internal/logging"
	"github.com/josiasmc/facturador-electronico-cr/internal/metrics"
	"github.com/josiasmc/facturador-electronico-cr/internal/observability"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage/memory"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage/mongodb"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage/postgres"
	"github.com/josiasmc/facturador-electronico-cr/internal/storage/redisledger"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/security"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
	"github.com/josiasmc/facturador-electronico-cr/pkg/transport"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    storage.Store
	provider *keystore.Provider
	engine   *facturador.Engine

	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// newApp loads the configuration and builds the logger only.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// build wires storage, credentials and the engine. On error the caller
// still has to Close the app.
func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	shutdownTracing, err := observability.Setup(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	a.onClose(shutdownTracing)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return err
	}
	arc, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	ledger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}

	sealer, err := keystore.NewSealerFromConfig(cfg.Security.MasterKey)
	if err != nil {
		return err
	}
	a.provider = keystore.NewProvider(a.store, sealer, cfg.Catalog(),
		keystore.WithLogger(a.logger.Named("keystore")),
		keystore.WithMaxCached(cfg.Security.MaxCachedCredentials))

	limiter := ratelimit.New(ledger, a.provider,
		ratelimit.WithPersistProduction(cfg.RateLimit.PersistProduction),
		ratelimit.WithLogger(a.logger.Named("ratelimit")))

	client := hacienda.NewClient(transport.NewHTTPSClient(nil),
		hacienda.WithTokenTimeout(cfg.Authority.TokenTimeout),
		hacienda.WithAPITimeout(cfg.Authority.APITimeout))

	tokens := token.NewCache(a.store, a.provider, limiter, client,
		token.WithLogger(a.logger.Named("token")),
		token.WithObserver(m.TokenRequest))

	publisher, err := a.openPublisher()
	if err != nil {
		return err
	}

	opts := []facturador.Option{
		facturador.WithLogger(a.logger.Named("engine")),
		facturador.WithMetrics(m),
		facturador.WithPublisher(publisher),
		facturador.WithLease(cfg.Sender.Lease),
	}
	if cfg.Security.SupplierTrustRoots != "" {
		roots, err := loadRoots(cfg.Security.SupplierTrustRoots)
		if err != nil {
			return err
		}
		opts = append(opts, facturador.WithSupplierTrust(security.NewPoolValidator(roots)))
	}
	if cfg.Callback.URL != "" {
		var callbackTokens *facturador.CallbackTokens
		if cfg.Callback.SigningKey != "" {
			callbackTokens = facturador.NewCallbackTokens([]byte(cfg.Callback.SigningKey), cfg.Callback.TokenTTL)
		}
		opts = append(opts, facturador.WithCallback(cfg.Callback.URL, callbackTokens))
	}

	a.engine, err = facturador.New(facturador.Dependencies{
		Store:     a.store,
		Archive:   arc,
		Issuers:   a.provider,
		Limiter:   limiter,
		Tokens:    tokens,
		Authority: client,
	}, opts...)
	return err
}

// loadRoots reads a PEM bundle of CA certificates.
func loadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading supplier trust roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.store = postgres.New(pool)
	case "mongodb":
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.MongoDB.URI,
			Database:       cfg.MongoDB.Database,
			GridFSBucket:   cfg.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: cfg.MongoDB.GridFS.ChunkSizeBytes,
		})
		if err != nil {
			return err
		}
		a.store = store
	case "memory":
		a.logger.Warn("using in-memory storage, nothing survives a restart")
		a.store = memory.New()
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	a.onClose(a.store.Close)
	a.logger.Info("storage ready", zap.String("driver", cfg.Driver))
	return nil
}

func (a *app) openArchive(ctx context.Context) (*archive.Archive, error) {
	cfg := a.cfg.Archive
	var backend archive.Store
	switch cfg.Driver {
	case "local":
		local, err := archive.NewLocal(cfg.Root)
		if err != nil {
			return nil, err
		}
		backend = local
	case "minio":
		m, err := archive.NewMinIO(ctx, archive.MinIOConfig{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			Location:        cfg.MinIO.Location,
		})
		if err != nil {
			return nil, err
		}
		backend = m
	case "gridfs":
		mongo, ok := a.store.(*mongodb.Store)
		if !ok {
			return nil, errors.New("gridfs archive requires the mongodb storage driver")
		}
		backend = archive.NewGridFS(mongo.Bucket())
	case "memory":
		backend = archive.NewMemory()
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
	a.logger.Info("archive ready", zap.String("driver", cfg.Driver))
	return archive.New(backend), nil
}

func (a *app) openLedger(ctx context.Context) (ratelimit.Ledger, error) {
	cfg := a.cfg.RateLimit
	if cfg.Ledger != "redis" {
		return a.store, nil
	}
	rdb, err := redisledger.Dial(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return rdb.Close() })
	return redisledger.New(rdb, cfg.Redis.Prefix), nil
}

func (a *app) openPublisher() (events.Publisher, error) {
	cfg := a.cfg.Events
	if !cfg.Enabled {
		return events.Noop{}, nil
	}
	p, err := events.DialAMQP(events.AMQPConfig{URL: cfg.URL, Exchange: cfg.Exchange}, a.logger.Named("events"))
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return p.Close() })
	return p, nil
}
