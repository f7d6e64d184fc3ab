// Package config handles configuration loading for the facturador service.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). A .env file next to the
// working directory, when present, is loaded into the environment first so
// credentials can live outside the YAML.
//
// # Configuration Sections
//
//   - server: callback listener address and throttle
//   - storage: database driver (postgres, mongodb or memory)
//   - archive: document archive backend (local, minio or gridfs)
//   - ratelimit: ledger backend and production persistence
//   - authority: API timeouts and environment overrides
//   - callback: public callback URL and token signing key
//   - events: RabbitMQ publishing of dispositions
//   - sender: queue worker interval and budget
//   - security: master key sealing taxpayer credentials
//   - logging: level and format
//   - observability: Prometheus and OpenTelemetry
//
// # Example Configuration
//
//	server:
//	  address: ":8080"
//
//	storage:
//	  driver: postgres
//	  dsn: ${DATABASE_URL}
//
//	archive:
//	  driver: minio
//	  minio:
//	    endpoint: minio:9000
//	    accessKeyId: ${MINIO_ACCESS_KEY}
//	    secretAccessKey: ${MINIO_SECRET_KEY}
//	    bucket: comprobantes
//
//	callback:
//	  url: https://facturas.example.com/callback
//	  signingKey: ${CALLBACK_SIGNING_KEY}
//
//	security:
//	  masterKey: ${FACTURADOR_MASTER_KEY}
//	  supplierTrustRoots: /etc/facturador/ca-sinpe.pem
//
// See [Load] for loading configuration from a file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/josiasmc/facturador-electronico-cr/internal/logging"
	"github.com/josiasmc/facturador-electronico-cr/internal/observability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Archive       ArchiveConfig       `yaml:"archive"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Authority     AuthorityConfig     `yaml:"authority"`
	Callback      CallbackConfig      `yaml:"callback"`
	Events        EventsConfig        `yaml:"events"`
	Sender        SenderConfig        `yaml:"sender"`
	Security      SecurityConfig      `yaml:"security"`
	Logging       logging.Config      `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// Callback requests per second accepted before answering 429
	CallbackRate  float64 `yaml:"callbackRate" validate:"gte=0"`
	CallbackBurst int     `yaml:"callbackBurst" validate:"gte=0"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Driver  string        `yaml:"driver" validate:"oneof=postgres mongodb memory"`
	DSN     string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int32  `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// ArchiveConfig selects where signed documents and responses are kept
type ArchiveConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=local minio gridfs memory"`
	Root   string      `yaml:"root" validate:"required_if=Driver local"`
	MinIO  MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds object storage settings
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UseSSL          bool   `yaml:"useSSL"`
	Bucket          string `yaml:"bucket"`
	Location        string `yaml:"location"`
}

// RateLimitConfig selects the ledger backend
type RateLimitConfig struct {
	// Ledger is "store" (the configured database) or "redis"
	Ledger string      `yaml:"ledger" validate:"oneof=store redis"`
	Redis  RedisConfig `yaml:"redis"`
	// PersistProduction also records ledger events for production taxpayers
	PersistProduction bool `yaml:"persistProduction"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthorityConfig holds settings of the authority's API
type AuthorityConfig struct {
	TokenTimeout time.Duration          `yaml:"tokenTimeout"`
	APITimeout   time.Duration          `yaml:"apiTimeout"`
	Environments []hacienda.Environment `yaml:"environments" validate:"dive"`
}

// CallbackConfig holds settings of the callback sent with every submission
type CallbackConfig struct {
	// URL is sent as callbackUrl; the document token is appended as a
	// query parameter. Empty disables callbacks.
	URL string `yaml:"url" validate:"omitempty,url"`
	// SigningKey, when set, wraps callback tokens in an HS256 JWT
	SigningKey string        `yaml:"signingKey"`
	TokenTTL   time.Duration `yaml:"tokenTTL"`
}

// EventsConfig holds disposition event publishing settings
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url" validate:"required_if=Enabled true"`
	Exchange string `yaml:"exchange"`
}

// SenderConfig holds queue worker settings
type SenderConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Budget bounds the wall-clock time of one pass over the queue
	Budget time.Duration `yaml:"budget"`
	// Lease is how long a claimed entry stays invisible to other workers
	Lease time.Duration `yaml:"lease"`
}

// SecurityConfig holds credential sealing settings
type SecurityConfig struct {
	MasterKey string `yaml:"masterKey" validate:"required"`
	// MaxCachedCredentials bounds the parsed keystores kept in memory
	MaxCachedCredentials int `yaml:"maxCachedCredentials" validate:"gte=0"`
	// SupplierTrustRoots is a PEM bundle of the CAs allowed to sign
	// received documents. Empty accepts any certificate with a valid
	// signature.
	SupplierTrustRoots string `yaml:"supplierTrustRoots"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Tracing observability.Config `yaml:"tracing"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Catalog returns the default environments with the configured overrides.
func (c *Config) Catalog() hacienda.Catalog {
	catalog := hacienda.DefaultCatalog()
	for _, env := range c.Authority.Environments {
		catalog.Override(env)
	}
	return catalog
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.CallbackRate == 0 {
		c.Server.CallbackRate = 20
	}
	if c.Server.CallbackBurst == 0 {
		c.Server.CallbackBurst = 40
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "facturador"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "archive"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "local"
	}
	if c.Archive.Driver == "local" && c.Archive.Root == "" {
		c.Archive.Root = "comprobantes"
	}
	if c.Archive.MinIO.Bucket == "" {
		c.Archive.MinIO.Bucket = "comprobantes"
	}
	if c.RateLimit.Ledger == "" {
		c.RateLimit.Ledger = "store"
	}
	if c.Authority.TokenTimeout == 0 {
		c.Authority.TokenTimeout = hacienda.DefaultTokenTimeout
	}
	if c.Authority.APITimeout == 0 {
		c.Authority.APITimeout = 30 * time.Second
	}
	if c.Callback.TokenTTL == 0 {
		c.Callback.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Sender.Interval == 0 {
		c.Sender.Interval = time.Minute
	}
	if c.Sender.Budget == 0 {
		c.Sender.Budget = 50 * time.Second
	}
	if c.Sender.Lease == 0 {
		c.Sender.Lease = 2 * time.Minute
	}
	if c.Security.MaxCachedCredentials == 0 {
		c.Security.MaxCachedCredentials = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Tracing.SampleRatio == 0 {
		c.Observability.Tracing.SampleRatio = 1
	}
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Storage.Driver == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("storage.mongodb.uri is required when driver is 'mongodb'")
	}
	if c.Archive.Driver == "gridfs" && c.Storage.Driver != "mongodb" {
		return fmt.Errorf("archive.driver 'gridfs' requires storage.driver 'mongodb'")
	}
	if c.Archive.Driver == "minio" && c.Archive.MinIO.Endpoint == "" {
		return fmt.Errorf("archive.minio.endpoint is required when driver is 'minio'")
	}
	if c.RateLimit.Ledger == "redis" && c.RateLimit.Redis.Address == "" {
		return fmt.Errorf("ratelimit.redis.address is required when ledger is 'redis'")
	}
	for _, env := range c.Authority.Environments {
		if env.ID == 0 {
			return fmt.Errorf("authority.environments: id is required")
		}
	}
	return nil
}
