package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
)

const minimal = `
storage:
  driver: memory
archive:
  driver: memory
security:
  masterKey: ${TEST_MASTER_KEY}
`

func TestParse_Defaults(t *testing.T) {
	t.Setenv("TEST_MASTER_KEY", "secret")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Security.MasterKey)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "store", cfg.RateLimit.Ledger)
	assert.Equal(t, hacienda.DefaultTokenTimeout, cfg.Authority.TokenTimeout)
	assert.Equal(t, time.Minute, cfg.Sender.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Sender.Lease)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Path)
	assert.False(t, cfg.RateLimit.PersistProduction)
}

func TestParse_MissingMasterKey(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driver: memory\narchive:\n  driver: memory\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MasterKey")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown storage", "storage:\n  driver: sqlite\n", "Driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "DSN"},
		{"mongodb without uri", "storage:\n  driver: mongodb\n", "storage.mongodb.uri"},
		{"gridfs without mongodb", "storage:\n  driver: memory\narchive:\n  driver: gridfs\n", "gridfs"},
		{"redis without address", "storage:\n  driver: memory\nratelimit:\n  ledger: redis\n", "ratelimit.redis.address"},
		{"events without url", "storage:\n  driver: memory\nevents:\n  enabled: true\n", "URL"},
		{"bad callback url", "storage:\n  driver: memory\ncallback:\n  url: not a url\n", "url"},
		{"environment without id", "storage:\n  driver: memory\nauthority:\n  environments:\n    - apiUrl: http://localhost/\n", "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml + "security:\n  masterKey: k\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCatalog_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
storage:
  driver: memory
security:
  masterKey: k
authority:
  environments:
    - id: 1
      apiUrl: http://localhost:9000/recepcion/
`))
	require.NoError(t, err)

	env, err := cfg.Catalog().Lookup(hacienda.StagingID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/recepcion/", env.APIURL)
	assert.Equal(t, hacienda.Staging.TokenURL, env.TokenURL)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\nsecurity:\n  masterKey: k\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Archive.Driver)
	assert.Equal(t, "comprobantes", cfg.Archive.Root)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
