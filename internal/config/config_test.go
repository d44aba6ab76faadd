package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COMTRADE_API_KEY_PRIMARY", "primary-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "primary-key", cfg.API.KeyPrimary)
	assert.Equal(t, 500, cfg.API.DailyLimit)
	assert.Equal(t, 100000, cfg.API.RecordLimit)
	assert.Equal(t, 60*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5, cfg.API.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.API.RetryBaseDelay)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "cache", cfg.Cache.Dir)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.TTL())
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, PolicyChapter, cfg.Subdivide.Policy)
	assert.Equal(t, 2, cfg.Subdivide.MaxDepth)
	assert.Equal(t, 1, cfg.Ingest.Workers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COMTRADE_API_KEY_PRIMARY", "a")
	t.Setenv("COMTRADE_API_KEY_SECONDARY", "b")
	t.Setenv("API_DAILY_LIMIT", "10")
	t.Setenv("API_RETRY_BASE_DELAY", "250ms")
	t.Setenv("API_RETRY_MAX_DELAY", "3")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("SUBDIVIDE_POLICY", "partner")
	t.Setenv("SUBDIVIDE_PARTNERS", "156, 842,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.API.DailyLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.API.RetryBaseDelay)
	assert.Equal(t, 3*time.Second, cfg.API.RetryMaxDelay)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, []string{"156", "842"}, cfg.Subdivide.Partners)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "no api key", env: map[string]string{}, want: "COMTRADE_API_KEY_PRIMARY"},
		{name: "bad driver", env: map[string]string{"COMTRADE_API_KEY_PRIMARY": "a", "DB_DRIVER": "mysql"}, want: "DB_DRIVER"},
		{name: "s3 without bucket", env: map[string]string{"COMTRADE_API_KEY_PRIMARY": "a", "CACHE_BACKEND": "s3"}, want: "CACHE_S3_BUCKET"},
		{name: "partner policy without partners", env: map[string]string{"COMTRADE_API_KEY_PRIMARY": "a", "SUBDIVIDE_POLICY": "partner"}, want: "SUBDIVIDE_PARTNERS"},
		{name: "bad duration", env: map[string]string{"COMTRADE_API_KEY_PRIMARY": "a", "API_RETRY_BASE_DELAY": "soon"}, want: "API_RETRY_BASE_DELAY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COMTRADE_API_KEY_PRIMARY", "")
			t.Setenv("COMTRADE_API_KEY_SECONDARY", "")
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5433, Name: "comtrade", User: "etl", Password: "p@ss/word", SSLMode: "disable"}
	assert.Equal(t, "postgres://etl:p%40ss%2Fword@db:5433/comtrade?sslmode=disable", cfg.DSN())
}

func TestLoadDatabase_IgnoresProviderSettings(t *testing.T) {
	t.Setenv("COMTRADE_API_KEY_PRIMARY", "")
	t.Setenv("COMTRADE_API_KEY_SECONDARY", "")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_PATH", "data/report.db")

	cfg, err := LoadDatabase()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "data/report.db", cfg.Path)

	t.Setenv("DB_PORT", "not-a-port")
	_, err = LoadDatabase()
	assert.ErrorContains(t, err, "DB_PORT")
}
