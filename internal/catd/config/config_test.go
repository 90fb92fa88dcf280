package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 8192, cfg.Store.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 16, cfg.Redis.MaxHops)
	assert.Equal(t, 3*time.Second, cfg.Redis.LogThrottle)
	assert.True(t, cfg.Store.Prefilter)
	assert.Empty(t, cfg.Overrides)
	assert.Equal(t, "ads", cfg.Aliases()["adv"])
	assert.Equal(t, int64(4<<30), cfg.Lists.MaxExtractBytes)
	assert.Equal(t, 100_000, cfg.Lists.MaxExtractEntries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CATD_ENV", "dev")
	t.Setenv("CATD_LOG__LEVEL", "debug")
	t.Setenv("CATD_STORE__DRIVER", "postgres")
	t.Setenv("CATD_STORE__DSN", "host=db port=5432 user=catd dbname=catd sslmode=disable")
	t.Setenv("CATD_STORE__INIT_ATTEMPTS", "5")
	t.Setenv("CATD_CACHE__TTL", "45s")
	t.Setenv("CATD_CACHE__MAX_KEYS", "10")
	t.Setenv("CATD_REDIS__URL", "redis://cache:6379/2")
	t.Setenv("CATD_LISTS__MAX_EXTRACT_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "host=db port=5432 user=catd dbname=catd sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, 5, cfg.Store.InitAttempts)
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Cache.MaxKeys)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, int64(1<<20), cfg.Lists.MaxExtractBytes)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catd.yaml")
	content := `
env: dev
cache:
  ttl: 2m
overrides:
  - key: 216.239.38.120
    target: forcesafesearch.google.com
category_aliases:
  - from: porn
    to: adult/porn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("CATD_CACHE__TTL", "3m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	// environment wins over the file
	assert.Equal(t, 3*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, map[string]string{"216.239.38.120": "forcesafesearch.google.com"}, cfg.OverrideTable())
	assert.Equal(t, "adult/porn", cfg.Aliases()["porn"])
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"CATD_ENV":             "staging",
		"CATD_LOG__LEVEL":      "verbose",
		"CATD_STORE__DRIVER":   "mysql",
		"CATD_REDIS__URL":      "http://cache:6379",
		"CATD_REDIS__MAX_HOPS": "0",
		"CATD_CACHE__MAX_KEYS": "0",
		"CATD_HTTP__PORT":      "70000",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), "validation failed") || strings.Contains(err.Error(), "unmarshalling"), err.Error())
		})
	}
}

func TestLoad_InvalidAliasTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("category_aliases:\n  - from: x\n    to: ../etc\n"), 0o600))
	t.Setenv(ConfigFileEnv, path)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoad_LoaderErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("defaults", func(t *testing.T) {
		old := defaultLoader
		defaultLoader = func(*koanf.Koanf) error { return boom }
		defer func() { defaultLoader = old }()
		_, err := Load()
		assert.ErrorIs(t, err, boom)
	})

	t.Run("env", func(t *testing.T) {
		old := envLoader
		envLoader = func(*koanf.Koanf) error { return boom }
		defer func() { envLoader = old }()
		_, err := Load()
		assert.ErrorIs(t, err, boom)
	})

	t.Run("validation registration", func(t *testing.T) {
		old := registerValidation
		registerValidation = func(*validator.Validate) error { return boom }
		defer func() { registerValidation = old }()
		_, err := Load()
		assert.ErrorIs(t, err, boom)
	})
}
