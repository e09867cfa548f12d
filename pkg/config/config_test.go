package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/irrwatch/pkg/irr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults apply for absent fields", func(t *testing.T) {
		path := writeConfig(t, `
targets:
  - AS64500
database:
  url: postgres://localhost/irrwatch
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"AS64500"}, cfg.Targets)
		assert.Equal(t, []string{"RADB", "RIPE", "NTTCOM"}, cfg.Sources)
		assert.Equal(t, "https://rest.db.ripe.net", cfg.REST.BaseURL)
		assert.Equal(t, 24, cfg.Diff.LookbackHours)
		assert.Equal(t, 24*time.Hour, cfg.Lookback())
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.SnapshotOnUnchangedValue())
	})

	t.Run("environment variables interpolate", func(t *testing.T) {
		t.Setenv("TEST_IRR_TOKEN", "tok-123")
		path := writeConfig(t, `
targets: [AS64500]
ticketing:
  base_url: https://tickets.example.com
  api_token: ${TEST_IRR_TOKEN}
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "tok-123", cfg.Ticketing.APIToken)
	})

	t.Run("unset variables interpolate to empty", func(t *testing.T) {
		path := writeConfig(t, `
targets: [AS64500]
ticketing:
  api_token: ${DEFINITELY_NOT_SET_ANYWHERE}
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Empty(t, cfg.Ticketing.APIToken)
	})

	t.Run("env overrides beat file values", func(t *testing.T) {
		t.Setenv("IRR_DATABASE_URL", "postgres://override/db")
		t.Setenv("IRR_LOG_LEVEL", "debug")
		path := writeConfig(t, `
targets: [AS64500]
database:
  url: postgres://file/db
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres://override/db", cfg.Database.URL)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "targets: [unclosed")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("rejects unknown sources", func(t *testing.T) {
		cfg := Default()
		cfg.Sources = []string{"RADB", "BOGUS"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown IRR source "BOGUS"`)
	})

	t.Run("collects every problem in one error", func(t *testing.T) {
		cfg := Default()
		cfg.Sources = nil
		cfg.Diff.LookbackHours = 0
		cfg.Logging.Level = "loud"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one source")
		assert.Contains(t, err.Error(), "lookback_hours")
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("default config is valid", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
	})
}

func TestSourceDescriptors(t *testing.T) {
	t.Run("selects configured sources with overrides", func(t *testing.T) {
		cfg := Default()
		cfg.Sources = []string{"radb", "RIPE"}
		cfg.REST.BaseURL = "https://rest.example.net"
		cfg.Whois.TimeoutSeconds = 5

		descs := cfg.SourceDescriptors()
		require.Len(t, descs, 2)

		assert.Equal(t, "RADB", descs[0].Name)
		assert.Equal(t, irr.ProtocolWhois, descs[0].Protocol)
		assert.Equal(t, 5*time.Second, descs[0].Timeout)

		assert.Equal(t, "RIPE", descs[1].Name)
		assert.Equal(t, irr.ProtocolREST, descs[1].Protocol)
		assert.Equal(t, "https://rest.example.net", descs[1].Endpoint)
	})

	t.Run("api_url collapses to a single proxy source", func(t *testing.T) {
		cfg := Default()
		cfg.APIURL = "https://irr-api.example.com"

		descs := cfg.SourceDescriptors()
		require.Len(t, descs, 1)
		assert.Equal(t, "API", descs[0].Name)
		assert.Equal(t, irr.ProtocolProxy, descs[0].Protocol)
		assert.Equal(t, "https://irr-api.example.com", descs[0].Endpoint)
	})

	t.Run("snapshot_on_unchanged can be disabled", func(t *testing.T) {
		path := writeConfig(t, `
targets: [AS64500]
snapshot_on_unchanged: false
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.False(t, cfg.SnapshotOnUnchangedValue())
	})
}
