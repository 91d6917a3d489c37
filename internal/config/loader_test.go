package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
service:
  name: outpost-test
state:
  path: ./test.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "outpost-test", cfg.Service.Name)
	assert.Equal(t, "./test.db", cfg.State.Path)
	// Untouched sections keep defaults.
	assert.Equal(t, 2, cfg.Pool.TargetSize)
	assert.Equal(t, 15*time.Minute, cfg.Pool.IdleTTL.Std())
	assert.Equal(t, 30*24*time.Hour, cfg.Workspaces.PersistentTTL.Std())
}

func TestLoadDurationStrings(t *testing.T) {
	path := writeConfig(t, `
pool:
  idle_ttl: 5m
  acquire_wait: 10s
dispatch:
  default_timeout: 2m
  max_timeout: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTTL.Std())
	assert.Equal(t, 10*time.Second, cfg.Pool.AcquireWait.Std())
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.DefaultTimeout.Std())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("OUTPOST_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
tenants:
  - id: tn-acme
    name: Acme
    email: ops@acme.test
    secrets:
      ANTHROPIC_API_KEY: ${OUTPOST_TEST_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "sk-from-env", cfg.Tenants[0].Secrets["ANTHROPIC_API_KEY"])
}

func TestLoadRejectsBadPoolSizes(t *testing.T) {
	path := writeConfig(t, `
pool:
  target_size: 10
  max_size: 4
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateTenants(t *testing.T) {
	path := writeConfig(t, `
tenants:
  - id: tn-a
  - id: tn-a
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsTokenForUnknownTenant(t *testing.T) {
	path := writeConfig(t, `
api:
  auth:
    tokens:
      - token: tok-1
        tenant_id: tn-missing
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFingerprintStableAndDetectsChange(t *testing.T) {
	path := writeConfig(t, "service:\n  name: a\n")

	fp1, err := Fingerprint(path)
	require.NoError(t, err)
	fp2, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	require.NoError(t, VerifyFingerprint(path, fp1))

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: b\n"), 0o644))
	assert.Error(t, VerifyFingerprint(path, fp1))
}
