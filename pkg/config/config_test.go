package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.StorageBackend)
	require.Equal(t, 120*time.Second, cfg.DefaultCeremonyDeadline)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("AURA_STORAGE_BACKEND", "postgres")
	t.Setenv("AURA_POSTGRES_URL", "postgres://localhost/aura")
	t.Setenv("AURA_CEREMONY_DEADLINE", "45s")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.StorageBackend)
	require.Equal(t, 45*time.Second, cfg.DefaultCeremonyDeadline)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	t.Setenv("AURA_STORAGE_BACKEND", "sqlite")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresPostgresURLWhenBackendIsPostgres(t *testing.T) {
	t.Setenv("AURA_STORAGE_BACKEND", "postgres")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestLoadPolicyOverridesSubstitutesEnvVars(t *testing.T) {
	t.Setenv("AURA_GUARDIAN_DEADLINE", "300s")

	dir := t.TempDir()
	path := dir + "/policy.yaml"
	contents := `
environment: test
ceremonies:
  guardian_rotation:
    keygen: k3_consensus_dkg
    allowed_modes: ["consensus_finalized"]
    deadline_ms: ${AURA_GUARDIAN_DEADLINE:-120s}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	overrides, err := config.LoadPolicyOverrides(path)
	require.NoError(t, err)
	require.Equal(t, "test", overrides.Environment)
	require.Equal(t, 300*time.Second, overrides.DeadlineFor("guardian_rotation", 120*time.Second))
}
