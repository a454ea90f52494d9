package config_test

import (
	"VaultLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vaultA     = "0xa3ecb6e941e773c6568052a509a04cf455a752ad"
	vaultB     = "0x0000000000000000000000000000000000000b0b"
	compounder = "0x000000000000000000000000000000000000c0c0"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "ethereum", cfg.Network)
	assert.Equal(t, 10, cfg.RecentSnapshots)
	assert.Equal(t, 1_000_000, cfg.DedupCapacity)
	assert.Equal(t, 2*time.Minute, cfg.CommitTimeout)
	assert.Equal(t, 100_000, cfg.PriceCacheSize)
	assert.True(t, cfg.ReplayOnStart)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.ReplayVaults())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("VAULT_VAULTS", "0xA3ECB6E941E773C6568052A509A04CF455A752AD,"+vaultB+","+vaultA)
	t.Setenv("VAULT_AUTO_COMPOUNDERS", compounder+":"+vaultA)
	t.Setenv("VAULT_NETWORK", "arbitrum")
	t.Setenv("VAULT_ALLOCATION_WORKERS", "3")
	t.Setenv("VAULT_SKIP_CONSERVATION", "true")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	vaults := cfg.ReplayVaults()
	require.Len(t, vaults, 2)
	assert.Equal(t, vaultA, vaults[0].Address)
	assert.Equal(t, "arbitrum", vaults[0].Network)
	assert.Equal(t, []string{compounder}, vaults[0].AutoCompounders)
	assert.Equal(t, vaultB, vaults[1].Address)
	assert.Empty(t, vaults[1].AutoCompounders)

	assert.Equal(t, 3, cfg.AllocationWorkers)
	assert.True(t, cfg.Driver().SkipConservation)
	assert.Equal(t, 10, cfg.Driver().RecentSnapshots)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("VAULT_HTTP_ADDR=:18080\nVAULT_GRPC_ADDR=:19090\n"), 0o600))
	t.Setenv("VAULT_GRPC_ADDR", ":29090")
	t.Cleanup(func() { os.Unsetenv("VAULT_HTTP_ADDR") })

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, ":29090", cfg.GRPCAddr, "environment wins over the file")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("VAULT_VAULTS", "not-an-address")
	t.Setenv("VAULT_VAULT_PARALLELISM", "0")

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULTS")
	assert.Contains(t, err.Error(), "VAULT_PARALLELISM")

	t.Setenv("VAULT_ALLOCATION_WORKERS", "many")
	_, err = config.Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
