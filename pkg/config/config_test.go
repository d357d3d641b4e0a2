package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearJholEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"JHOL_OFFLINE", "JHOL_NETWORK_CONCURRENCY", "JHOL_LINK", "JHOL_REGISTRY",
		"JHOL_REQUEST_TIMEOUT_SECONDS", "JHOL_LOCK_TIMEOUT_SECONDS", "JHOL_DEBUG",
		"JHOL_SOLVER_TIMEOUT_MS", "JHOL_SOLVER_STRATEGY", "JHOL_SOLVER_GREEDY_FALLBACK",
		"JHOL_CACHE_ROOT",
	}
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestFromEnvironDefaults(t *testing.T) {
	clearJholEnv(t)
	cfg := FromEnviron()

	assert.False(t, cfg.Offline)
	assert.Equal(t, defaultNetworkConcurrency, cfg.NetworkConcurrency)
	assert.Equal(t, LinkModeLink, cfg.LinkMode)
	assert.Equal(t, DefaultRegistry, cfg.Registry)
	assert.Equal(t, "jagr", cfg.SolverStrategy)
	assert.False(t, cfg.GreedyFallback)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultCacheDirName), cfg.CacheRoot)
}

func TestFromEnvironHonorsOverrides(t *testing.T) {
	clearJholEnv(t)
	os.Setenv("JHOL_OFFLINE", "true")
	os.Setenv("JHOL_NETWORK_CONCURRENCY", "9999")
	os.Setenv("JHOL_LINK", "copy")
	os.Setenv("JHOL_REGISTRY", "https://example.invalid")
	os.Setenv("JHOL_SOLVER_STRATEGY", "greedy")
	os.Setenv("JHOL_SOLVER_GREEDY_FALLBACK", "1")
	os.Setenv("JHOL_CACHE_ROOT", "/tmp/custom-jhol-cache")

	cfg := FromEnviron()

	assert.True(t, cfg.Offline)
	assert.Equal(t, maxNetworkConcurrency, cfg.NetworkConcurrency) // clamped
	assert.Equal(t, LinkModeCopy, cfg.LinkMode)
	assert.Equal(t, "https://example.invalid", cfg.Registry)
	assert.Equal(t, "greedy", cfg.SolverStrategy)
	assert.True(t, cfg.GreedyFallback)
	assert.Equal(t, "/tmp/custom-jhol-cache", cfg.CacheRoot)
}

func TestFromEnvironClampsNetworkConcurrencyLow(t *testing.T) {
	clearJholEnv(t)
	os.Setenv("JHOL_NETWORK_CONCURRENCY", "0")
	cfg := FromEnviron()
	assert.Equal(t, minNetworkConcurrency, cfg.NetworkConcurrency)
}

func TestFromEnvironIgnoresUnparseableValues(t *testing.T) {
	clearJholEnv(t)
	os.Setenv("JHOL_NETWORK_CONCURRENCY", "not-a-number")
	os.Setenv("JHOL_LINK", "not-a-mode")
	cfg := FromEnviron()
	assert.Equal(t, defaultNetworkConcurrency, cfg.NetworkConcurrency)
	assert.Equal(t, LinkModeLink, cfg.LinkMode)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, clamp(-5, 1, 32))
	assert.Equal(t, 32, clamp(999, 1, 32))
	assert.Equal(t, 16, clamp(16, 1, 32))
}
