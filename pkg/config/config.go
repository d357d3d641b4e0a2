// Package config resolves the environment inputs the core consumes (§6).
// Configuration *file* loading (.jholrc and friends) is an explicit
// Non-goal; every value here comes from an environment variable with a
// documented default, the way the teacher's pkg/config centralizes the
// handful of path constants the rest of cppkg depends on.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ManifestFile is the project manifest filename.
	ManifestFile = "package.json"
	// LockFileName is the lockfile filename.
	LockFileName = "package-lock.json"
	// ModulesDir is the directory where dependencies are materialized.
	ModulesDir = "node_modules"
	// StagingDirName is the suffix of the linker's staging directory, a
	// sibling of ModulesDir named "node_modules.jhol-staging-<uuid>".
	StagingDirName = ".jhol-staging"
	// NodeModulesLockFile is the exclusive-per-project-root file lock.
	NodeModulesLockFile = ".jhol-lock"
	// DefaultRegistry is the registry base URL used when JHOL_REGISTRY is unset.
	DefaultRegistry = "https://registry.npmjs.org"
	// DefaultCacheDirName is appended to the user's home directory.
	//
	// The source historically also referenced ~/.cache/jhol in some tooling;
	// that is a known bug and is never read or written here (Open Question,
	// resolved in SPEC_FULL.md §9).
	DefaultCacheDirName = ".jhol-cache"

	minNetworkConcurrency     = 1
	defaultNetworkConcurrency = 16
	maxNetworkConcurrency     = 32

	defaultRequestTimeoutSeconds = 30
	defaultLockTimeoutSeconds    = 60
)

// LinkMode selects the linker's file-placement policy (§4.C).
type LinkMode string

const (
	LinkModeLink LinkMode = "link" // hardlink (no clone/reflink), falling back to copy
	LinkModeCopy LinkMode = "copy" // plain copy, always
)

// Config is the resolved set of environment inputs for one invocation.
type Config struct {
	CacheRoot          string
	Offline            bool
	NetworkConcurrency int
	LinkMode           LinkMode
	Registry           string
	RequestTimeout     int // seconds
	LockTimeout        int // seconds
	Debug              bool
	SolverTimeoutMS    int // 0 = unbounded
	SolverStrategy     string
	GreedyFallback     bool
}

// FromEnviron builds a Config from the process environment, applying the
// documented defaults and clamps.
func FromEnviron() Config {
	cfg := Config{
		CacheRoot:          defaultCacheRoot(),
		Offline:            envBool("JHOL_OFFLINE", false),
		NetworkConcurrency: clamp(envInt("JHOL_NETWORK_CONCURRENCY", defaultNetworkConcurrency), minNetworkConcurrency, maxNetworkConcurrency),
		LinkMode:           envLinkMode("JHOL_LINK", LinkModeLink),
		Registry:           envString("JHOL_REGISTRY", DefaultRegistry),
		RequestTimeout:     envInt("JHOL_REQUEST_TIMEOUT_SECONDS", defaultRequestTimeoutSeconds),
		LockTimeout:        envInt("JHOL_LOCK_TIMEOUT_SECONDS", defaultLockTimeoutSeconds),
		Debug:              envBool("JHOL_DEBUG", false),
		SolverTimeoutMS:    envInt("JHOL_SOLVER_TIMEOUT_MS", 0),
		SolverStrategy:     envString("JHOL_SOLVER_STRATEGY", "jagr"),
		GreedyFallback:     envBool("JHOL_SOLVER_GREEDY_FALLBACK", false),
	}
	if cacheOverride := os.Getenv("JHOL_CACHE_ROOT"); cacheOverride != "" {
		cfg.CacheRoot = cacheOverride
	}
	return cfg
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", DefaultCacheDirName)
	}
	return filepath.Join(home, DefaultCacheDirName)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envLinkMode(key string, def LinkMode) LinkMode {
	v := strings.TrimSpace(os.Getenv(key))
	switch v {
	case string(LinkModeLink):
		return LinkModeLink
	case string(LinkModeCopy):
		return LinkModeCopy
	default:
		return def
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
