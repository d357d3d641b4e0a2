package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jhol/pkg/config"
	"jhol/pkg/types"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	chdirTemp(t)
	m := &types.Manifest{
		Name:    "demo",
		Version: "1.0.0",
		Dependencies: map[string]string{
			"left-pad": "^1.0.0",
		},
		PeerDependencies: map[string]string{
			"react": "^18.0.0",
		},
	}
	require.NoError(t, Save(m))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.Name)
	assert.Equal(t, "^1.0.0", loaded.Dependencies["left-pad"])
	assert.Equal(t, "^18.0.0", loaded.PeerDependencies["react"])
}

func TestLoadInitializesNilDependencies(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestFile), []byte(`{"name":"bare","version":"0.0.1"}`), 0o644))

	m, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, m.Dependencies)
	assert.Empty(t, m.Dependencies)
}

func TestLoadMissingFileErrors(t *testing.T) {
	chdirTemp(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestAllRequirementsFlattensEveryKind(t *testing.T) {
	m := &types.Manifest{
		Dependencies:         map[string]string{"a": "^1.0.0"},
		DevDependencies:      map[string]string{"b": "^2.0.0"},
		OptionalDependencies: map[string]string{"c": "^3.0.0"},
		PeerDependencies: map[string]string{
			"d": "^4.0.0",
			"e": "^5.0.0",
		},
		PeerDependenciesMeta: map[string]types.PeerMeta{
			"e": {Optional: true},
		},
	}
	reqs := AllRequirements(m)

	byName := make(map[string]types.Requirement)
	for _, r := range reqs {
		byName[r.Name] = r
	}

	require.Len(t, reqs, 5)
	assert.Equal(t, types.KindRegular, byName["a"].Kind)
	assert.Equal(t, types.KindDev, byName["b"].Kind)
	assert.Equal(t, types.KindOptional, byName["c"].Kind)
	assert.Equal(t, types.KindPeer, byName["d"].Kind)
	assert.Equal(t, types.KindOptionalPeer, byName["e"].Kind)
	for _, r := range reqs {
		assert.Equal(t, "root", r.Requester)
	}
}

func TestPackageNameFromSpec(t *testing.T) {
	cases := []struct {
		spec    string
		name    string
		rng     string
	}{
		{"left-pad", "left-pad", "latest"},
		{"left-pad@^1.0.0", "left-pad", "^1.0.0"},
		{"@scope/name", "@scope/name", "latest"},
		{"@scope/name@^2.0.0", "@scope/name", "^2.0.0"},
		{"", "", ""},
	}
	for _, c := range cases {
		name, rng := PackageNameFromSpec(c.spec)
		assert.Equal(t, c.name, name, "name for %q", c.spec)
		assert.Equal(t, c.rng, rng, "range for %q", c.spec)
	}
}

func TestModulesDirPath(t *testing.T) {
	dir := chdirTemp(t)
	path, err := ModulesDirPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, config.ModulesDir), path)
}
