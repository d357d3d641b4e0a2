// Package manifest reads and writes the project manifest (package.json),
// generalizing the teacher's pkg/config load/save helpers to the richer
// dependency-shaped fields §6 of the spec names.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"jhol/pkg/config"
	"jhol/pkg/types"
)

// Load reads and parses package.json from the current directory.
func Load() (*types.Manifest, error) {
	return LoadFromPath(config.ManifestFile)
}

// LoadFromPath reads and parses a package.json file from a specific path.
func LoadFromPath(path string) (*types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string)
	}
	return &m, nil
}

// Save writes m to package.json in the current directory.
func Save(m *types.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(config.ManifestFile, data, 0o644)
}

// AllRequirements flattens dependencies + devDependencies + peer +
// optional into the root requirement set JAGR consumes. Peer requirements
// from the root manifest are treated as mandatory Peer-kind requirements on
// their own right (a project can directly depend on satisfying a peer).
// Root-level optionalDependencies get KindOptional, the same soft handling
// JAGR gives a package version's own optionalDependencies discovered
// mid-resolve — a missing or conflicting optional dependency is skipped
// (OptionalPeerSkipped) rather than failing the whole install.
func AllRequirements(m *types.Manifest) []types.Requirement {
	reqs := make([]types.Requirement, 0, len(m.Dependencies)+len(m.DevDependencies)+len(m.OptionalDependencies))
	add := func(deps map[string]string, kind types.RequirementKind) {
		for name, rng := range deps {
			reqs = append(reqs, types.Requirement{Name: name, Range: rng, Kind: kind, Requester: "root"})
		}
	}
	add(m.Dependencies, types.KindRegular)
	add(m.DevDependencies, types.KindDev)
	add(m.OptionalDependencies, types.KindOptional)
	for name, rng := range m.PeerDependencies {
		kind := types.KindPeer
		if meta, ok := m.PeerDependenciesMeta[name]; ok && meta.Optional {
			kind = types.KindOptionalPeer
		}
		reqs = append(reqs, types.Requirement{Name: name, Range: rng, Kind: kind, Requester: "root"})
	}
	return reqs
}

// PackageNameFromSpec derives a bare package name from an "name@range" or
// plain "name" spec string used on the install-one-package command line.
func PackageNameFromSpec(spec string) (name, rng string) {
	if spec == "" {
		return "", ""
	}
	// Scoped packages ("@scope/name@range") carry a leading '@' that is not
	// the version separator.
	search := spec
	offset := 0
	if spec[0] == '@' {
		search = spec[1:]
		offset = 1
	}
	if idx := indexByte(search, '@'); idx >= 0 {
		return spec[:idx+offset], spec[idx+offset+1:]
	}
	return spec, "latest"
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ModulesDirPath returns the absolute path to node_modules under cwd.
func ModulesDirPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, config.ModulesDir), nil
}
