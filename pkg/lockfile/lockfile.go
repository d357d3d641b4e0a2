// Package lockfile implements the Lockfile Codec of §4.D: a canonical
// JSON serialization of a LockFile with sorted keys, `\n` line endings, no
// trailing whitespace, and a round-trip property — encode(decode(x)) == x.
// Grounded on original_source's lockfile.rs/lockfile_write.rs (the wire
// format is plain JSON written with a stable key order) and the teacher's
// pkg/config.SaveLockfile/LoadLockfile (the load/save pairing this package
// generalizes from a flat map to the richer LockedDependency fields §4.D
// names).
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"

	"go.trai.ch/zerr"

	"jhol/pkg/config"
	"jhol/pkg/types"
)

const lockfileSchemaVersion = 1

// Load reads and decodes the lockfile at config.LockFileName in the
// current directory. A missing file is returned as os.ReadFile's error, so
// callers distinguish "no lockfile yet" from a decode failure by checking
// os.IsNotExist on it.
func Load() (*types.LockFile, error) {
	return LoadFromPath(config.LockFileName)
}

// LoadFromPath reads and decodes a lockfile from a specific path.
func LoadFromPath(path string) (*types.LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses canonical or non-canonical lockfile JSON into a LockFile.
// Decoding never requires the input to already be in canonical form — only
// Encode produces canonical bytes.
func Decode(data []byte) (*types.LockFile, error) {
	var lf types.LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, zerr.Wrap(err, "decoding lockfile")
	}
	if lf.Dependencies == nil {
		lf.Dependencies = make(map[string]types.LockedDependency)
	}
	return &lf, nil
}

// Save writes lf to config.LockFileName in the current directory, in
// canonical form.
func Save(lf *types.LockFile) error {
	return SaveToPath(lf, config.LockFileName)
}

// SaveToPath writes lf to path in canonical form.
func SaveToPath(lf *types.LockFile, path string) error {
	data, err := Encode(lf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Encode produces the canonical byte representation of lf: object keys in
// sorted order at every nesting level, 2-space indent, `\n` line endings,
// no trailing whitespace, and a single trailing newline. This is what
// gives the round-trip property (§9): Encode(Decode(Encode(lf))) ==
// Encode(lf) for any lf with no duplicate-after-sort keys, which map
// encoding guarantees.
func Encode(lf *types.LockFile) ([]byte, error) {
	if lf.LockfileVersion == 0 {
		lf.LockfileVersion = lockfileSchemaVersion
	}

	canonical := canonicalizeLockFile(lf)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(canonical); err != nil {
		return nil, zerr.Wrap(err, "encoding lockfile")
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	out = append(out, '\n')
	return out, nil
}

// orderedLockFile mirrors types.LockFile with its fields in encoding order.
// Dependencies stays a map: encoding/json writes map[string]T keys in
// sorted order, which is what makes the output canonical.
type orderedLockFile struct {
	LockfileVersion int                                  `json:"lockfileVersion"`
	Dependencies    map[string]types.LockedDependency     `json:"dependencies"`
}

func canonicalizeLockFile(lf *types.LockFile) orderedLockFile {
	return orderedLockFile{
		LockfileVersion: lf.LockfileVersion,
		Dependencies:    lf.Dependencies,
	}
}

// Hash returns the lockfile_hash §4.D requires: the hex SHA-256 of the
// canonical encoding. The install pipeline does not call it; Frozen mode
// checks the lockfile against the manifest's ranges instead.
func Hash(lf *types.LockFile) (string, error) {
	data, err := Encode(lf)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FromGraph builds a LockFile from a resolved graph, one entry per pinned
// node, keyed by name — when the same name is pinned at more than one
// version the lockfile records only the flattened top-level winner under
// the bare name; nested shadowed versions are not individually addressable
// in this wire format, matching npm's own package-lock.json v1 shape.
func FromGraph(graph *types.ResolvedGraph, topLevel map[string]string, tarballURLs, integrities map[string]string) *types.LockFile {
	lf := &types.LockFile{
		LockfileVersion: lockfileSchemaVersion,
		Dependencies:    make(map[string]types.LockedDependency, len(topLevel)),
	}
	names := make([]string, 0, len(topLevel))
	for name := range topLevel {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		version := topLevel[name]
		node, ok := graph.Nodes[types.NodeKey(name, version)]
		if !ok {
			continue
		}
		deps := make(map[string]string, len(node.ResolvedDeps))
		for depName, depVersion := range node.ResolvedDeps {
			deps[depName] = depVersion
		}
		lf.Dependencies[name] = types.LockedDependency{
			Version:      version,
			Resolved:     tarballURLs[types.NodeKey(name, version)],
			Integrity:    integrities[types.NodeKey(name, version)],
			Dependencies: deps,
		}
	}
	return lf
}
