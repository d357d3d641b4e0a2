// Package linker implements the Linker of §4.C: materializing a flattened
// node_modules directory from a resolved graph, placing each package's
// files by hardlink when possible and falling back to a copy. The
// per-file placement strategy is grounded on
// original_source/crates/jhol-core/src/cas/hardlink.rs (link_package: try
// hardlink, then reflink, then copy); the plain-copy fallback itself is
// adapted from the teacher's pkg/git/git.go CopyDir, generalized from a
// whole-directory copy into a per-file operation so a partial hardlink
// failure degrades one file at a time instead of the whole package.
package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"jhol/pkg/config"
	"jhol/pkg/semverx"
	"jhol/pkg/types"
)

// PackageSource tells the linker where to read a pinned package's files
// from (a directory inside the content-addressed store).
type PackageSource struct {
	Name       string
	Version    string
	SourcePath string            // directory holding the package's unpacked files
	Bin        map[string]string // bin command name -> path relative to SourcePath, if any
}

// Linker places resolved packages into node_modules.
type Linker struct {
	projectRoot string
	mode        config.LinkMode
	log         *zap.Logger
}

// Option configures a Linker.
type Option func(*Linker)

func WithLogger(l *zap.Logger) Option {
	return func(ln *Linker) {
		if l != nil {
			ln.log = l
		}
	}
}

// New constructs a Linker rooted at projectRoot, placing files into
// projectRoot/node_modules.
func New(projectRoot string, mode config.LinkMode, opts ...Option) *Linker {
	ln := &Linker{projectRoot: projectRoot, mode: mode, log: zap.NewNop()}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Link materializes node_modules for graph, given a source for every
// pinned package. Placement of duplicate names follows the
// shortest-path/root-wins/highest-version tie-break: when more than one
// version of a name exists in the graph, the copy whose requester chain is
// shortest (closest to root) wins the flattened top-level slot; among
// equal-depth candidates the highest version wins. Every other pinned copy
// of that name nests under whichever requester's own node_modules actually
// needed it.
func (ln *Linker) Link(graph *types.ResolvedGraph, sources map[string]PackageSource) error {
	modulesDir := filepath.Join(ln.projectRoot, config.ModulesDir)
	staging := modulesDir + config.StagingDirName + "-" + uuid.NewString()

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return zerr.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	topLevel := ln.chooseTopLevelPlacements(graph)
	locations := computeLocations(graph, topLevel)

	for nodeKey, relDir := range locations {
		node := graph.Nodes[nodeKey]
		src, ok := sources[nodeKey]
		if !ok {
			return fmt.Errorf("no source registered for %s", nodeKey)
		}
		dest := filepath.Join(staging, relDir)
		if err := ln.placePackage(src.SourcePath, dest); err != nil {
			return zerr.With(zerr.Wrap(err, "placing package"), "node", nodeKey)
		}
		ln.log.Debug("link_package", zap.String("name", node.Pinned.Name), zap.String("version", node.Pinned.Version))
	}

	if err := ln.commit(staging, modulesDir); err != nil {
		return err
	}
	return LinkBins(graph, topLevel, sources, modulesDir)
}

// computeLocations assigns every reachable node a directory relative to
// the node_modules root, by the same breadth-first traversal bfsDepths
// uses: a node that won the flattened top-level slot for its name lives at
// node_modules/<name>; every other node lives nested under the first (by
// shortest path) requester that actually needed that pinned version.
func computeLocations(graph *types.ResolvedGraph, topLevel map[string]string) map[string]string {
	locations := make(map[string]string)
	queue := make([]string, 0, len(graph.RootResolved))
	for name, version := range graph.RootResolved {
		nk := types.NodeKey(name, version)
		if _, ok := locations[nk]; ok {
			continue
		}
		locations[nk] = name
		queue = append(queue, nk)
	}
	for len(queue) > 0 {
		nk := queue[0]
		queue = queue[1:]
		node, ok := graph.Nodes[nk]
		if !ok {
			continue
		}
		parentDir := locations[nk]
		for depName, depVersion := range node.ResolvedDeps {
			childKey := types.NodeKey(depName, depVersion)
			if _, seen := locations[childKey]; seen {
				continue
			}
			var childDir string
			if topLevel[depName] == depVersion {
				childDir = depName
			} else {
				childDir = filepath.Join(parentDir, config.ModulesDir, depName)
			}
			locations[childKey] = childDir
			queue = append(queue, childKey)
		}
	}
	return locations
}

// TopLevelPlacements exposes the same top-level version decision Link
// makes internally, so a caller building the lockfile records the
// flattened winner that actually landed on disk.
func (ln *Linker) TopLevelPlacements(graph *types.ResolvedGraph) map[string]string {
	return ln.chooseTopLevelPlacements(graph)
}

// chooseTopLevelPlacements decides, for each package name appearing
// anywhere in graph, which pinned version gets the flattened top-level
// node_modules/<name> slot.
func (ln *Linker) chooseTopLevelPlacements(graph *types.ResolvedGraph) map[string]string {
	type candidate struct {
		version string
		depth   int
	}
	byName := make(map[string][]candidate)

	depth := bfsDepths(graph)
	for nodeKey, node := range graph.Nodes {
		byName[node.Pinned.Name] = append(byName[node.Pinned.Name], candidate{version: node.Pinned.Version, depth: depth[nodeKey]})
	}

	chosen := make(map[string]string, len(byName))
	for name, cands := range byName {
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].depth != cands[j].depth {
				return cands[i].depth < cands[j].depth // shortest path wins
			}
			return semverx.CompareTotal(cands[i].version, cands[j].version) > 0 // then highest version
		})
		chosen[name] = cands[0].version
	}
	return chosen
}

// bfsDepths computes, for every NodeKey in graph, the shortest distance (in
// edges) from the root requirements to that pinned package. Nodes the root
// resolves directly get depth 0.
func bfsDepths(graph *types.ResolvedGraph) map[string]int {
	depth := make(map[string]int)
	queue := make([]string, 0, len(graph.RootResolved))
	for name, version := range graph.RootResolved {
		nk := types.NodeKey(name, version)
		if _, ok := depth[nk]; !ok {
			depth[nk] = 0
			queue = append(queue, nk)
		}
	}
	for len(queue) > 0 {
		nk := queue[0]
		queue = queue[1:]
		node, ok := graph.Nodes[nk]
		if !ok {
			continue
		}
		for depName, depVersion := range node.ResolvedDeps {
			childKey := types.NodeKey(depName, depVersion)
			if _, seen := depth[childKey]; !seen {
				depth[childKey] = depth[nk] + 1
				queue = append(queue, childKey)
			}
		}
	}
	return depth
}

// placePackage copies or links every regular file from src into dest,
// preserving directory structure and any symlinks the store preserved from
// the original tarball, using linkFile's hardlink-then-copy fallback.
// filepath.Walk uses Lstat, so a symlink entry reaches info.Mode() with
// ModeSymlink set rather than being followed.
func (ln *Linker) placePackage(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0o755)
		case info.Mode()&os.ModeSymlink != 0:
			linkname, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(linkname, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return linkFile(path, target, ln.mode)
		}
	})
}

// commit renames the fully-populated staging directory over the live
// node_modules, making the whole install visible atomically (§4.C).
func (ln *Linker) commit(staging, modulesDir string) error {
	backup := modulesDir + ".prev-" + uuid.NewString()
	hadExisting := false
	if _, err := os.Stat(modulesDir); err == nil {
		if err := os.Rename(modulesDir, backup); err != nil {
			return zerr.Wrap(err, "backing up existing node_modules")
		}
		hadExisting = true
	}
	if err := os.Rename(staging, modulesDir); err != nil {
		if hadExisting {
			os.Rename(backup, modulesDir)
		}
		return zerr.Wrap(err, "committing node_modules")
	}
	if hadExisting {
		os.RemoveAll(backup)
	}
	return nil
}
