// Binary-link materialization, supplemented from
// original_source/crates/jhol-core/src/bin_links.rs: after linking, every
// installed package whose package.json carries a "bin" field gets a thin
// executable shim under node_modules/.bin. This is link-time file
// placement, not script execution — the excluded concern — so it is in
// scope per SPEC_FULL.md §5.
package linker

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"go.trai.ch/zerr"

	"jhol/pkg/types"
)

// LinkBins materializes node_modules/.bin shims for every flattened
// top-level package that declares a bin field, pointing at the package's
// copy directly under modulesDir. Packages nested under a shadowed-version
// subtree do not get a root .bin entry, matching how npm only exposes the
// top-level resolution's binaries at the project root.
func LinkBins(graph *types.ResolvedGraph, topLevel map[string]string, sources map[string]PackageSource, modulesDir string) error {
	binDir := filepath.Join(modulesDir, ".bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return zerr.Wrap(err, "creating .bin directory")
	}

	names := make([]string, 0, len(topLevel))
	for name := range topLevel {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		version := topLevel[name]
		src, ok := sources[types.NodeKey(name, version)]
		if !ok || len(src.Bin) == 0 {
			continue
		}
		pkgDir := filepath.Join(modulesDir, name)
		for binName, relTarget := range src.Bin {
			target := filepath.Join(pkgDir, relTarget)
			shim := filepath.Join(binDir, binName)
			if err := writeShim(shim, target); err != nil {
				return zerr.With(zerr.With(zerr.Wrap(err, "linking bin"), "bin", binName), "package", name)
			}
		}
	}
	return nil
}

// writeShim creates the .bin entry for target. On Unix this is a symlink
// (the common case); on Windows a symlink requires elevated privileges in
// many configurations, so a tiny cmd shim is written instead — the same
// fallback bin_links.rs documents for cross-platform installs.
func writeShim(shim, target string) error {
	os.Remove(shim)
	if runtime.GOOS == "windows" {
		content := "@\"" + target + "\" %*\r\n"
		return os.WriteFile(shim+".cmd", []byte(content), 0o755)
	}
	if err := os.Symlink(target, shim); err != nil {
		return err
	}
	return os.Chmod(target, 0o755)
}

