// Package jerrors declares the error kinds jhol surfaces across its
// subsystems, per the error handling design. Each kind is a sentinel
// created with zerr.New; call sites wrap a real cause with zerr.Wrap for
// context, and add detail to a bare sentinel with fmt.Errorf's %w
// (zerr.With on a bare sentinel returns a copy errors.Is no longer matches).
// Classify an error with errors.Is against these sentinels rather than
// string matching.
package jerrors

import (
	"errors"

	"go.trai.ch/zerr"
)

var (
	// ErrResolveConflict: JAGR exhausted search with unsat root constraints. Not recoverable.
	ErrResolveConflict = zerr.New("resolve conflict: no assignment satisfies the dependency graph")
	// ErrPeerUnsatisfied: a mandatory peer dependency cannot be satisfied at solve completion.
	ErrPeerUnsatisfied = zerr.New("peer dependency unsatisfied")
	// ErrNotCached: offline mode needs an entry the store does not have.
	ErrNotCached = zerr.New("package not cached (offline)")
	// ErrLockfileOutOfSync: frozen mode and the manifest disagree with the lockfile.
	ErrLockfileOutOfSync = zerr.New("lockfile out of sync with manifest")
	// ErrIntegrityMismatch: tarball bytes do not match expected hash. The pipeline downloads once more, then fails.
	ErrIntegrityMismatch = zerr.New("tarball integrity mismatch")
	// ErrNetworkError: transport failure, 5xx, or timeout. Retryable with backoff.
	ErrNetworkError = zerr.New("registry network error")
	// ErrRegistryNotFound: 404 for packument or tarball. Not recoverable.
	ErrRegistryNotFound = zerr.New("registry resource not found")
	// ErrStoreCorruption: index/on-disk disagreement discovered at runtime.
	ErrStoreCorruption = zerr.New("content store index corrupted")
	// ErrPathTraversal: a tar entry would escape the package directory. Fatal.
	ErrPathTraversal = zerr.New("tar entry escapes package directory")
	// ErrLockTimeout: a per-hash advisory lock was not acquired within budget. Fatal for this install.
	ErrLockTimeout = zerr.New("store lock acquisition timed out")
	// ErrOffline: offline mode forbids the network operation that was attempted.
	ErrOffline = zerr.New("network access forbidden in offline mode")
)

// Retryable reports whether err (or something it wraps) is one of the error
// kinds the pipeline retries internally before giving up, per the
// propagation policy: retryable errors never cross a component boundary on
// eventual success.
func Retryable(err error) bool {
	return errors.Is(err, ErrIntegrityMismatch) || errors.Is(err, ErrNetworkError)
}
