// Package store implements the Content-Addressed Store of §4.B: packages
// are inserted once under their SHA-256 content hash and every subsequent
// install that needs the same bytes links against the same on-disk copy.
// Grounded on original_source/crates/jhol-core/src/cas/cas.rs
// (ContentAddressableStore: hash_to_path, store, get, evict_if_needed,
// prune) translated from the Rust DashMap-backed index into a Go map
// guarded by a mutex plus the on-disk binary index this package owns.
package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"jhol/pkg/jerrors"
)

const (
	unpackedDirName = "unpacked"
	packageSubdir    = "package"
	indexVersion     = 1
)

// Store is the content-addressed store rooted at <cache_root>, unpacking
// each entry under unpacked/<H>/package/... (§3).
type Store struct {
	root string
	log  *zap.Logger

	mu    sync.RWMutex
	index *Index

	locks locker
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open loads (or creates) the store rooted at cacheRoot. On index corruption
// it rebuilds the index by scanning the unpacked directory rather than
// failing the whole install (§4.B recovery path for StoreCorruption).
func Open(cacheRoot string, lockTimeout time.Duration, opts ...Option) (*Store, error) {
	root := cacheRoot
	if err := os.MkdirAll(filepath.Join(root, unpackedDirName), 0o755); err != nil {
		return nil, zerr.Wrap(err, "creating store directory")
	}
	if err := os.MkdirAll(filepath.Join(root, "locks"), 0o755); err != nil {
		return nil, zerr.Wrap(err, "creating lock directory")
	}

	s := &Store{
		root:  root,
		log:   zap.NewNop(),
		locks: locker{dir: filepath.Join(root, "locks"), timeout: lockTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}

	idx, err := loadIndex(filepath.Join(root, "index"))
	if err != nil {
		s.log.Warn("store index corrupted, rebuilding by scan", zap.Error(err))
		idx, err = rebuildIndexByScan(filepath.Join(root, unpackedDirName))
		if err != nil {
			return nil, zerr.Wrap(errors.Join(jerrors.ErrStoreCorruption, err), "rebuilding store index")
		}
	}
	s.index = idx
	return s, nil
}

// hashDir returns the per-hash directory <cache_root>/unpacked/<H>. Its
// package subdirectory (hashDir/package) is what every Record.Path points
// to, since unpacking preserves the tarball's own package/ wrapper (§3).
func (s *Store) hashDir(hash string) string {
	return filepath.Join(s.root, unpackedDirName, hash)
}

func (s *Store) hashToPath(hash string) string {
	return filepath.Join(s.hashDir(hash), packageSubdir)
}

// Has reports whether hash is already present in the store.
func (s *Store) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index.entries[hash]
	return ok
}

// Record is the metadata this store keeps per content hash.
type Record struct {
	Hash         string
	Size         int64
	Path         string
	InsertedAt   time.Time
	LastAccessed time.Time
}

// Get returns the record for hash, if present.
func (s *Store) Get(hash string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.index.entries[hash]
	return r, ok
}

// ReadPath returns the on-disk directory holding the unpacked contents for
// hash, touching its last-accessed time for the LRU prune policy.
func (s *Store) ReadPath(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index.entries[hash]
	if !ok {
		return "", jerrors.ErrNotCached
	}
	rec.LastAccessed = time.Now()
	s.index.entries[hash] = rec
	return rec.Path, nil
}

// InsertFromTarball unpacks a gzipped tarball whose content hash is
// already known (the registry client computes it while streaming the
// download) into the store, atomically: extract into a staging directory
// under the store root, then rename into place. Concurrent inserts of the
// same hash are serialized by a per-hash advisory lock (§4.B).
//
// Every tar entry is checked against path traversal and symlink escape
// before being written (§7 ErrPathTraversal).
func (s *Store) InsertFromTarball(hash string, tarballBytes []byte) (string, error) {
	if s.Has(hash) {
		return s.hashToPath(hash), nil
	}

	unlock, err := s.locks.acquire(hash)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-check after acquiring the lock: another process may have finished
	// the insert while we were waiting.
	if s.Has(hash) {
		return s.hashToPath(hash), nil
	}

	destDir := s.hashDir(hash)
	packageDir := s.hashToPath(hash)
	stagingDir := filepath.Join(s.root, "staging-"+hash)
	if err := os.RemoveAll(stagingDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(stagingDir)

	size, err := extractTarballSecure(tarballBytes, stagingDir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(stagingDir, destDir); err != nil {
		if os.IsExist(err) {
			return packageDir, nil
		}
		return "", zerr.With(zerr.Wrap(err, "committing store entry"), "hash", hash)
	}

	s.mu.Lock()
	s.index.entries[hash] = Record{
		Hash:         hash,
		Size:         size,
		Path:         packageDir,
		InsertedAt:   time.Now(),
		LastAccessed: time.Now(),
	}
	s.mu.Unlock()

	if err := s.persistIndex(); err != nil {
		s.log.Warn("failed to persist store index", zap.Error(err))
	}
	s.log.Debug("store_insert", zap.String("hash", hash), zap.Int64("size", size))
	return packageDir, nil
}

func (s *Store) persistIndex() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.saveTo(filepath.Join(s.root, "index"))
}

// Prune removes entries whose LastAccessed predates maxAge, per the
// age-based eviction cas.rs's prune() implements.
func (s *Store) Prune(maxAge time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var toRemove []Record
	for hash, rec := range s.index.entries {
		if rec.LastAccessed.Before(cutoff) {
			toRemove = append(toRemove, rec)
			delete(s.index.entries, hash)
		}
	}
	s.mu.Unlock()

	for _, rec := range toRemove {
		if err := os.RemoveAll(s.hashDir(rec.Hash)); err != nil {
			s.log.Warn("prune: failed to remove entry", zap.String("hash", rec.Hash), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		if err := s.persistIndex(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// HashTarball computes the content hash of raw tarball bytes the same way
// the registry client does, so callers constructing a store entry outside
// the registry path (tests, `jhol doctor`-style tools) get an identical
// hash.
func HashTarball(tarballBytes []byte) string {
	sum := sha256.Sum256(tarballBytes)
	return hex.EncodeToString(sum[:])
}

// extractTarballSecure unpacks gzipped into destDir, preserving the
// tarball's own top-level package/ wrapper (§3: unpacked/<H>/package/...)
// rather than stripping it. Every entry's target, and every symlink or
// hardlink's resolved target, is checked against destDir before being
// written; anything that would escape is rejected rather than silently
// dropping all links (§7 ErrPathTraversal).
func extractTarballSecure(gzipped []byte, destDir string) (int64, error) {
	gz, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return 0, zerr.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, zerr.Wrap(err, "reading tar entry")
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(destDir, name)
		if !isWithinRoot(destDir, target) {
			return 0, jerrors.ErrPathTraversal
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, err
			}
			n, err := writeRegularFile(target, tr, hdr.Mode)
			if err != nil {
				return 0, err
			}
			total += n
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return 0, jerrors.ErrPathTraversal
			}
			resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
			if !isWithinRoot(destDir, resolved) {
				return 0, jerrors.ErrPathTraversal
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return 0, err
			}
		case tar.TypeLink:
			linkTarget := strings.TrimPrefix(hdr.Linkname, "./")
			resolved := filepath.Join(destDir, linkTarget)
			if !isWithinRoot(destDir, resolved) {
				return 0, jerrors.ErrPathTraversal
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, err
			}
			_ = os.Remove(target)
			if err := os.Link(resolved, target); err != nil {
				return 0, err
			}
		default:
			// skip device files, fifos, etc.
		}
	}
	return total, nil
}

func writeRegularFile(target string, r io.Reader, mode int64) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode)&0o777|0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, r)
}

func isWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
