package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"go.trai.ch/zerr"
	"jhol/pkg/jerrors"
)

// locker implements the per-hash advisory lock files cas.rs's write_locks
// map provides in-process; this store also needs to coordinate separate
// jhol processes sharing one cache root, so the lock is a file on disk
// rather than an in-memory mutex. A lock file holds the owning process's
// lock token; acquire polls for its removal until timeout.
type locker struct {
	dir     string
	timeout time.Duration
}

// acquire blocks (with polling) until it creates the lock file for hash or
// the timeout elapses, returning a release function.
func (l locker) acquire(hash string) (release func(), err error) {
	path := filepath.Join(l.dir, hash+".lock")
	token := uuid.NewString()

	deadline := time.Now().Add(l.timeout)
	backoff := 10 * time.Millisecond
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprint(f, token)
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, zerr.With(zerr.Wrap(err, "creating lock file"), "path", path)
		}
		if time.Now().After(deadline) {
			if stale, _ := isStale(path, l.timeout); stale {
				os.Remove(path)
				continue
			}
			return nil, jerrors.ErrLockTimeout
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// isStale reports whether the lock file at path is older than timeout,
// indicating its owner crashed without releasing it.
func isStale(path string, timeout time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > timeout, nil
}
