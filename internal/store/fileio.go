package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"agentengine/internal/errs"
)

// lockTimeout is the maximum time a read-modify-write waits to acquire a
// file's exclusive lock before failing with errs.KindLockTimeout.
const lockTimeout = 5 * time.Second

// withFileLock acquires an exclusive advisory lock on path+".lock", runs fn,
// and releases the lock on return. fn must not perform further I/O under a
// different file's lock without following the project-id ordering rule
// documented on Store.ClaimNextTask.
func withFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return errs.Wrap(errs.KindGit, "create lock dir", err)
	}

	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return errs.Wrap(errs.KindLockTimeout, fmt.Sprintf("could not lock %s within %s", path, lockTimeout), err)
	}
	defer fl.Unlock()

	return fn()
}

// readJSON loads and unmarshals path into v. A missing file leaves v
// untouched and returns nil (callers treat "not present" as "empty").
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindGit, "read "+path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindGit, "unmarshal "+path, err)
	}
	return nil
}

// writeJSONAtomic marshals v and writes it to path via a tempfile-then-rename
// so readers never observe a partial write.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindGit, "create dir for "+path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindGit, "marshal "+path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindGit, "create tempfile for "+path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindGit, "write tempfile for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindGit, "fsync tempfile for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindGit, "close tempfile for "+path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.KindGit, "rename into place "+path, err)
	}
	return nil
}

// quarantine moves a malformed file aside (path -> path+".quarantined-<ts>")
// so startup can continue with a fresh empty registry.
func quarantine(path string) (string, error) {
	dest := fmt.Sprintf("%s.quarantined-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}
