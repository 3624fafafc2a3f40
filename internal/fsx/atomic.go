// Package fsx provides the filesystem safety layer: atomic replacement of
// destination files, backup/restore transactions for destructive transforms,
// secure erasure, and round-trip verification.
package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DoubleLatte/passcode/internal/errs"
)

const tmpSuffix = ".tmp"
const bakSuffix = ".bak"

// WriteAtomic writes a file through a sibling temp path and renames it over
// dest only after fn succeeded and the data reached storage. On any failure
// the temp file is discarded and dest is left byte-for-byte unchanged.
func WriteAtomic(dest string, fn func(w io.Writer) error) error {
	tmp := dest + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.ErrIO, dest, "create temp file", err)
	}

	if err := fn(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.ErrIO, dest, "flush temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.ErrIO, dest, "close temp file", err)
	}

	// Rename within the same directory, so same filesystem. Never copy+delete.
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.ErrIO, dest, "atomic replace", err)
	}
	return nil
}

// Txn is a write-to-temp transaction for one destination path. The caller
// produces the new artifact at TempPath, optionally verifies it, then either
// Commits (atomic rename) or Rolls back (discard temp, restore any backup).
//
// If dest already exists when the transaction begins, a backup copy is taken
// first so Rollback can restore the original exactly.
type Txn struct {
	dest      string
	tmp       string
	backup    string
	committed bool
}

// Begin opens a transaction targeting dest.
func Begin(dest string) (*Txn, error) {
	t := &Txn{dest: dest, tmp: dest + tmpSuffix}

	_, err := os.Stat(dest)
	switch {
	case err == nil:
		backup := dest + bakSuffix
		if err := copyFile(dest, backup); err != nil {
			return nil, errs.Wrap(errs.ErrIO, dest, "back up existing destination", err)
		}
		t.backup = backup
	case errors.Is(err, os.ErrNotExist):
		// Fresh destination, nothing to back up.
	default:
		return nil, errs.Wrap(errs.ErrIO, dest, "stat destination", err)
	}
	return t, nil
}

// TempPath is where the new artifact must be written.
func (t *Txn) TempPath() string { return t.tmp }

// Dest is the final destination path.
func (t *Txn) Dest() string { return t.dest }

// Commit atomically replaces dest with the temp artifact and drops the
// backup. After Commit the result is final: a later cancellation request
// cannot undo it.
func (t *Txn) Commit() error {
	if t.committed {
		return nil
	}
	if err := os.Rename(t.tmp, t.dest); err != nil {
		return errs.Wrap(errs.ErrIO, t.dest, "atomic replace", err)
	}
	t.committed = true
	if t.backup != "" {
		if err := os.Remove(t.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errs.Wrap(errs.ErrIO, t.backup, "remove backup", err)
		}
	}
	return nil
}

// Rollback discards the temp artifact and restores the destination from its
// backup. Safe to call after Commit (it then does nothing) and to defer
// unconditionally.
func (t *Txn) Rollback() error {
	if t.committed {
		return nil
	}
	var firstErr error
	if err := os.Remove(t.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		firstErr = errs.Wrap(errs.ErrIO, t.tmp, "discard temp artifact", err)
	}
	if t.backup != "" {
		if err := os.Rename(t.backup, t.dest); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.ErrIO, t.dest, "restore backup", err)
		}
	}
	return firstErr
}

// Committed reports whether the transaction already reached its final state.
func (t *Txn) Committed() bool { return t.committed }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// UniquePath returns path if it is free, otherwise "name (1).ext",
// "name (2).ext" and so on within the same directory.
func UniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := ""
	stem := path
	if i := lastDotAfterSlash(path); i >= 0 {
		stem, ext = path[:i], path[i:]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

func lastDotAfterSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return i
		case '/', '\\':
			return -1
		}
	}
	return -1
}
