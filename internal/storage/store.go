// Package storage replicates committed encrypted artifacts to a replica
// location. Replication is best effort and strictly post-commit: the
// engine never depends on a replica to decrypt, and plaintext never
// reaches a store.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/DoubleLatte/passcode/internal/core/ports"
	"github.com/DoubleLatte/passcode/internal/errs"
)

// ArtifactInfo is the sidecar metadata written next to each replicated
// artifact.
type ArtifactInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// LocalStore mirrors artifacts into a directory, typically a mounted
// backup volume.
type LocalStore struct {
	dir string
}

var _ ports.ArtifactStore = (*LocalStore)(nil)

// NewLocalStore returns a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errs.New(errs.ErrValidation, "", "replica directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.ErrIO, dir, "failed to create replica directory", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put copies the artifact at localPath into the replica directory under
// name, with an ArtifactInfo sidecar.
func (s *LocalStore) Put(ctx context.Context, localPath, name string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, name, "replication cancelled", err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return errs.Wrap(errs.ErrIO, localPath, "failed to open artifact", err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return errs.Wrap(errs.ErrIO, localPath, "failed to stat artifact", err)
	}
	dest := filepath.Join(s.dir, name)
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.ErrIO, dest, "failed to create replica", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return errs.Wrap(errs.ErrIO, dest, "failed to write replica", err)
	}
	if err := out.Close(); err != nil {
		return errs.Wrap(errs.ErrIO, dest, "failed to close replica", err)
	}
	return s.writeInfo(name, ArtifactInfo{Name: name, Size: fi.Size(), UploadedAt: time.Now().UTC()})
}

// Delete removes a replicated artifact and its sidecar. Missing objects
// are not an error.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, name, "replica delete cancelled", err)
	}
	for _, p := range []string{filepath.Join(s.dir, name), s.infoPath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.ErrIO, p, "failed to delete replica", err)
		}
	}
	return nil
}

// Info reads the sidecar for a replicated artifact.
func (s *LocalStore) Info(name string) (ArtifactInfo, error) {
	data, err := os.ReadFile(s.infoPath(name))
	if err != nil {
		return ArtifactInfo{}, errs.Wrap(errs.ErrIO, name, "failed to read artifact info", err)
	}
	var info ArtifactInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ArtifactInfo{}, errs.Wrap(errs.ErrIO, name, "failed to parse artifact info", err)
	}
	return info, nil
}

func (s *LocalStore) writeInfo(name string, info ArtifactInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errs.Wrap(errs.ErrIO, name, "failed to marshal artifact info", err)
	}
	if err := os.WriteFile(s.infoPath(name), data, 0o600); err != nil {
		return errs.Wrap(errs.ErrIO, name, "failed to write artifact info", err)
	}
	return nil
}

func (s *LocalStore) infoPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}
