// Package bundle packs multiple files into a single zip archive before
// encryption, and restores them afterwards. Multi-file batches are
// always bundled whole: one archive in, one archive out.
package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/fsx"
)

// Name returns the archive file name for a bundle created now,
// encrypted_bundle_<unix-ms>.zip.
func Name(now time.Time) string {
	return fmt.Sprintf("encrypted_bundle_%d.zip", now.UnixMilli())
}

// Create packs paths into a new zip archive inside dir and returns the
// archive path. Directories are walked recursively; entry names are
// relative to each path's parent so the archive extracts next to where
// it was packed. The archive is written atomically.
func Create(ctx context.Context, dir string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", errs.New(errs.ErrValidation, dir, "nothing to bundle")
	}
	dest := filepath.Join(dir, Name(time.Now()))

	err := fsx.WriteAtomic(dest, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.DefaultCompression)
		})
		for _, p := range paths {
			if err := addPath(ctx, zw, p); err != nil {
				zw.Close()
				return err
			}
		}
		return zw.Close()
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

func addPath(ctx context.Context, zw *zip.Writer, root string) error {
	base := filepath.Dir(root)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errs.Wrap(errs.ErrIO, path, "failed to walk bundle input", err)
		}
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.ErrCancelled, path, "bundling cancelled", err)
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return errs.Wrap(errs.ErrIO, path, "failed to resolve archive entry name", err)
		}
		name := filepath.ToSlash(rel)
		if info.IsDir() {
			if name == "." {
				return nil
			}
			_, err := zw.Create(name + "/")
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(zw, path, name, info)
	})
}

func addFile(zw *zip.Writer, path, name string, info os.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errs.Wrap(errs.ErrIO, path, "failed to build archive header", err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	entry, err := zw.CreateHeader(hdr)
	if err != nil {
		return errs.Wrap(errs.ErrIO, path, "failed to create archive entry", err)
	}
	in, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.ErrIO, path, "failed to open bundle input", err)
	}
	defer in.Close()

	if _, err := io.Copy(entry, in); err != nil {
		return errs.Wrap(errs.ErrIO, path, "failed to write archive entry", err)
	}
	return nil
}

// Extract unpacks archivePath into destDir, creating it if needed.
// Entry names escaping destDir are rejected.
func Extract(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errs.Wrap(errs.ErrIO, archivePath, "failed to open bundle", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return errs.Wrap(errs.ErrIO, destDir, "failed to create extraction directory", err)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.ErrCancelled, archivePath, "extraction cancelled", err)
		}
		if err := extractEntry(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	target := filepath.Join(destDir, filepath.FromSlash(f.Name))
	// Zip entries are attacker-controlled once a bundle leaves the
	// machine; refuse anything resolving outside destDir.
	if rel, err := filepath.Rel(destDir, target); err != nil || strings.HasPrefix(rel, "..") {
		return errs.New(errs.ErrValidation, f.Name, "archive entry escapes extraction directory")
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o700)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return errs.Wrap(errs.ErrIO, target, "failed to create entry directory", err)
	}
	in, err := f.Open()
	if err != nil {
		return errs.Wrap(errs.ErrIO, f.Name, "failed to open archive entry", err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return errs.Wrap(errs.ErrIO, target, "failed to create extracted file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.Wrap(errs.ErrIO, target, "failed to extract archive entry", err)
	}
	return out.Close()
}
