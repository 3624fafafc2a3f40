package fsx

import (
	"context"
	"crypto/rand"
	"errors"
	"os"

	"github.com/DoubleLatte/passcode/internal/errs"
)

// DefaultEraseBlockSize bounds memory use when wiping large files.
const DefaultEraseBlockSize = 64 * 1024

// Eraser overwrites file contents in place before removing the directory
// entry, so the data cannot be recovered from the storage medium. The first
// pass writes cryptographically random bytes, the second writes zeros, and
// the file is flushed to physical storage after each pass.
type Eraser struct {
	BlockSize int
}

// NewEraser returns an Eraser with the default block size.
func NewEraser() *Eraser {
	return &Eraser{BlockSize: DefaultEraseBlockSize}
}

// Erase wipes and removes path. A missing path or a zero-length file is a
// successful no-op, so erasing twice is idempotent. If an overwrite pass
// fails partway, the deletion still proceeds but the pass failure is
// surfaced to the caller.
//
// Cancellation is polled at block boundaries; a cancelled erase returns
// errs.ErrCancelled and may leave the file partially overwritten but intact.
func (e *Eraser) Erase(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.ErrIO, path, "stat file for secure erase", err)
	}
	if fi.IsDir() {
		return errs.New(errs.ErrIO, path, "secure erase of a directory is not supported")
	}
	if fi.Size() == 0 {
		if err := os.Remove(path); err != nil {
			return errs.Wrap(errs.ErrIO, path, "remove empty file", err)
		}
		return nil
	}

	overwriteErr := e.overwrite(ctx, path, fi.Size())
	if errors.Is(overwriteErr, errs.ErrCancelled) {
		return overwriteErr
	}

	removeErr := os.Remove(path)
	if removeErr != nil {
		removeErr = errs.Wrap(errs.ErrIO, path, "remove file after overwrite", removeErr)
	}
	if overwriteErr != nil {
		// Never swallow a partial overwrite failure, even though the
		// entry itself is gone.
		return errors.Join(overwriteErr, removeErr)
	}
	return removeErr
}

func (e *Eraser) overwrite(ctx context.Context, path string, size int64) error {
	blockSize := e.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultEraseBlockSize
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errs.Wrap(errs.ErrIO, path, "open file for overwrite", err)
	}
	defer f.Close()

	block := make([]byte, blockSize)
	for pass := 0; pass < 2; pass++ {
		if _, err := f.Seek(0, 0); err != nil {
			return errs.Wrap(errs.ErrIO, path, "seek before overwrite pass", err)
		}
		var written int64
		for written < size {
			if err := ctx.Err(); err != nil {
				return errs.Wrap(errs.ErrCancelled, path, "secure erase interrupted", err)
			}
			n := int64(blockSize)
			if size-written < n {
				n = size - written
			}
			if pass == 0 {
				if _, err := rand.Read(block[:n]); err != nil {
					return errs.Wrap(errs.ErrIO, path, "generate random overwrite data", err)
				}
			} else {
				for i := range block[:n] {
					block[i] = 0
				}
			}
			if _, err := f.Write(block[:n]); err != nil {
				return errs.Wrap(errs.ErrIO, path, "overwrite pass", err)
			}
			written += n
		}
		if err := f.Sync(); err != nil {
			return errs.Wrap(errs.ErrIO, path, "flush overwrite pass", err)
		}
	}
	return nil
}
