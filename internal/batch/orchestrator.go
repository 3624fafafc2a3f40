// Package batch runs encryption, decryption and secure deletion over
// groups of files with bounded parallelism. One failing file never
// aborts its siblings; cancellation stops cleanly at chunk boundaries
// and leaves committed artifacts in place.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DoubleLatte/passcode/internal/bundle"
	"github.com/DoubleLatte/passcode/internal/core/domain"
	"github.com/DoubleLatte/passcode/internal/core/ports"
	"github.com/DoubleLatte/passcode/internal/encryption/chunking"
	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/fsx"
	"github.com/DoubleLatte/passcode/internal/logging"
	"github.com/DoubleLatte/passcode/internal/preflight"
)

// LockSuffix marks encrypted artifacts.
const LockSuffix = ".lock"

// DefaultWorkers returns the default parallelism, half the CPUs with a
// floor of two.
func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds parallel tasks. Zero means DefaultWorkers.
	Workers int

	// RemoveSource securely erases plaintext originals after a verified
	// encryption, and removes artifacts after a successful decryption.
	RemoveSource bool

	// Store, when set, receives a copy of every committed encrypted
	// artifact. Replication failures are logged, never fatal.
	Store ports.ArtifactStore

	Logger logging.Logger
}

// Orchestrator coordinates the per-file pipeline across a batch.
type Orchestrator struct {
	cipher   ports.Cipher
	eraser   ports.Eraser
	verifier ports.Verifier
	store    ports.ArtifactStore
	log      logging.Logger

	workers      int
	removeSource bool

	// checkDisk and checkMemory are swapped in tests.
	checkDisk   func(path string, payload int64) (preflight.DiskReport, error)
	checkMemory func(workers int) error
}

// New builds an Orchestrator. cipher, eraser and verifier are required.
func New(cipher ports.Cipher, eraser ports.Eraser, verifier ports.Verifier, opts Options) (*Orchestrator, error) {
	if cipher == nil || eraser == nil || verifier == nil {
		return nil, errs.New(errs.ErrValidation, "", "cipher, eraser and verifier are all required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		cipher:       cipher,
		eraser:       eraser,
		verifier:     verifier,
		store:        opts.Store,
		log:          log,
		workers:      workers,
		removeSource: opts.RemoveSource,
		checkDisk:    preflight.CheckDisk,
		checkMemory:  memoryCheck,
	}, nil
}

// memoryCheck fails the batch when even minimum-size chunk buffers for all
// workers would not fit the memory budget. A host whose memory cannot be
// discovered is not failed; chunk sizing then falls back to the clamped
// preference.
func memoryCheck(workers int) error {
	usable, err := preflight.UsableMemory()
	if err != nil {
		return nil
	}
	return preflight.CheckMemory(usable, workers, chunking.MinChunkSize)
}

// Encrypt encrypts paths. A single path becomes one artifact next to the
// original. Multiple paths are first packed into a zip bundle, and the
// bundle becomes the single artifact; the originals are left untouched
// and the intermediate bundle is securely erased.
func (o *Orchestrator) Encrypt(ctx context.Context, paths []string) (*domain.BatchResult, error) {
	payload, err := statTotal(paths)
	if err != nil {
		return nil, err
	}
	if err := o.preflight(filepath.Dir(paths[0]), payload); err != nil {
		return nil, err
	}

	bundled := false
	sources := paths
	if needsBundle(paths) {
		archive, err := bundle.Create(ctx, filepath.Dir(paths[0]), paths)
		if err != nil {
			return nil, err
		}
		sources = []string{archive}
		bundled = true
	}

	result := &domain.BatchResult{ID: newBatchID(), Operation: domain.OpEncrypt}
	for _, src := range sources {
		fi, err := os.Stat(src)
		if err != nil {
			return nil, errs.Wrap(errs.ErrIO, src, "failed to stat source", err)
		}
		dest := fsx.UniquePath(src + LockSuffix)
		result.Tasks = append(result.Tasks, domain.NewFileTask(src, dest, fi.Size()))
	}

	o.run(ctx, result, func(ctx context.Context, task *domain.FileTask) {
		// The bundle is a plaintext aggregate and never survives the
		// batch, regardless of the keep-originals setting.
		o.encryptOne(ctx, task, o.removeSource || bundled)
	})

	// The success path erases the bundle in-pipeline; on failure or
	// cancellation it is still sitting next to the originals holding a
	// plaintext copy of every input, so it must go regardless.
	if bundled {
		for _, task := range result.Tasks {
			if task.Status() == domain.StatusCompleted {
				continue
			}
			if err := o.eraser.Erase(context.WithoutCancel(ctx), task.Source); err != nil {
				o.log.Warn(ctx, "failed to erase leftover bundle",
					"path", task.Source, "error", err)
			}
		}
	}
	return result, nil
}

// Decrypt restores artifacts. Each path must carry the lock suffix; the
// restored file lands next to it under the original name. A restored
// bundle archive is unpacked in place and then removed.
func (o *Orchestrator) Decrypt(ctx context.Context, paths []string) (*domain.BatchResult, error) {
	payload, err := statTotal(paths)
	if err != nil {
		return nil, err
	}
	if err := o.preflight(filepath.Dir(paths[0]), payload); err != nil {
		return nil, err
	}

	result := &domain.BatchResult{ID: newBatchID(), Operation: domain.OpDecrypt}
	for _, src := range paths {
		if !strings.HasSuffix(src, LockSuffix) {
			return nil, errs.New(errs.ErrValidation, src, "not an encrypted artifact (missing .lock suffix)")
		}
		fi, err := os.Stat(src)
		if err != nil {
			return nil, errs.Wrap(errs.ErrIO, src, "failed to stat artifact", err)
		}
		dest := fsx.UniquePath(strings.TrimSuffix(src, LockSuffix))
		result.Tasks = append(result.Tasks, domain.NewFileTask(src, dest, fi.Size()))
	}

	o.run(ctx, result, o.decryptOne)
	return result, nil
}

// SecureDelete destroys paths beyond recovery.
func (o *Orchestrator) SecureDelete(ctx context.Context, paths []string) (*domain.BatchResult, error) {
	if len(paths) == 0 {
		return nil, errs.New(errs.ErrValidation, "", "no files given")
	}
	result := &domain.BatchResult{ID: newBatchID(), Operation: domain.OpSecureDelete}
	for _, src := range paths {
		var size int64
		if fi, err := os.Stat(src); err == nil {
			size = fi.Size()
		}
		result.Tasks = append(result.Tasks, domain.NewFileTask(src, "", size))
	}

	o.run(ctx, result, func(ctx context.Context, task *domain.FileTask) {
		if !task.Start() {
			return
		}
		if err := o.eraser.Erase(ctx, task.Source); err != nil {
			o.finishErr(ctx, task, "secure deletion failed", err)
			return
		}
		task.AddBytes(task.Size)
		task.Complete("destroyed")
	})
	return result, nil
}

// run executes fn over every task with bounded parallelism and then
// fills in the batch counters. Task failures are recorded on the task,
// never propagated between siblings.
func (o *Orchestrator) run(ctx context.Context, result *domain.BatchResult, fn func(context.Context, *domain.FileTask)) {
	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for _, task := range result.Tasks {
		task := task
		g.Go(func() error {
			if ctx.Err() != nil {
				task.Cancel()
				return nil
			}
			fn(ctx, task)
			return nil
		})
	}
	g.Wait()

	for _, task := range result.Tasks {
		switch task.Status() {
		case domain.StatusCompleted:
			result.Completed++
		case domain.StatusCancelled:
			result.Cancelled++
		default:
			result.Failed++
		}
	}
	o.log.Info(ctx, "batch finished",
		"batch", result.ID,
		"operation", string(result.Operation),
		"completed", result.Completed,
		"failed", result.Failed,
		"cancelled", result.Cancelled)
}

func (o *Orchestrator) encryptOne(ctx context.Context, task *domain.FileTask, eraseSource bool) {
	if !task.Start() {
		return
	}
	log := o.log.With("source", task.Source, "artifact", task.Dest)

	txn, err := fsx.Begin(task.Dest)
	if err != nil {
		o.finishErr(ctx, task, "failed to open transaction", err)
		return
	}

	task.SetStatusText("encrypting")
	if err := o.cipher.EncryptFile(ctx, task.Source, txn.TempPath(), task.AddBytes); err != nil {
		txn.Rollback()
		o.finishErr(ctx, task, "encryption failed", err)
		return
	}

	task.SetStatusText("verifying")
	if err := o.verifier.Verify(ctx, task.Source, txn.TempPath()); err != nil {
		txn.Rollback()
		o.finishErr(ctx, task, "verification failed", err)
		return
	}

	if err := txn.Commit(); err != nil {
		txn.Rollback()
		o.finishErr(ctx, task, "commit failed", err)
		return
	}
	log.Info(ctx, "artifact committed")

	if o.store != nil {
		if err := o.store.Put(ctx, task.Dest, filepath.Base(task.Dest)); err != nil {
			log.Warn(ctx, "artifact replication failed", "error", err)
		}
	}

	if eraseSource {
		task.SetStatusText("erasing source")
		if err := o.eraser.Erase(ctx, task.Source); err != nil {
			// The artifact is committed and stays; only the cleanup of
			// the plaintext failed.
			o.finishErr(ctx, task, "encrypted, but failed to erase source", err)
			return
		}
	}
	task.Complete("encrypted")
}

func (o *Orchestrator) decryptOne(ctx context.Context, task *domain.FileTask) {
	if !task.Start() {
		return
	}
	log := o.log.With("artifact", task.Source, "restored", task.Dest)

	txn, err := fsx.Begin(task.Dest)
	if err != nil {
		o.finishErr(ctx, task, "failed to open transaction", err)
		return
	}

	task.SetStatusText("decrypting")
	if err := o.cipher.DecryptFile(ctx, task.Source, txn.TempPath(), task.AddBytes); err != nil {
		txn.Rollback()
		o.finishErr(ctx, task, "decryption failed", err)
		return
	}
	if err := txn.Commit(); err != nil {
		txn.Rollback()
		o.finishErr(ctx, task, "commit failed", err)
		return
	}
	log.Info(ctx, "file restored")

	if isBundle(task.Dest) {
		task.SetStatusText("unpacking bundle")
		if err := bundle.Extract(ctx, task.Dest, filepath.Dir(task.Dest)); err != nil {
			o.finishErr(ctx, task, "failed to unpack bundle", err)
			return
		}
		if err := os.Remove(task.Dest); err != nil {
			log.Warn(ctx, "failed to remove unpacked bundle", "error", err)
		}
	}

	if o.removeSource {
		if err := os.Remove(task.Source); err != nil {
			log.Warn(ctx, "failed to remove artifact", "error", err)
		}
	}
	task.Complete("decrypted")
}

// finishErr moves a task to its terminal state for err: Cancelled when
// the context (or the pipeline) was cancelled, Failed otherwise.
func (o *Orchestrator) finishErr(ctx context.Context, task *domain.FileTask, text string, err error) {
	if ctx.Err() != nil || errors.Is(err, errs.ErrCancelled) {
		task.Cancel()
		return
	}
	o.log.Error(ctx, text, "source", task.Source, "error", err)
	task.Fail(text, err)
}

func (o *Orchestrator) preflight(dir string, payload int64) error {
	if err := o.checkMemory(o.workers); err != nil {
		return err
	}
	report, err := o.checkDisk(dir, payload)
	if err != nil {
		return err
	}
	o.log.Debug(context.Background(), "disk preflight passed",
		"free", report.Free, "required", report.Required)
	return nil
}

func statTotal(paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, errs.New(errs.ErrValidation, "", "no files given")
	}
	var total int64
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return 0, errs.Wrap(errs.ErrValidation, p, "input does not exist", err)
		}
		if fi.IsDir() {
			err := filepath.Walk(p, func(_ string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.Mode().IsRegular() {
					total += info.Size()
				}
				return nil
			})
			if err != nil {
				return 0, errs.Wrap(errs.ErrIO, p, "failed to measure directory", err)
			}
			continue
		}
		total += fi.Size()
	}
	return total, nil
}

// needsBundle reports whether the inputs must be packed into a single
// archive first. The cipher only handles regular files, so directories
// always bundle, as do multi-file selections.
func needsBundle(paths []string) bool {
	if len(paths) > 1 {
		return true
	}
	fi, err := os.Stat(paths[0])
	return err == nil && fi.IsDir()
}

func isBundle(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "encrypted_bundle_") && strings.HasSuffix(base, ".zip")
}

func newBatchID() string {
	return fmt.Sprintf("batch-%s", uuid.NewString())
}
