// Package chunking decides how large the working buffer for one cipher step
// may be. The preference from configuration is clamped to a fixed range and
// further capped by a bounded fraction of the memory actually available, so
// a batch never allocates itself into an out-of-memory crash.
package chunking

import (
	"fmt"

	"github.com/DoubleLatte/passcode/internal/errs"
	"github.com/DoubleLatte/passcode/internal/preflight"
)

const (
	DefaultChunkSize = 16 * 1024 * 1024 // 16 MiB
	MinChunkSize     = 64 * 1024        // 64 KiB
	MaxChunkSize     = 64 * 1024 * 1024 // 64 MiB
)

// Validate reports whether size is an acceptable chunk size.
func Validate(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return errs.New(errs.ErrValidation, "",
			fmt.Sprintf("invalid chunk size %d: must be between %d and %d bytes", size, MinChunkSize, MaxChunkSize))
	}
	return nil
}

// Clamp forces size into the [MinChunkSize, MaxChunkSize] range,
// substituting the default for non-positive values.
func Clamp(size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// Compute returns the effective chunk size for a batch: the clamped
// preference, reduced so that all workers' buffers together stay within a
// bounded fraction of usableMemory. It never goes below MinChunkSize; if
// even the minimum does not fit, preflight.CheckMemory fails the batch up
// front.
func Compute(pref, workers int, usableMemory uint64) int {
	size := Clamp(pref)
	if workers < 1 {
		workers = 1
	}
	if usableMemory == 0 {
		return size
	}

	budget := usableMemory / preflight.MemoryFraction / uint64(workers)
	if budget < uint64(size) {
		size = Clamp(int(budget))
	}
	return size
}
