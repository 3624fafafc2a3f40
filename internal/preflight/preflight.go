// Package preflight checks host resources before a batch starts. Disk
// and memory problems surface here, before any file is touched.
package preflight

import (
	"fmt"

	"github.com/jaypipes/ghw"

	"github.com/DoubleLatte/passcode/internal/errs"
)

// MinReserve is the floor of disk space kept free regardless of volume
// size.
const MinReserve = 500 * 1024 * 1024

// MemoryFraction is the share of usable memory the engine's chunk buffers
// may occupy in total.
const MemoryFraction = 4

// DiskReport describes the outcome of a disk space check.
type DiskReport struct {
	Free     uint64
	Total    uint64
	Required uint64
}

// Required returns the space a payload of the given size needs on a
// volume of the given total capacity: twice the payload, plus the
// larger of a tenth of the volume and MinReserve. Encryption holds the
// source, the temp artifact and a verification scratch at once.
func Required(payload int64, total uint64) uint64 {
	reserve := total / 10
	if reserve < MinReserve {
		reserve = MinReserve
	}
	return uint64(payload)*2 + reserve
}

// CheckDisk verifies the volume holding path can absorb a payload of
// the given size. A failed check is ErrResource and names the shortfall.
func CheckDisk(path string, payload int64) (DiskReport, error) {
	if payload < 0 {
		return DiskReport{}, errs.New(errs.ErrValidation, path, "negative payload size")
	}
	free, total, err := diskSpace(path)
	if err != nil {
		return DiskReport{}, errs.Wrap(errs.ErrIO, path, "failed to query disk space", err)
	}
	report := DiskReport{Free: free, Total: total, Required: Required(payload, total)}
	if free < report.Required {
		return report, errs.New(errs.ErrResource, path, fmt.Sprintf(
			"insufficient disk space: %d bytes free, %d required", free, report.Required))
	}
	return report, nil
}

// CheckMemory verifies that workers concurrent buffers of at least
// minBuffer bytes each fit inside the engine's share of usable memory.
// Failing this means even minimum-size chunks would overshoot the budget,
// so the batch must not start.
func CheckMemory(usable uint64, workers, minBuffer int) error {
	if workers < 1 {
		workers = 1
	}
	need := uint64(workers) * uint64(minBuffer)
	if usable/MemoryFraction < need {
		return errs.New(errs.ErrResource, "", fmt.Sprintf(
			"insufficient memory: %d bytes usable, %d workers need at least %d",
			usable, workers, need*MemoryFraction))
	}
	return nil
}

// UsableMemory reports the host's usable physical memory. Chunk sizing
// uses it to cap per-worker buffers.
func UsableMemory() (uint64, error) {
	mem, err := ghw.Memory()
	if err != nil {
		return 0, errs.Wrap(errs.ErrResource, "", "failed to query host memory", err)
	}
	usable := mem.TotalUsableBytes
	if usable <= 0 {
		usable = mem.TotalPhysicalBytes
	}
	if usable <= 0 {
		return 0, errs.New(errs.ErrResource, "", "host reports no usable memory")
	}
	return uint64(usable), nil
}
