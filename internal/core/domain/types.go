// Package domain holds the data model shared across the engine: file tasks,
// batch aggregates, and their lifecycle.
package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Operation is the transform a batch applies to its tasks.
type Operation string

const (
	OpEncrypt      Operation = "encrypt"
	OpDecrypt      Operation = "decrypt"
	OpSecureDelete Operation = "secure-delete"
)

// TaskStatus is the lifecycle state of a FileTask. Completed, Failed and
// Cancelled are terminal; there are no transitions out of them.
type TaskStatus int32

const (
	StatusPending TaskStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FileTask is one unit of batch work. The orchestrator creates it, exactly
// one worker mutates it, and any goroutine may read progress concurrently.
type FileTask struct {
	ID     string
	Source string
	Dest   string
	Size   int64

	processed atomic.Int64

	mu         sync.Mutex
	status     TaskStatus
	statusText string
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// NewFileTask builds a pending task for source of the given size.
func NewFileTask(source, dest string, size int64) *FileTask {
	return &FileTask{
		ID:         uuid.NewString(),
		Source:     source,
		Dest:       dest,
		Size:       size,
		statusText: "queued",
	}
}

// Start moves the task to Processing. It reports false if the task is
// already terminal (e.g. cancelled before it ever ran).
func (t *FileTask) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusProcessing
	t.statusText = "processing"
	t.startedAt = time.Now()
	return true
}

// Complete marks the task Completed. No-op once terminal.
func (t *FileTask) Complete(text string) {
	t.finish(StatusCompleted, text, nil)
}

// Fail marks the task Failed with its cause. No-op once terminal.
func (t *FileTask) Fail(text string, err error) {
	t.finish(StatusFailed, text, err)
}

// Cancel marks the task Cancelled. Works from Pending (never started) and
// from Processing (stopped at a chunk boundary). No-op once terminal.
func (t *FileTask) Cancel() {
	t.finish(StatusCancelled, "cancelled", nil)
}

func (t *FileTask) finish(s TaskStatus, text string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = s
	t.statusText = text
	t.err = err
	t.finishedAt = time.Now()
}

// SetStatusText updates the human-readable status line without changing
// the lifecycle state.
func (t *FileTask) SetStatusText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Terminal() {
		t.statusText = text
	}
}

// AddBytes records n more processed bytes.
func (t *FileTask) AddBytes(n int64) {
	t.processed.Add(n)
}

// Processed returns the bytes processed so far.
func (t *FileTask) Processed() int64 {
	return t.processed.Load()
}

// Progress returns the task's completion fraction in [0,1].
func (t *FileTask) Progress() float64 {
	if t.Size <= 0 {
		if t.Status().Terminal() {
			return 1
		}
		return 0
	}
	p := float64(t.processed.Load()) / float64(t.Size)
	if p > 1 {
		p = 1
	}
	return p
}

// Status returns the current lifecycle state.
func (t *FileTask) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StatusText returns the human-readable status line.
func (t *FileTask) StatusText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusText
}

// Err returns the failure cause, if any.
func (t *FileTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Duration reports wall-clock processing time for finished tasks.
func (t *FileTask) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() || t.finishedAt.IsZero() {
		return 0
	}
	return t.finishedAt.Sub(t.startedAt)
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	ID        string
	Operation Operation
	Tasks     []*FileTask

	Completed int
	Failed    int
	Cancelled int
}

// Progress returns the batch-wide fraction of bytes processed, in [0,1].
// Correct regardless of task completion order: it sums atomic per-task
// counters instead of tracking positions.
func (r *BatchResult) Progress() float64 {
	var processed, total int64
	for _, t := range r.Tasks {
		processed += t.Processed()
		total += t.Size
	}
	if total == 0 {
		return 0
	}
	f := float64(processed) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

// Outcome returns the first failure among tasks, or nil when every task
// completed or was cancelled.
func (r *BatchResult) Outcome() error {
	for _, t := range r.Tasks {
		if t.Status() == StatusFailed {
			return t.Err()
		}
	}
	return nil
}
