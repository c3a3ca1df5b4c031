package progress

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of a bulk job, safe to hand to pollers.
type Status struct {
	JobID     string
	Processed int64
	Total     int64
	Done      bool
	Failed    bool
	Reason    string
}

type job struct {
	processed  int64
	total      int64
	done       bool
	failed     bool
	reason     string
	finishedAt time.Time
}

// Tracker keeps per-job processed counters for long-running bulk writes.
// Safe for concurrent increments and reads from different goroutines.
// Finished jobs are retained for a grace period so a polling client can
// observe completion, then swept via CleanExpired.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*job
	retention time.Duration
}

func NewTracker(retention time.Duration) *Tracker {
	return &Tracker{
		jobs:      make(map[string]*job),
		retention: retention,
	}
}

// Start registers a job with its expected total. Restarting an existing job
// id resets its counters.
func (t *Tracker) Start(jobID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = &job{total: total}
}

// Add increments the processed count by n.
func (t *Tracker) Add(jobID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok && !j.done {
		j.processed += n
	}
}

// Complete marks the job finished successfully.
func (t *Tracker) Complete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok {
		j.done = true
		j.finishedAt = time.Now()
	}
}

// Fail marks the job terminally failed with a reason.
func (t *Tracker) Fail(jobID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok {
		j.done = true
		j.failed = true
		j.reason = reason
		j.finishedAt = time.Now()
	}
}

// Status returns the job's current snapshot.
func (t *Tracker) Status(jobID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return Status{}, false
	}
	return Status{
		JobID:     jobID,
		Processed: j.processed,
		Total:     j.total,
		Done:      j.done,
		Failed:    j.failed,
		Reason:    j.reason,
	}, true
}

// CleanExpired implements cache.Cleaner: finished jobs past the retention
// window are dropped.
func (t *Tracker) CleanExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.retention)
	removed := 0
	for id, j := range t.jobs {
		if j.done && j.finishedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked jobs.
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}
