package mining

import (
	"context"
	"sync/atomic"
)

// jobEntry is one immutable published state.  The next channel is closed
// once the entry has been superseded, which wakes anyone waiting for a newer
// job.
type jobEntry struct {
	job  *Job
	next chan struct{}
}

// JobState holds the current job shared between the pool client, which
// replaces it, and the workers, which read it.  Readers never block a writer
// and a writer never blocks readers.
type JobState struct {
	cur atomic.Pointer[jobEntry]
}

// NewJobState returns a JobState with no job published.
func NewJobState() *JobState {
	s := &JobState{}
	s.cur.Store(&jobEntry{next: make(chan struct{})})
	return s
}

// Replace publishes a copy of job as the current job, assigning it the next
// version, and wakes every waiting reader.  The published copy is returned.
// A nil job is ignored.
func (s *JobState) Replace(job *Job) *Job {
	if job == nil {
		return nil
	}

	for {
		old := s.cur.Load()
		published := *job
		published.Version = 1
		if old.job != nil {
			published.Version = old.job.Version + 1
		}

		entry := &jobEntry{job: &published, next: make(chan struct{})}
		if s.cur.CompareAndSwap(old, entry) {
			close(old.next)
			return &published
		}
	}
}

// Load returns the current job without blocking, or nil when no job has been
// published yet.
func (s *JobState) Load() *Job {
	return s.cur.Load().job
}

// Current returns the current job, waiting for the first one to be published
// if necessary.  It returns the context error if ctx is done first.
func (s *JobState) Current(ctx context.Context) (*Job, error) {
	return s.Next(ctx, 0)
}

// Next waits until a job with a version newer than version is published and
// returns it.  A version of zero accepts any job.
func (s *JobState) Next(ctx context.Context, version uint64) (*Job, error) {
	for {
		entry := s.cur.Load()
		if entry.job != nil && entry.job.Version > version {
			return entry.job, nil
		}

		select {
		case <-entry.next:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
