package cpuminer

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/MonteCarloClub/powminer/hashengine"
	"github.com/MonteCarloClub/powminer/mining"
)

// worker hashes the nonces congruent to id modulo step for whatever job is
// current, on a thread pinned to core.
type worker struct {
	id        uint32
	core      int
	step      uint32
	end       uint64
	batchSize int

	jobs      *mining.JobState
	submitter Submitter
	newEngine func(hashengine.AllocPolicy) (hashengine.Engine, error)
	pin       func(core int) error
	policy    hashengine.AllocPolicy
	counter   *mining.HashCounter

	found []*mining.Share
}

// batchCount returns how many nonces of the class starting at next and
// advancing by step fit in one batch without reaching end.
func batchCount(next uint64, step uint32, batchSize int, end uint64) int {
	if next >= end {
		return 0
	}
	remaining := (end - next + uint64(step) - 1) / uint64(step)
	if remaining < uint64(batchSize) {
		return int(remaining)
	}
	return batchSize
}

func (w *worker) collect(share *mining.Share) {
	w.found = append(w.found, share)
}

// run is the worker main loop.  It returns nil when ctx is cancelled and an
// error for failures that must stop the process.
func (w *worker) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.pin(w.core); err != nil {
		return fmt.Errorf("unable to pin thread to core %d: %w", w.core, err)
	}

	engine, err := w.newEngine(w.policy)
	if err != nil {
		return fmt.Errorf("unable to create hash engine: %w", err)
	}
	defer engine.Close()

	var (
		job  *mining.Job
		next uint64
	)
	for {
		if ctx.Err() != nil {
			return nil
		}

		cur, err := w.jobs.Current(ctx)
		if err != nil {
			return nil
		}
		if cur != job {
			job = cur
			next = uint64(w.id)
			log.Tracef("worker%d switching to %v", w.id, job)
		}

		count := batchCount(next, w.step, w.batchSize, w.end)
		if count == 0 {
			log.Debugf("worker%d exhausted its nonces for job %s", w.id,
				job.ID)
			if _, err := w.jobs.Next(ctx, job.Version); err != nil {
				return nil
			}
			continue
		}

		w.found = w.found[:0]
		n, err := engine.HashBatch(job, uint32(next), w.step, count,
			w.collect)
		if n > 0 {
			w.counter.Add(uint64(n))
			next += uint64(n) * uint64(w.step)
		}
		for _, share := range w.found {
			w.submitter.SubmitShare(share)
		}
		if err != nil {
			if errors.Is(err, hashengine.ErrFastMemUnavailable) {
				return err
			}
			log.Errorf("worker%d unable to hash job %s, waiting for "+
				"a new job: %v", w.id, job.ID, err)
			if _, err := w.jobs.Next(ctx, job.Version); err != nil {
				return nil
			}
		}
	}
}
