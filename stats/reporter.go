// Package stats reports per-worker and aggregate hash rates.
package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MonteCarloClub/powminer/mining"
)

// WorkerRate is the hash rate of one worker over a reporting cycle.
type WorkerRate struct {
	// Hashes is the worker's total hash count at the sample.
	Hashes uint64

	// Current is the rate since the previous sample.
	Current float64

	// Average is the rate since the reporter was created.
	Average float64
}

// Snapshot is one reporting cycle.
type Snapshot struct {
	Workers []WorkerRate

	// Current and Average are summed over all workers.
	Current float64
	Average float64

	SinceLast  time.Duration
	SinceStart time.Duration
}

// Reporter computes hash rates from worker counters.  It is not safe for
// concurrent use; it runs on the main goroutine.
type Reporter struct {
	counters []*mining.HashCounter
	out      io.Writer
	now      func() time.Time

	start time.Time
	last  time.Time
	prev  []uint64
}

// NewReporter returns a reporter over counters, writing reports to out.  The
// rates of the first report are measured from this call.
func NewReporter(counters []*mining.HashCounter, out io.Writer) *Reporter {
	return newReporter(counters, out, time.Now)
}

func newReporter(counters []*mining.HashCounter, out io.Writer,
	now func() time.Time) *Reporter {

	start := now()
	prev := make([]uint64, len(counters))
	for i, c := range counters {
		prev[i] = c.Load()
	}
	return &Reporter{
		counters: counters,
		out:      out,
		now:      now,
		start:    start,
		last:     start,
		prev:     prev,
	}
}

// rate returns hashes per second over d, or zero for a non-positive d.
func rate(hashes uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(hashes) / d.Seconds()
}

// Sample snapshots every counter and computes the rates since the previous
// sample and since the start.
func (r *Reporter) Sample() *Snapshot {
	now := r.now()
	snap := &Snapshot{
		Workers:    make([]WorkerRate, len(r.counters)),
		SinceLast:  now.Sub(r.last),
		SinceStart: now.Sub(r.start),
	}
	r.last = now

	for i, c := range r.counters {
		cur := c.Load()
		w := WorkerRate{
			Hashes:  cur,
			Current: rate(cur-r.prev[i], snap.SinceLast),
			Average: rate(cur, snap.SinceStart),
		}
		r.prev[i] = cur

		snap.Workers[i] = w
		snap.Current += w.Current
		snap.Average += w.Average
	}
	return snap
}

// Format renders a snapshot as the text report.
func (s *Snapshot) Format() string {
	var b strings.Builder
	b.WriteString("worker stats (since last):\n")
	for i, w := range s.Workers {
		fmt.Fprintf(&b, "\t%d: %.1f H/s (avg %.1f H/s)\n", i, w.Current,
			w.Average)
	}
	fmt.Fprintf(&b, "\ttotal: %.1f H/s (avg %.1f H/s)\n", s.Current,
		s.Average)
	return b.String()
}

// Report samples the counters and writes the report.
func (r *Reporter) Report() error {
	snap := r.Sample()
	log.Debugf("%d workers, %.1f H/s over the last %v", len(snap.Workers),
		snap.Current, snap.SinceLast)
	_, err := io.WriteString(r.out, snap.Format())
	return err
}

// Run reports every time trigger fires.  It returns nil once the trigger is
// exhausted and the context error when ctx is done.
func (r *Reporter) Run(ctx context.Context, trigger Trigger) error {
	for {
		err := trigger.Wait(ctx)
		if errors.Is(err, io.EOF) {
			log.Infof("Stats input closed, no further reports")
			return nil
		}
		if err != nil {
			return err
		}

		if err := r.Report(); err != nil {
			return fmt.Errorf("unable to write stats: %w", err)
		}
	}
}
