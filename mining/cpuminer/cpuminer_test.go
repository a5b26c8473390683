package cpuminer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MonteCarloClub/powminer/hashengine"
	"github.com/MonteCarloClub/powminer/mining"
)

// fakeEngine hands every batch to hash instead of hashing.
type fakeEngine struct {
	hash func(job *mining.Job, first, step uint32, count int, found hashengine.FoundFunc) (int, error)
}

func (e *fakeEngine) HashBatch(job *mining.Job, first, step uint32, count int,
	found hashengine.FoundFunc) (int, error) {

	return e.hash(job, first, step, count, found)
}

func (e *fakeEngine) Close() {}

// nonceRecorder records every nonce hashed by any worker.
type nonceRecorder struct {
	sync.Mutex
	seen map[uint32]int
	jobs map[uint32]string
}

func newNonceRecorder() *nonceRecorder {
	return &nonceRecorder{
		seen: make(map[uint32]int),
		jobs: make(map[uint32]string),
	}
}

func (r *nonceRecorder) engine(hashengine.AllocPolicy) (hashengine.Engine, error) {
	return &fakeEngine{hash: func(job *mining.Job, first, step uint32,
		count int, found hashengine.FoundFunc) (int, error) {

		r.Lock()
		defer r.Unlock()
		nonce := first
		for i := 0; i < count; i++ {
			r.seen[nonce]++
			r.jobs[nonce] = job.ID
			nonce += step
		}
		return count, nil
	}}, nil
}

func (r *nonceRecorder) total() int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, c := range r.seen {
		n += c
	}
	return n
}

type shareCollector struct {
	sync.Mutex
	shares []*mining.Share
}

func (c *shareCollector) SubmitShare(share *mining.Share) {
	c.Lock()
	c.shares = append(c.shares, share)
	c.Unlock()
}

func (c *shareCollector) count() int {
	c.Lock()
	defer c.Unlock()
	return len(c.shares)
}

// fatalRecorder captures errors passed to the failure callback.
type fatalRecorder struct {
	errs chan error
}

func newFatalRecorder() *fatalRecorder {
	return &fatalRecorder{errs: make(chan error, 16)}
}

func (f *fatalRecorder) fatal(err error) {
	f.errs <- err
}

func (f *fatalRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fatal error")
	}
	return nil
}

func fakeCores(ids ...int) func() ([]int, error) {
	return func() ([]int, error) { return ids, nil }
}

func noPin(int) error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestBatchCountPartition ensures that stepping every residue class with
// batchCount visits each nonce below end exactly once for any worker count.
func TestBatchCountPartition(t *testing.T) {
	for workers := uint32(1); workers <= 7; workers++ {
		for end := uint64(0); end <= 60; end++ {
			for batch := 1; batch <= 5; batch++ {
				seen := make([]int, end)
				for id := uint32(0); id < workers; id++ {
					next := uint64(id)
					for {
						n := batchCount(next, workers, batch, end)
						if n == 0 {
							break
						}
						for i := 0; i < n; i++ {
							nonce := next + uint64(i)*uint64(workers)
							if nonce >= end {
								t.Fatalf("N=%d end=%d batch=%d: "+
									"nonce %d past end", workers,
									end, batch, nonce)
							}
							seen[nonce]++
						}
						next += uint64(n) * uint64(workers)
					}
				}
				for nonce, c := range seen {
					if c != 1 {
						t.Fatalf("N=%d end=%d batch=%d: nonce %d "+
							"visited %d times", workers, end,
							batch, nonce, c)
					}
				}
			}
		}
	}
}

// TestBatchCountFullSpace ensures the last batch of the 32-bit nonce space
// stops at the largest nonce.
func TestBatchCountFullSpace(t *testing.T) {
	if n := batchCount(nonceSpaceEnd-1, 1, 32, nonceSpaceEnd); n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
	if n := batchCount(nonceSpaceEnd-3, 2, 32, nonceSpaceEnd); n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
	if n := batchCount(nonceSpaceEnd, 1, 32, nonceSpaceEnd); n != 0 {
		t.Fatalf("got %d, want 0", n)
	}
}

// TestWorkersCoverNonceSpace runs real workers over a small nonce space and
// ensures they hash every nonce exactly once, then idle until a new job.
func TestWorkersCoverNonceSpace(t *testing.T) {
	const numWorkers, end = 3, 100

	rec := newNonceRecorder()
	jobs := mining.NewJobState()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	counters := make([]*mining.HashCounter, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:        uint32(i),
			step:      numWorkers,
			end:       end,
			batchSize: 7,
			jobs:      jobs,
			submitter: &shareCollector{},
			newEngine: rec.engine,
			pin:       noPin,
			counter:   new(mining.HashCounter),
		}
		counters[i] = w.counter
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(ctx); err != nil {
				t.Error(err)
			}
		}()
	}

	jobs.Replace(&mining.Job{ID: "a"})
	waitFor(t, "first job exhausted", func() bool { return rec.total() >= end })

	// Idle workers must not rehash the exhausted job.
	time.Sleep(20 * time.Millisecond)
	if got := rec.total(); got != end {
		t.Fatalf("hashed %d nonces, want %d", got, end)
	}
	rec.Lock()
	for nonce := uint32(0); nonce < end; nonce++ {
		if rec.seen[nonce] != 1 {
			t.Errorf("nonce %d hashed %d times", nonce, rec.seen[nonce])
		}
	}
	rec.Unlock()
	var sum uint64
	for _, c := range counters {
		sum += c.Load()
	}
	if sum != end {
		t.Fatalf("counters sum to %d, want %d", sum, end)
	}

	// A new job restarts every worker at the start of its class.
	jobs.Replace(&mining.Job{ID: "b"})
	waitFor(t, "second job exhausted", func() bool { return rec.total() >= 2*end })
	rec.Lock()
	for nonce := uint32(0); nonce < end; nonce++ {
		if rec.seen[nonce] != 2 || rec.jobs[nonce] != "b" {
			t.Errorf("nonce %d: hashed %d times, last job %s", nonce,
				rec.seen[nonce], rec.jobs[nonce])
		}
	}
	rec.Unlock()

	cancel()
	wg.Wait()
}

// TestStartPinsDistinctCores ensures each worker is pinned to the core its
// index names and that counters start at zero without a job.
func TestStartPinsDistinctCores(t *testing.T) {
	var (
		mu     sync.Mutex
		pinned = make(map[int]int)
	)
	rec := newNonceRecorder()
	fatal := newFatalRecorder()
	jobs := mining.NewJobState()

	m := New(&Config{
		Cores:     []uint32{1, 3},
		Jobs:      jobs,
		Submitter: &shareCollector{},
		NewEngine: rec.engine,
		CoreIDs:   fakeCores(4, 5, 6, 7),
		PinThread: func(core int) error {
			mu.Lock()
			pinned[core]++
			mu.Unlock()
			return nil
		},
		Fatal: fatal.fatal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	counters, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(counters) != 2 || m.NumWorkers() != 2 {
		t.Fatalf("got %d counters and %d workers, want 2", len(counters),
			m.NumWorkers())
	}
	if counters[0] == counters[1] {
		t.Fatal("workers share a counter")
	}

	waitFor(t, "workers pinned", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pinned) == 2
	})
	mu.Lock()
	if pinned[5] != 1 || pinned[7] != 1 {
		t.Errorf("unexpected pins: %v", pinned)
	}
	mu.Unlock()

	// Without a job the workers wait instead of hashing.
	time.Sleep(20 * time.Millisecond)
	for i, c := range counters {
		if c.Load() != 0 {
			t.Errorf("counter %d is %d before any job", i, c.Load())
		}
	}

	if _, err := m.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: got %v, want ErrAlreadyStarted", err)
	}

	cancel()
	m.WaitForShutdown()
	select {
	case err := <-fatal.errs:
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

// TestStartInvalidCores ensures bad core lists are rejected before any worker
// starts.
func TestStartInvalidCores(t *testing.T) {
	tests := []struct {
		name  string
		cores []uint32
		err   error
	}{
		{"empty", nil, ErrNoCores},
		{"out of range", []uint32{0, 4}, ErrInvalidCore},
	}

	for _, test := range tests {
		m := New(&Config{
			Cores:   test.cores,
			Jobs:    mining.NewJobState(),
			CoreIDs: fakeCores(0, 1, 2, 3),
			NewEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
				t.Errorf("%s: engine created", test.name)
				return nil, errors.New("unexpected")
			},
			PinThread: func(int) error {
				t.Errorf("%s: thread pinned", test.name)
				return nil
			},
		})
		if _, err := m.Start(context.Background()); !errors.Is(err, test.err) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.err)
		}
		if m.NumWorkers() != 0 {
			t.Errorf("%s: workers started", test.name)
		}
	}
}

// TestSharesSubmitted ensures shares found by the engine reach the submitter.
func TestSharesSubmitted(t *testing.T) {
	shares := &shareCollector{}
	m := New(&Config{
		Cores:     []uint32{0, 0},
		Jobs:      mining.NewJobState(),
		Submitter: shares,
		CoreIDs:   fakeCores(0),
		PinThread: noPin,
		NewEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return &fakeEngine{hash: func(job *mining.Job, first,
				step uint32, count int, found hashengine.FoundFunc) (int, error) {

				nonce := first
				for i := 0; i < count; i++ {
					if nonce%50 == 0 {
						found(&mining.Share{
							JobID:      job.ID,
							JobVersion: job.Version,
							Nonce:      nonce,
						})
					}
					nonce += step
				}
				return count, nil
			}}, nil
		},
		Fatal: func(err error) { t.Errorf("unexpected fatal error: %v", err) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.cfg.Jobs.Replace(&mining.Job{ID: "j1"})

	waitFor(t, "shares", func() bool { return shares.count() >= 4 })
	cancel()
	m.WaitForShutdown()

	shares.Lock()
	defer shares.Unlock()
	for _, s := range shares.shares {
		if s.JobID != "j1" || s.JobVersion != 1 || s.Nonce%50 != 0 {
			t.Errorf("unexpected share %+v", s)
		}
	}
}

// TestWorkerFailures ensures failures that stop a worker reach the fatal
// callback.
func TestWorkerFailures(t *testing.T) {
	errPin := errors.New("pin failed")

	tests := []struct {
		name      string
		pin       func(int) error
		newEngine func(hashengine.AllocPolicy) (hashengine.Engine, error)
		want      error
	}{{
		name: "pin failure",
		pin:  func(int) error { return errPin },
		newEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return &fakeEngine{}, nil
		},
		want: errPin,
	}, {
		name: "fast memory unavailable",
		pin:  noPin,
		newEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return nil, hashengine.ErrFastMemUnavailable
		},
		want: hashengine.ErrFastMemUnavailable,
	}, {
		name: "fast memory lost mid job",
		pin:  noPin,
		newEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return &fakeEngine{hash: func(*mining.Job, uint32, uint32,
				int, hashengine.FoundFunc) (int, error) {

				return 0, hashengine.ErrFastMemUnavailable
			}}, nil
		},
		want: hashengine.ErrFastMemUnavailable,
	}, {
		name: "panic",
		pin:  noPin,
		newEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return &fakeEngine{hash: func(*mining.Job, uint32, uint32,
				int, hashengine.FoundFunc) (int, error) {

				panic("boom")
			}}, nil
		},
	}}

	for _, test := range tests {
		fatal := newFatalRecorder()
		jobs := mining.NewJobState()
		jobs.Replace(&mining.Job{ID: "x"})
		m := New(&Config{
			Cores:     []uint32{0},
			Jobs:      jobs,
			Submitter: &shareCollector{},
			CoreIDs:   fakeCores(0),
			PinThread: test.pin,
			NewEngine: test.newEngine,
			Fatal:     fatal.fatal,
		})

		if _, err := m.Start(context.Background()); err != nil {
			t.Fatalf("%s: Start: %v", test.name, err)
		}
		err := fatal.wait(t)
		if test.want != nil && !errors.Is(err, test.want) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.want)
		}
		if err == nil {
			t.Errorf("%s: nil fatal error", test.name)
		}
		m.WaitForShutdown()
	}
}

// TestUnusableJobWaits ensures a job the engine cannot hash is skipped until
// a new job arrives, without stopping the worker.
func TestUnusableJobWaits(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = make(map[string]int)
	)
	jobs := mining.NewJobState()
	jobs.Replace(&mining.Job{ID: "bad"})

	m := New(&Config{
		Cores:     []uint32{0},
		Jobs:      jobs,
		Submitter: &shareCollector{},
		CoreIDs:   fakeCores(0),
		PinThread: noPin,
		NewEngine: func(hashengine.AllocPolicy) (hashengine.Engine, error) {
			return &fakeEngine{hash: func(job *mining.Job, _, _ uint32,
				count int, _ hashengine.FoundFunc) (int, error) {

				mu.Lock()
				calls[job.ID]++
				mu.Unlock()
				if job.ID == "bad" {
					return 0, hashengine.ErrUnusableJob
				}
				return count, nil
			}}, nil
		},
		Fatal: func(err error) { t.Errorf("unexpected fatal error: %v", err) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	counters, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if calls["bad"] != 1 {
		t.Errorf("unusable job attempted %d times, want 1", calls["bad"])
	}
	mu.Unlock()

	jobs.Replace(&mining.Job{ID: "good"})
	waitFor(t, "hashing resumed", func() bool { return counters[0].Load() > 0 })

	cancel()
	m.WaitForShutdown()
}
