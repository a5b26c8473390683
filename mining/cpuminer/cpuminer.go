package cpuminer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/MonteCarloClub/powminer/hashengine"
	"github.com/MonteCarloClub/powminer/mining"
)

const (
	// defaultBatchSize is the number of nonces hashed between checks for a
	// new job or shutdown.
	defaultBatchSize = 32

	// nonceSpaceEnd is one past the largest 32-bit nonce.
	nonceSpaceEnd = uint64(1) << 32
)

var (
	// ErrNoCores is returned when the miner is configured without cores.
	ErrNoCores = errors.New("no cores configured")

	// ErrInvalidCore is returned when a configured core index does not
	// name an available core.
	ErrInvalidCore = errors.New("invalid core index")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("miner already started")
)

// Submitter accepts shares found by the workers.  SubmitShare must not block
// for long since it runs on a hashing thread.
type Submitter interface {
	SubmitShare(share *mining.Share)
}

// Config is a descriptor containing the CPU miner configuration.
type Config struct {
	// Cores lists one entry per worker.  Each entry is an index into the
	// cores available to the process; worker i is pinned to
	// available[Cores[i]].
	Cores []uint32

	// AllocPolicy is passed to every hash engine the workers create.
	AllocPolicy hashengine.AllocPolicy

	// Jobs is the shared job state the workers mine.
	Jobs *mining.JobState

	// Submitter receives every share the workers find.
	Submitter Submitter

	// BatchSize overrides the number of nonces hashed per batch.
	BatchSize int

	// NewEngine creates the hash engine of a worker.  It defaults to
	// hashengine.New.
	NewEngine func(hashengine.AllocPolicy) (hashengine.Engine, error)

	// CoreIDs enumerates the cores available to the process.  It defaults
	// to the platform implementation.
	CoreIDs func() ([]int, error)

	// PinThread pins the calling OS thread to a core.  It defaults to the
	// platform implementation.
	PinThread func(core int) error

	// Fatal is called with any error or panic that stops a worker.  The
	// default logs the failure and exits the process.
	Fatal func(error)
}

// CPUMiner runs one pinned hashing worker per configured core.  Workers are
// started by Start and run until the context passed to it is cancelled.
type CPUMiner struct {
	sync.Mutex
	cfg     Config
	started bool
	workers []*worker
	wg      sync.WaitGroup
}

// New returns a new instance of a CPU miner for the provided configuration.
// Use Start to begin the mining process.
func New(cfg *Config) *CPUMiner {
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.NewEngine == nil {
		c.NewEngine = hashengine.New
	}
	if c.CoreIDs == nil {
		c.CoreIDs = availableCores
	}
	if c.PinThread == nil {
		c.PinThread = pinThread
	}
	if c.Fatal == nil {
		c.Fatal = func(err error) {
			log.Criticalf("%v", err)
			os.Exit(1)
		}
	}
	return &CPUMiner{cfg: c}
}

// Start validates the core list and spawns the workers.  It returns one hash
// counter per worker, in core list order, each starting at zero.  No worker
// is started when any core index is invalid.
func (m *CPUMiner) Start(ctx context.Context) ([]*mining.HashCounter, error) {
	m.Lock()
	defer m.Unlock()

	if m.started {
		return nil, ErrAlreadyStarted
	}
	if len(m.cfg.Cores) == 0 {
		return nil, ErrNoCores
	}

	available, err := m.cfg.CoreIDs()
	if err != nil {
		return nil, fmt.Errorf("unable to enumerate cores: %w", err)
	}

	step := uint32(len(m.cfg.Cores))
	workers := make([]*worker, 0, len(m.cfg.Cores))
	counters := make([]*mining.HashCounter, 0, len(m.cfg.Cores))
	for i, idx := range m.cfg.Cores {
		if uint64(idx) >= uint64(len(available)) {
			return nil, fmt.Errorf("%w: worker %d asks for core index "+
				"%d, but only %d cores are available", ErrInvalidCore,
				i, idx, len(available))
		}

		w := &worker{
			id:        uint32(i),
			core:      available[idx],
			step:      step,
			end:       nonceSpaceEnd,
			batchSize: m.cfg.BatchSize,
			jobs:      m.cfg.Jobs,
			submitter: m.cfg.Submitter,
			newEngine: m.cfg.NewEngine,
			pin:       m.cfg.PinThread,
			policy:    m.cfg.AllocPolicy,
			counter:   new(mining.HashCounter),
		}
		workers = append(workers, w)
		counters = append(counters, w.counter)
	}

	for _, w := range workers {
		log.Debugf("Starting worker%d on core %d", w.id, w.core)
		m.wg.Add(1)
		go m.runWorker(ctx, w)
	}

	m.workers = workers
	m.started = true
	log.Infof("Started %d mining workers", len(workers))
	return counters, nil
}

// runWorker runs a worker inside the failure boundary.  Any error or panic
// stopping the worker, other than shutdown, is handed to the Fatal callback.
func (m *CPUMiner) runWorker(ctx context.Context, w *worker) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Fatal(fmt.Errorf("worker%d panicked: %v\n%s", w.id, r,
				debug.Stack()))
		}
	}()

	if err := w.run(ctx); err != nil {
		m.cfg.Fatal(fmt.Errorf("worker%d: %w", w.id, err))
		return
	}
	log.Tracef("worker%d done", w.id)
}

// WaitForShutdown blocks until every worker has exited.  Workers exit once
// the context passed to Start is cancelled.
func (m *CPUMiner) WaitForShutdown() {
	m.wg.Wait()
}

// NumWorkers returns the number of started workers.
func (m *CPUMiner) NumWorkers() int {
	m.Lock()
	defer m.Unlock()
	return len(m.workers)
}
