// Package hashengine computes proof-of-work hashes for pool jobs.  Each mining
// worker owns one Engine, created under an allocation policy that decides
// whether hashing may fall back to slow memory when huge pages are missing.
package hashengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MonteCarloClub/powminer/mining"
)

// AllocPolicy decides what happens when fast (huge page backed) memory cannot
// be obtained for hashing.
type AllocPolicy uint8

const (
	// RequireFast makes engine creation fail without fast memory.
	RequireFast AllocPolicy = iota

	// AllowSlow falls back to ordinary memory with a warning.
	AllowSlow
)

// String returns the policy in human readable form.
func (p AllocPolicy) String() string {
	switch p {
	case RequireFast:
		return "RequireFast"
	case AllowSlow:
		return "AllowSlow"
	}
	return fmt.Sprintf("Unknown AllocPolicy (%d)", uint8(p))
}

const (
	// AlgoRandomX is the RandomX variant used by Monero-style pools.
	AlgoRandomX = "rx/0"

	// AlgoChukwa is the Argon2id based Chukwa algorithm.
	AlgoChukwa = "argon2/chukwa"

	// DefaultAlgo is assumed when a job names no algorithm.
	DefaultAlgo = AlgoRandomX
)

var (
	// ErrFastMemUnavailable is returned under RequireFast when huge pages
	// cannot be allocated.
	ErrFastMemUnavailable = errors.New("fast memory (huge pages) unavailable")

	// ErrUnusableJob is returned when a job cannot be hashed, for example
	// because its blob is too short or its algorithm is unknown.
	ErrUnusableJob = errors.New("unusable job")
)

// FoundFunc is called for every nonce whose hash meets the job target.  The
// share is owned by the callee.
type FoundFunc func(share *mining.Share)

// Engine hashes nonces of a job.  An Engine is owned by a single worker and is
// not safe for concurrent use.
type Engine interface {
	// HashBatch hashes count nonces starting at first and advancing by
	// step, calling found for each nonce that meets the job target.  It
	// returns the number of hashes computed.
	HashBatch(job *mining.Job, first, step uint32, count int, found FoundFunc) (int, error)

	// Close releases the resources held by the engine.
	Close()
}

// hashFunc hashes one blob into out.
type hashFunc func(blob []byte, out *mining.Hash)

// probeFastMemory reports whether huge pages can be allocated.  Tests replace
// it.
var probeFastMemory = hugePagesAvailable

var slowMemWarning sync.Once

// CheckPolicy probes for fast memory and applies policy to the result.  It
// returns whether fast memory is available, or ErrFastMemUnavailable under
// RequireFast when it is not.
func CheckPolicy(policy AllocPolicy) (bool, error) {
	if probeFastMemory() {
		return true, nil
	}
	if policy == RequireFast {
		return false, ErrFastMemUnavailable
	}

	slowMemWarning.Do(func() {
		log.Warnf("Huge pages are unavailable, hashing with slow memory. " +
			"Expect a considerably lower hashrate.")
	})
	return false, nil
}

// engine is the Engine used by mining workers.  It keeps a private copy of the
// current job blob so the nonce can be written in place.
type engine struct {
	policy AllocPolicy
	fast   bool

	job  *mining.Job
	blob []byte
	hash hashFunc

	// rx is the RandomX instance held for the current seed, if any.
	rx *rxInstance
}

// New returns an Engine created under the given allocation policy.
func New(policy AllocPolicy) (Engine, error) {
	fast, err := CheckPolicy(policy)
	if err != nil {
		return nil, err
	}
	return &engine{policy: policy, fast: fast}, nil
}

// prepare readies the engine for job, rebuilding the blob copy and selecting
// the hash function when the job changed.
func (e *engine) prepare(job *mining.Job) error {
	if job == e.job {
		return nil
	}
	if len(job.Blob) < mining.MinBlobSize {
		return fmt.Errorf("%w: blob of %d bytes is shorter than %d",
			ErrUnusableJob, len(job.Blob), mining.MinBlobSize)
	}

	algo := job.Algo
	if algo == "" {
		algo = DefaultAlgo
	}

	switch algo {
	case AlgoRandomX:
		if err := e.useRandomX(job.SeedHash); err != nil {
			return err
		}

	case AlgoChukwa:
		e.releaseRandomX()
		e.hash = chukwaHash

	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrUnusableJob,
			algo)
	}

	e.blob = append(e.blob[:0], job.Blob...)
	e.job = job
	return nil
}

// HashBatch hashes count nonces of job.  See Engine.
func (e *engine) HashBatch(job *mining.Job, first, step uint32, count int,
	found FoundFunc) (int, error) {

	if err := e.prepare(job); err != nil {
		e.job = nil
		return 0, err
	}

	var h mining.Hash
	nonce := first
	for i := 0; i < count; i++ {
		mining.PutNonce(e.blob, nonce)
		e.hash(e.blob, &h)
		if h.MeetsTarget(job.Target) {
			found(&mining.Share{
				JobID:      job.ID,
				JobVersion: job.Version,
				Nonce:      nonce,
				Result:     h,
			})
		}
		nonce += step
	}

	return count, nil
}

// Close releases the engine's RandomX instance, if any.
func (e *engine) Close() {
	e.releaseRandomX()
	e.job = nil
	e.hash = nil
}
