package hashengine

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/opd-ai/go-randomx"

	"github.com/MonteCarloClub/powminer/mining"
)

// rxInstance is a RandomX hasher shared by every engine mining with the same
// seed and memory mode.  Hashing through it is safe for concurrent use.
type rxInstance struct {
	key   string
	fast  bool
	refs  int
	hash  hashFunc
	close func()
}

// rxCache holds the live RandomX instances.  Building a dataset is expensive,
// so workers on the same seed share one instance and it is released when the
// last of them moves on.
var rxCache = struct {
	sync.Mutex
	instances map[string]*rxInstance
}{instances: make(map[string]*rxInstance)}

func rxKey(seed []byte, fast bool) string {
	mode := "light"
	if fast {
		mode = "fast"
	}
	return mode + ":" + hex.EncodeToString(seed)
}

// newRandomX creates a RandomX hasher keyed by seed.
func newRandomX(seed []byte, fast bool) (*rxInstance, error) {
	mode := randomx.LightMode
	if fast {
		mode = randomx.FastMode
	}
	hasher, err := randomx.New(randomx.Config{
		Mode:     mode,
		CacheKey: seed,
	})
	if err != nil {
		return nil, err
	}

	return &rxInstance{
		key:  rxKey(seed, fast),
		fast: fast,
		hash: func(blob []byte, out *mining.Hash) {
			sum := hasher.Hash(blob)
			copy(out[:], sum[:])
		},
		close: func() {
			hasher.Close()
		},
	}, nil
}

// acquireRandomX returns a referenced instance for seed, creating it when no
// engine holds one yet.
func acquireRandomX(seed []byte, fast bool) (*rxInstance, error) {
	key := rxKey(seed, fast)

	rxCache.Lock()
	defer rxCache.Unlock()

	if inst, ok := rxCache.instances[key]; ok {
		inst.refs++
		return inst, nil
	}

	log.Infof("Initializing RandomX (%s mode) for seed %x", modeName(fast), seed)
	inst, err := newRandomX(seed, fast)
	if err != nil {
		return nil, err
	}
	inst.refs = 1
	rxCache.instances[key] = inst
	return inst, nil
}

// releaseRandomXInstance drops one reference and closes the instance once unused.
func releaseRandomXInstance(inst *rxInstance) {
	rxCache.Lock()
	defer rxCache.Unlock()

	inst.refs--
	if inst.refs > 0 {
		return
	}
	delete(rxCache.instances, inst.key)
	inst.close()
	log.Debugf("Released RandomX instance %s", inst.key)
}

func modeName(fast bool) string {
	if fast {
		return "fast"
	}
	return "light"
}

// useRandomX points the engine at the RandomX instance for seed.  A failed
// fast mode allocation is fatal under RequireFast and degrades to light mode
// otherwise.
func (e *engine) useRandomX(seed []byte) error {
	if len(seed) == 0 {
		return fmt.Errorf("%w: %s job without seed hash", ErrUnusableJob,
			AlgoRandomX)
	}
	if e.rx != nil && e.rx.key == rxKey(seed, e.rx.fast) {
		e.hash = e.rx.hash
		return nil
	}

	inst, err := acquireRandomX(seed, e.fast)
	if err != nil && e.fast {
		if e.policy == RequireFast {
			return fmt.Errorf("%w: %v", ErrFastMemUnavailable, err)
		}
		log.Warnf("Unable to allocate RandomX dataset, falling back "+
			"to light mode: %v", err)
		e.fast = false
		inst, err = acquireRandomX(seed, false)
	}
	if err != nil {
		return fmt.Errorf("unable to initialize RandomX: %w", err)
	}

	e.releaseRandomX()
	e.rx = inst
	e.hash = inst.hash
	return nil
}

func (e *engine) releaseRandomX() {
	if e.rx == nil {
		return
	}
	releaseRandomXInstance(e.rx)
	e.rx = nil
}
