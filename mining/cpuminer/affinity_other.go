//go:build !linux

package cpuminer

import (
	"runtime"
	"sync"
)

var unpinnedWarning sync.Once

// availableCores numbers the logical CPUs, since no affinity mask can be
// queried.
func availableCores() ([]int, error) {
	ids := make([]int, runtime.NumCPU())
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

// pinThread cannot set thread affinity on this platform.  Workers still run
// on locked OS threads but the scheduler is free to move them.
func pinThread(core int) error {
	unpinnedWarning.Do(func() {
		log.Warnf("Thread affinity is unsupported on %s, workers will "+
			"not be pinned", runtime.GOOS)
	})
	return nil
}
