//go:build linux

package cpuminer

import "golang.org/x/sys/unix"

// availableCores returns the ids of the cores in the process affinity mask,
// in ascending order.
func availableCores() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}

	count := set.Count()
	ids := make([]int, 0, count)
	for cpu := 0; len(ids) < count; cpu++ {
		if set.IsSet(cpu) {
			ids = append(ids, cpu)
		}
	}
	return ids, nil
}

// pinThread restricts the calling OS thread to core.  The caller must have
// locked its goroutine to the thread.
func pinThread(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
