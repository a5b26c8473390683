//go:build linux

package hashengine

import "golang.org/x/sys/unix"

// hugePageSize is the size of a single 2 MiB huge page.
const hugePageSize = 2 << 20

// hugePagesAvailable attempts to map one anonymous huge page.
func hugePagesAvailable() bool {
	mem, err := unix.Mmap(-1, 0, hugePageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		log.Debugf("Huge page probe failed: %v", err)
		return false
	}
	if err := unix.Munmap(mem); err != nil {
		log.Debugf("Unable to unmap huge page probe: %v", err)
	}
	return true
}
