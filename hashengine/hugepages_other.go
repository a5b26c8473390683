//go:build !linux

package hashengine

// hugePagesAvailable always reports false where MAP_HUGETLB is unsupported.
func hugePagesAvailable() bool {
	return false
}
