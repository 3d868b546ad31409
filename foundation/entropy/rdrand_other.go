//go:build !amd64

package entropy

func hasHardwareRNG() bool {
	return false
}

func rdrand64() (uint64, bool) {
	return 0, false
}
