//go:build amd64

package entropy

import "golang.org/x/sys/cpu"

func hasHardwareRNG() bool {
	return cpu.X86.HasRDRAND
}

// rdrand64 executes RDRAND once. ok is false when the instruction did not
// return a value.
//
//go:noescape
func rdrand64() (v uint64, ok bool)
