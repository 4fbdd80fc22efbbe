//go:build !linux

package topology

import "runtime"

// Pin is not supported on this platform.
func Pin(cpus ...int) error {
	return ErrPinUnsupported
}

// Allowed reports every CPU visible to the runtime.
func Allowed() ([]int, error) {
	out := make([]int, runtime.NumCPU())
	for i := range out {
		out[i] = i
	}
	return out, nil
}
