//go:build linux && !cgo

package devrt

// nvmlMPSActive can't query NVML without cgo: only the MPS control pipe is checked.
func nvmlMPSActive() (bool, error) { return false, nil }
