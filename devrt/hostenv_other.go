//go:build !linux

package devrt

// probeMPSDaemon reports the NVidia MPS daemon as inactive: it only runs on linux.
func probeMPSDaemon() (bool, error) { return false, nil }

// hasNvidiaGPU always returns false: the CUDA driver is only supported on linux.
func hasNvidiaGPU() bool { return false }
