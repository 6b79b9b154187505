//go:build linux && cgo

package devrt

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/pkg/errors"
)

// nvmlMPSActive asks NVML whether any device is running MPS compute processes.
// It returns false (and no error) if the NVML library is not installed.
func nvmlMPSActive() (bool, error) {
	ret := nvml.Init()
	if ret == nvml.ERROR_LIBRARY_NOT_FOUND {
		return false, nil
	}
	if ret != nvml.SUCCESS {
		return false, errors.Errorf("initializing NVML: %s", nvml.ErrorString(ret))
	}
	defer func() { _ = nvml.Shutdown() }()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return false, errors.Errorf("getting GPU count from NVML: %s", nvml.ErrorString(ret))
	}
	for i := range count {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return false, errors.Errorf("getting handle of GPU #%d from NVML: %s", i, nvml.ErrorString(ret))
		}
		processes, ret := device.GetMPSComputeRunningProcesses()
		if ret == nvml.ERROR_NOT_SUPPORTED {
			continue
		}
		if ret != nvml.SUCCESS {
			return false, errors.Errorf("listing MPS processes of GPU #%d: %s", i, nvml.ErrorString(ret))
		}
		if len(processes) > 0 {
			return true, nil
		}
	}
	return false, nil
}
