package devrt

import (
	"github.com/pkg/errors"
)

// SelectDeviceIndex returns the index of the device owned by the process of the given rank:
// device 0 in shared-device mode, otherwise rank modulo deviceCount, so consecutive ranks on the same node
// are spread over distinct devices.
//
// It returns a *SetupError if there are no devices, or if the selected index is not a valid device.
func SelectDeviceIndex(rank, deviceCount int, sharedDeviceMode bool) (int, error) {
	if deviceCount <= 0 {
		return -1, newSetupError(StageBind, errors.Errorf("no accelerator device visible to rank %d (device count is %d)", rank, deviceCount))
	}
	if rank < 0 {
		return -1, newSetupError(StageArguments, errors.Errorf("invalid rank %d", rank))
	}
	deviceIndex := rank % deviceCount
	if sharedDeviceMode {
		deviceIndex = 0
	}
	if deviceIndex >= deviceCount {
		return -1, newSetupError(StageBind, errors.Errorf(
			"not enough devices for rank %d: device index %d selected, but only %d devices available", rank, deviceIndex, deviceCount))
	}
	return deviceIndex, nil
}

// validateTopology checks 0 <= rank < worldSize.
func validateTopology(rank, worldSize int) error {
	if worldSize < 1 {
		return newSetupError(StageArguments, errors.Errorf("invalid world size %d, it must be >= 1", worldSize))
	}
	if rank < 0 || rank >= worldSize {
		return newSetupError(StageArguments, errors.Errorf("invalid rank %d for world size %d", rank, worldSize))
	}
	return nil
}

// BindDevice selects the device owned by the process of the given rank (see SelectDeviceIndex), initializes
// the driver (once per process) and returns a handle to the device.
//
// The driver must be registered (see RegisterDriver). All errors are *SetupError, and they are not recoverable.
func BindDevice(driver Driver, rank, worldSize int, sharedDeviceMode bool) (*Device, error) {
	if err := validateTopology(rank, worldSize); err != nil {
		return nil, err
	}
	deviceCount, err := driver.DeviceCount()
	if err != nil {
		return nil, newSetupError(StageDeviceCount, errors.WithMessagef(err, "failed to count devices of driver %q", driver.Name()))
	}
	return bindDevice(driver, rank, deviceCount, sharedDeviceMode)
}

// bindDevice implements BindDevice once the device count is known.
func bindDevice(driver Driver, rank, deviceCount int, sharedDeviceMode bool) (*Device, error) {
	deviceIndex, err := SelectDeviceIndex(rank, deviceCount, sharedDeviceMode)
	if err != nil {
		return nil, err
	}
	if err = initializeDriver(driver); err != nil {
		return nil, newSetupError(StageInitialize, err)
	}
	device, err := newDevice(driver, deviceIndex)
	if err != nil {
		return nil, newSetupError(StageBind, err)
	}
	return device, nil
}
