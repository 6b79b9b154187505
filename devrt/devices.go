package devrt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Device is a lightweight reference to a device of a Driver. It doesn't own any resources: the streams and buffers
// created on it do.
//
// The device a process is bound to is selected by BindDevice (called by Setup), and is valid for the lifetime of
// the process.
type Device struct {
	driver  Driver
	device  DriverDevice
	ordinal int
}

// newDevice resolves the device with the given ordinal on the driver.
func newDevice(driver Driver, ordinal int) (*Device, error) {
	dDevice, err := driver.Device(ordinal)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get handle to device #%d of driver %q", ordinal, driver.Name())
	}
	if dDevice == nil {
		return nil, errors.Errorf("driver %q returned a nil handle for device #%d", driver.Name(), ordinal)
	}
	return &Device{driver: driver, device: dDevice, ordinal: ordinal}, nil
}

// Driver returns the driver owning the device.
func (d *Device) Driver() Driver {
	return d.driver
}

// Ordinal returns the index of the device among the devices visible to the process.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// String implements fmt.Stringer, e.g.: "cuda:1".
func (d *Device) String() string {
	if d == nil {
		return "<nil device>"
	}
	return fmt.Sprintf("%s:%d", d.driver.Name(), d.ordinal)
}
