// Package host implements a devrt.Driver with simulated devices backed by host memory.
//
// Each stream is executed by a dedicated goroutine, in the order operations were enqueued, and the blocks of a
// kernel launch are executed in parallel. It is always available, and it is used when no accelerator is requested
// or found.
//
// To make it available, import it with:
//
//	import _ "github.com/gomlx/godevrt/devrt/host"
package host

import (
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/godevrt/devrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DriverName under which the driver is registered.
	DriverName = devrt.HostDriverName

	// DevicesEnv is the environment variable with the number of simulated devices. Defaults to 1.
	DevicesEnv = "GODEVRT_HOST_DEVICES"
)

func init() {
	err := devrt.RegisterDriver(New(devicesFromEnv()))
	if err != nil {
		klog.Errorf("Failed to register the %q driver: %+v", DriverName, err)
	}
}

// devicesFromEnv returns the number of devices configured in $GODEVRT_HOST_DEVICES, or 1 if not set or invalid.
func devicesFromEnv() int {
	value, found := os.LookupEnv(DevicesEnv)
	if !found || value == "" {
		return 1
	}
	numDevices, err := strconv.Atoi(value)
	if err != nil || numDevices < 0 {
		klog.Warningf("Invalid value %q for $%s, using 1 device instead", value, DevicesEnv)
		return 1
	}
	return numDevices
}

// Driver implements devrt.Driver with numDevices simulated devices.
type Driver struct {
	numDevices  int
	initialized atomic.Bool
}

// New creates a host Driver with the given number of simulated devices.
// Only the instance registered by the package is usable by devrt.Setup.
func New(numDevices int) *Driver {
	return &Driver{numDevices: numDevices}
}

var _ devrt.Driver = (*Driver)(nil)

// Name implements devrt.Driver.
func (d *Driver) Name() string {
	return DriverName
}

// Initialize implements devrt.Driver.
func (d *Driver) Initialize(flags uint) error {
	if flags != 0 {
		return errors.Errorf("host driver initialized with flags %d, only 0 is supported", flags)
	}
	d.initialized.Store(true)
	return nil
}

// DeviceCount implements devrt.Driver.
func (d *Driver) DeviceCount() (int, error) {
	return d.numDevices, nil
}

// Device implements devrt.Driver.
func (d *Driver) Device(ordinal int) (devrt.DriverDevice, error) {
	if !d.initialized.Load() {
		return nil, errors.New("host driver not initialized")
	}
	if ordinal < 0 || ordinal >= d.numDevices {
		return nil, errors.Errorf("invalid device ordinal %d, host driver has %d devices", ordinal, d.numDevices)
	}
	return &device{ordinal: ordinal}, nil
}

// device is a simulated device.
type device struct {
	ordinal int
}

// Ordinal implements devrt.DriverDevice.
func (dev *device) Ordinal() int {
	return dev.ordinal
}

// Properties implements devrt.DriverDevice. The values mimic a typical CUDA device, except for the number of
// multiprocessors (the number of CPUs) and the global memory (the Go memory limit).
func (dev *device) Properties() (*devrt.Properties, error) {
	return &devrt.Properties{
		Name:                "Go host device",
		Major:               1,
		Minor:               0,
		MaxGridSize:         [3]int{2147483647, 65535, 65535},
		MaxThreadsDim:       [3]int{1024, 1024, 64},
		MaxThreadsPerBlock:  1024,
		RegsPerBlock:        65536,
		WarpSize:            32,
		MultiProcessorCount: runtime.NumCPU(),
		TotalGlobalMem:      uint64(debug.SetMemoryLimit(-1)),
		SharedMemPerBlock:   48 * 1024,
		TotalConstMem:       65536,
	}, nil
}

// NewStream implements devrt.DriverDevice.
func (dev *device) NewStream() (devrt.DriverStream, error) {
	return newStream(), nil
}

// Alloc implements devrt.DriverDevice.
func (dev *device) Alloc(numBytes int) (devrt.DriverMemory, error) {
	if numBytes < 0 {
		return nil, errors.Errorf("invalid allocation of %d bytes", numBytes)
	}
	return &memory{data: make([]byte, numBytes)}, nil
}

// memory is the storage of a buffer.
type memory struct {
	data  []byte
	freed atomic.Bool
}

// Size implements devrt.DriverMemory.
func (m *memory) Size() int {
	return len(m.data)
}

// Free implements devrt.DriverMemory. The data itself is left to the garbage collector.
func (m *memory) Free() error {
	if !m.freed.CompareAndSwap(false, true) {
		return errors.New("host memory freed twice")
	}
	return nil
}

// toMemory converts a devrt.DriverMemory allocated by this driver.
func toMemory(m devrt.DriverMemory) (*memory, error) {
	hm, ok := m.(*memory)
	if !ok || hm == nil {
		return nil, errors.Errorf("memory of type %T not allocated by the host driver", m)
	}
	if hm.freed.Load() {
		return nil, errors.New("use of freed host memory")
	}
	return hm, nil
}
