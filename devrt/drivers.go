package devrt

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DriverEnv is the name of the environment variable that overrides the driver selected by DefaultDriverName.
	DriverEnv = "GODEVRT_DRIVER"

	// CUDADriverName is the name under which the CUDA driver registers itself.
	CUDADriverName = "cuda"

	// HostDriverName is the name under which the pure Go host driver registers itself.
	HostDriverName = "host"
)

// Driver is a vendor accelerator runtime (CUDA, HIP, the pure Go host driver, ...).
//
// Drivers are registered with RegisterDriver, usually in the init() function of the package implementing it,
// and retrieved with GetDriver.
type Driver interface {
	// Name of the driver, used by GetDriver.
	Name() string

	// Initialize the driver. It is called at most once per process by devrt, and flags is always 0.
	Initialize(flags uint) error

	// DeviceCount returns the number of devices visible to the process. It must work before Initialize.
	//
	// The visible devices are usually restricted by a vendor environment variable (e.g.: CUDA_VISIBLE_DEVICES),
	// which is consumed by the driver.
	DeviceCount() (int, error)

	// Device returns the device with the given ordinal, in [0, DeviceCount()).
	Device(ordinal int) (DriverDevice, error)
}

// DriverDevice is the driver side of a Device.
type DriverDevice interface {
	// Ordinal is the index of the device in the driver.
	Ordinal() int

	// Properties queries the static attributes of the device.
	Properties() (*Properties, error)

	// NewStream creates a new execution stream on the device.
	NewStream() (DriverStream, error)

	// Alloc allocates numBytes on the device.
	Alloc(numBytes int) (DriverMemory, error)
}

// DriverStream is an ordered queue of asynchronous device operations: operations are executed in the order they
// were enqueued.
//
// Enqueuing operations returns as soon as the operation is queued: errors of the asynchronous execution are
// sticky, and are reported by Synchronize.
type DriverStream interface {
	// Launch enqueues the kernel to be executed for every element i in [0, n), using the given geometry.
	Launch(kernel *Kernel, geometry Geometry, n int, args []DriverMemory) error

	// CopyToDevice enqueues the copy of src to dst. src must not be changed until the stream is synchronized.
	CopyToDevice(dst DriverMemory, src []byte) error

	// CopyToHost enqueues the copy of src to dst. dst is only valid after the stream is synchronized.
	CopyToHost(dst []byte, src DriverMemory) error

	// Synchronize waits until all operations enqueued are completed, and returns the first error of the stream.
	Synchronize() error

	// Destroy the stream, waiting for the pending operations to finish.
	Destroy() error
}

// DriverMemory is a contiguous storage allocated on a device.
type DriverMemory interface {
	// Size in bytes.
	Size() int

	// Free the memory. It must not be in use by any pending operation.
	Free() error
}

// driverEntry holds a registered driver and its once-per-process initialization.
type driverEntry struct {
	driver   Driver
	initOnce sync.Once
	initErr  error
}

var (
	// registeredDrivers maps the lower-case names to the registered drivers. Protected by muDrivers.
	registeredDrivers = make(map[string]*driverEntry)
	muDrivers         sync.Mutex

	// driverAliases map alternative names to the names of the registered drivers.
	driverAliases = map[string]string{
		"gpu":    CUDADriverName,
		"hip":    CUDADriverName,
		"nvidia": CUDADriverName,
		"cpu":    HostDriverName,
		"go":     HostDriverName,
	}
)

// RegisterDriver makes a Driver available to GetDriver and Setup under its name.
// It returns an error if a driver with the same name is already registered.
func RegisterDriver(driver Driver) error {
	if driver == nil {
		return errors.New("RegisterDriver given a nil driver")
	}
	name := strings.ToLower(driver.Name())
	if name == "" {
		return errors.New("RegisterDriver given a driver with an empty name")
	}
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, found := registeredDrivers[name]; found {
		return errors.Errorf("driver %q already registered", name)
	}
	registeredDrivers[name] = &driverEntry{driver: driver}
	klog.V(2).Infof("registered accelerator driver %q", name)
	return nil
}

// GetDriver returns the registered driver with the given name (case-insensitive), or one of its aliases
// ("gpu", "hip", "nvidia" for "cuda"; "cpu", "go" for "host").
func GetDriver(name string) (Driver, error) {
	entry, err := getDriverEntry(name)
	if err != nil {
		return nil, err
	}
	return entry.driver, nil
}

func getDriverEntry(name string) (*driverEntry, error) {
	key := strings.ToLower(name)
	if alias, found := driverAliases[key]; found {
		key = alias
	}
	muDrivers.Lock()
	defer muDrivers.Unlock()
	entry, found := registeredDrivers[key]
	if !found {
		return nil, errors.Errorf("accelerator driver %q not registered (registered drivers: %v): "+
			"import the package implementing it, e.g. _ \"github.com/gomlx/godevrt/devrt/host\"", name, availableDriversLocked())
	}
	return entry, nil
}

// AvailableDrivers returns the sorted names of the registered drivers.
func AvailableDrivers() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return availableDriversLocked()
}

func availableDriversLocked() []string {
	names := keys(registeredDrivers)
	slices.Sort(names)
	return names
}

// initializeDriver calls Driver.Initialize exactly once per process for a registered driver.
// Later calls return the result of the first one.
func initializeDriver(driver Driver) error {
	entry, err := getDriverEntry(driver.Name())
	if err != nil {
		return err
	}
	if entry.driver != driver {
		return errors.Errorf("driver %q is not the registered instance", driver.Name())
	}
	entry.initOnce.Do(func() {
		entry.initErr = driver.Initialize(driverInitFlags)
		if entry.initErr != nil {
			entry.initErr = errors.WithMessagef(entry.initErr, "failed to initialize accelerator driver %q", driver.Name())
		}
	})
	return entry.initErr
}

// DefaultDriverName returns the name of the driver to use when none is given:
//
//   - The value of $GODEVRT_DRIVER, if set.
//   - "cuda" if useAccelerator is set, the CUDA driver is registered, and an NVidia GPU seems to be installed.
//   - "host" otherwise.
func DefaultDriverName(useAccelerator bool) string {
	if name, found := os.LookupEnv(DriverEnv); found && name != "" {
		return name
	}
	if useAccelerator {
		if _, err := GetDriver(CUDADriverName); err == nil && hasNvidiaGPU() {
			return CUDADriverName
		}
		klog.V(1).Infof("no CUDA device or driver found, using the %q driver", HostDriverName)
	}
	return HostDriverName
}

// keys returns the keys of a map in the form of a slice.
func keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}
