package devrt

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Options for Setup. Rank and WorldSize are the position of the process in the distributed job, usually given
// by the messaging layer; the other fields are policy flags, usually given by command-line flags.
type Options struct {
	Rank, WorldSize int

	// UseAccelerator enables the accelerator path. If false the host path is used, see
	// Config.UseHostProlongationOperator.
	UseAccelerator bool

	// MessagingAware indicates the messaging layer can operate directly on device-resident buffers.
	MessagingAware bool

	// SharedDeviceMode binds every process to device 0, instead of distributing the ranks over the devices.
	SharedDeviceMode bool

	// ForceHostProlongation forces the use of the host prolongation operator in the accelerator path.
	ForceHostProlongation bool

	// ForceSynchronousKernels makes every launch wait for the stream to complete before returning.
	ForceSynchronousKernels bool

	// RefinementLevels is the number of mesh refinement levels: accepted and forwarded, not used by devrt.
	RefinementLevels int

	// Driver is the name of the driver to use. If empty, DefaultDriverName(UseAccelerator) is used.
	Driver string

	// BlockSize is the number of threads per block of the launches. If 0, DefaultBlockSize is used.
	// It is clamped to the maximum block extent of the device.
	BlockSize int

	// Registerer where to register the dispatch metrics. If nil, metrics are collected but not registered.
	Registerer prometheus.Registerer
}

// Config is the runtime configuration of the process: the outcome of binding a device and probing it, the policy
// flags, and the execution stream owned by the process.
//
// It is created by Setup, and it is read-only afterward, so it is safe for concurrent reads. The Stream however is
// meant to be driven by one goroutine.
type Config struct {
	rank, worldSize int

	hostClass                                        HostClass
	multiplexingDaemonActive                         bool
	useAccelerator, messagingAware, sharedDeviceMode bool
	forceHostProlongation, forceSynchronousKernels   bool
	refinementLevels                                 int

	driver                          Driver
	deviceCount, deviceIndex        int
	device                          *Device
	properties                      *Properties
	maxGridExtentX, maxBlockExtentX int
	blockSize                       int

	stream  *Stream
	metrics *dispatchMetrics

	// destroyed is set by the first Destroy, also if the stream was destroyed directly.
	destroyed atomic.Bool
}

// setupActive is set while a Config is alive in the process.
var setupActive atomic.Bool

// Setup binds the process to its device and returns the runtime configuration.
//
// Only one Config can be alive in a process: calling Setup again before Config.Destroy is rejected.
//
// All errors are *SetupError, and they are unrecoverable: the process can't do any useful work without a bound
// device. The process entry point is expected to terminate, e.g. with klog.Fatalf("%+v", err).
func Setup(opts Options) (*Config, error) {
	if err := validateTopology(opts.Rank, opts.WorldSize); err != nil {
		return nil, err
	}
	if opts.BlockSize < 0 {
		return nil, newSetupError(StageArguments, errors.Errorf("invalid block size %d", opts.BlockSize))
	}
	if !setupActive.CompareAndSwap(false, true) {
		return nil, newSetupError(StageAlreadySetup, errors.New(
			"devrt.Setup called while a Config is still alive in the process, call Config.Destroy first"))
	}
	c := &Config{
		rank:                    opts.Rank,
		worldSize:               opts.WorldSize,
		useAccelerator:          opts.UseAccelerator,
		messagingAware:          opts.MessagingAware,
		sharedDeviceMode:        opts.SharedDeviceMode,
		forceHostProlongation:   opts.ForceHostProlongation,
		forceSynchronousKernels: opts.ForceSynchronousKernels,
		refinementLevels:        opts.RefinementLevels,
		deviceIndex:             -1,
	}
	if err := c.setup(opts); err != nil {
		_ = c.release()
		return nil, err
	}
	runtime.SetFinalizer(c, func(c *Config) {
		err := c.Destroy()
		if err != nil {
			klog.Errorf("Config.Destroy failed: %v", err)
		}
	})
	return c, nil
}

// setup implements the steps of Setup after the arguments are validated.
func (c *Config) setup(opts Options) error {
	c.hostClass = ClassifyHost()
	if c.IsRoot() && c.hostClass.IsKnownCluster() {
		klog.Infof("Running on cluster host %s", c.hostClass)
	}
	c.multiplexingDaemonActive = c.hostClass.MultiplexingDaemonActive()
	if c.IsRoot() && c.hostClass.IsKnownCluster() {
		if c.multiplexingDaemonActive {
			klog.Infof("MPS daemon is running")
		} else {
			klog.Infof("No MPS daemon is running")
		}
	}

	driverName := opts.Driver
	if driverName == "" {
		driverName = DefaultDriverName(opts.UseAccelerator)
	}
	driver, err := GetDriver(driverName)
	if err != nil {
		return newSetupError(StageDriver, err)
	}
	c.driver = driver
	c.deviceCount, err = driver.DeviceCount()
	if err != nil {
		return newSetupError(StageDeviceCount, errors.WithMessagef(err, "failed to count devices of driver %q", driver.Name()))
	}

	if c.IsRoot() {
		if c.forceSynchronousKernels {
			klog.Infof("Enforced kernel synchronization: every kernel launch waits for completion")
		}
		if c.messagingAware {
			klog.Infof("MPI is accelerator aware")
		} else {
			klog.Infof("MPI is NOT accelerator aware")
		}
		klog.Infof("%d %s devices visible to the process", c.deviceCount, driver.Name())
	}

	c.device, err = bindDevice(driver, c.rank, c.deviceCount, c.sharedDeviceMode)
	if err != nil {
		return err
	}
	c.deviceIndex = c.device.Ordinal()

	c.properties, err = Probe(c.device)
	if err != nil {
		return newSetupError(StageProbe, err)
	}
	c.maxGridExtentX = c.properties.MaxGridSize[0]
	c.maxBlockExtentX = c.properties.MaxThreadsDim[0]
	c.blockSize = opts.BlockSize
	if c.blockSize == 0 {
		c.blockSize = DefaultBlockSize
	}
	c.blockSize = min(c.blockSize, c.maxBlockExtentX)
	klog.Infof("%s", CapabilitySummary(c.rank, c.deviceIndex, c.properties))
	if c.IsRoot() && klog.V(1).Enabled() {
		klog.V(1).Infof("Properties of device %s:\n%s", c.device, c.properties)
	}

	c.metrics, err = newDispatchMetrics(opts.Registerer)
	if err != nil {
		return newSetupError(StageMetrics, err)
	}
	c.stream, err = newStream(c.device, c.metrics)
	if err != nil {
		return newSetupError(StageStream, err)
	}
	return nil
}

// release the stream, if created, and the setup guard.
func (c *Config) release() error {
	var err error
	if c.stream != nil {
		err = c.stream.Destroy()
	}
	setupActive.Store(false)
	return err
}

// IsValid returns whether the Config has not been destroyed, and its stream is still valid.
func (c *Config) IsValid() bool {
	return c != nil && !c.destroyed.Load() && c.stream.IsValid()
}

func (c *Config) checkValid() error {
	if !c.IsValid() {
		return errors.New("Config is nil or its stream has been destroyed -- has Config.Destroy been called already?")
	}
	return nil
}

// Destroy releases the execution stream, after waiting for the pending work. Afterward a new Setup is accepted.
// It is idempotent, and it is automatically called if Config is garbage collected.
//
// The setup guard is released even if the Stream was already destroyed through Config.Stream.
func (c *Config) Destroy() error {
	if c == nil || !c.destroyed.CompareAndSwap(false, true) {
		// Already destroyed, no-op.
		return nil
	}
	runtime.SetFinalizer(c, nil)
	return c.release()
}

// Rank of the process in the distributed job.
func (c *Config) Rank() int { return c.rank }

// WorldSize is the number of processes in the distributed job.
func (c *Config) WorldSize() int { return c.worldSize }

// IsAlone returns whether this is the only process of the job, so distributed synchronization can be skipped.
func (c *Config) IsAlone() bool { return c.worldSize == 1 }

// IsRoot returns whether this is the reporting process (rank 0), used to avoid duplicate diagnostic output.
func (c *Config) IsRoot() bool { return c.rank == 0 }

// UseAccelerator returns whether the accelerator path is enabled.
func (c *Config) UseAccelerator() bool { return c.useAccelerator }

// MessagingAware returns whether the messaging layer can operate on device-resident buffers.
func (c *Config) MessagingAware() bool { return c.messagingAware }

// SharedDeviceMode returns whether all processes are bound to device 0.
func (c *Config) SharedDeviceMode() bool { return c.sharedDeviceMode }

// ForceSynchronousKernels returns whether every Launch waits for the stream to complete.
func (c *Config) ForceSynchronousKernels() bool { return c.forceSynchronousKernels }

// MultiplexingDaemonActive returns whether the multiplexing daemon (NVidia MPS) was found active at Setup.
// It is always false on hosts that are not of a known cluster.
func (c *Config) MultiplexingDaemonActive() bool { return c.multiplexingDaemonActive }

// HostClass returns the classification of the host made at Setup.
func (c *Config) HostClass() HostClass { return c.hostClass }

// RefinementLevels returns the value given in Options, unused by devrt.
func (c *Config) RefinementLevels() int { return c.refinementLevels }

// Driver used by the process.
func (c *Config) Driver() Driver { return c.driver }

// Device bound to the process.
func (c *Config) Device() *Device { return c.device }

// DeviceIndex is the ordinal of the device bound to the process.
func (c *Config) DeviceIndex() int { return c.deviceIndex }

// DeviceCount is the number of devices visible to the process at Setup.
func (c *Config) DeviceCount() int { return c.deviceCount }

// Properties of the bound device. They must not be modified.
func (c *Config) Properties() *Properties { return c.properties }

// MaxGridExtentX is the maximum number of blocks of a launch along X, as probed from the device.
func (c *Config) MaxGridExtentX() int { return c.maxGridExtentX }

// MaxBlockExtentX is the maximum number of threads per block along X, as probed from the device.
func (c *Config) MaxBlockExtentX() int { return c.maxBlockExtentX }

// BlockSize is the number of threads per block used by Launch.
func (c *Config) BlockSize() int { return c.blockSize }

// Stream returns the execution stream owned by the process.
func (c *Config) Stream() *Stream { return c.stream }

// UseHostProlongationOperator returns whether the host prolongation operator should be used: always when running
// without the accelerator, otherwise only if forced.
func (c *Config) UseHostProlongationOperator() bool {
	return !c.useAccelerator || c.forceHostProlongation
}

// NeedsGeometryUpdate returns whether the geometry changed at the given sequence id.
// The geometry is immutable during the run, and the only supported sequence id is 0: any other value is a logic
// error of the caller, and it panics.
func (c *Config) NeedsGeometryUpdate(sequenceID int) bool {
	if sequenceID != 0 {
		panicf("NeedsGeometryUpdate(%d): geometry updates are not supported, only sequence id 0 is valid", sequenceID)
	}
	return false
}
