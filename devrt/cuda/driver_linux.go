//go:build linux

package cuda

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/godevrt/devrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	err := devrt.RegisterDriver(&Driver{devices: make(map[int]*device)})
	if err != nil {
		klog.Errorf("Failed to register the %q driver: %+v", DriverName, err)
	}
}

// Driver implements devrt.Driver for the CUDA driver API.
type Driver struct {
	apiInitOnce sync.Once
	apiInitErr  error

	muDevices sync.Mutex
	devices   map[int]*device
}

var _ devrt.Driver = (*Driver)(nil)

// Name implements devrt.Driver.
func (d *Driver) Name() string {
	return DriverName
}

// initAPI loads the library and calls cuInit, which the CUDA API requires before any other call, including
// counting devices. cuInit itself is idempotent.
func (d *Driver) initAPI() error {
	d.apiInitOnce.Do(func() {
		if err := loadLibrary(); err != nil {
			d.apiInitErr = err
			return
		}
		d.apiInitErr = check(cuInit(0), "cuInit")
	})
	return d.apiInitErr
}

// Initialize implements devrt.Driver.
func (d *Driver) Initialize(flags uint) error {
	if flags != 0 {
		return errors.Errorf("cuInit flags must be 0, got %d", flags)
	}
	return d.initAPI()
}

// DeviceCount implements devrt.Driver. The devices visible are restricted by $CUDA_VISIBLE_DEVICES.
func (d *Driver) DeviceCount() (int, error) {
	if err := d.initAPI(); err != nil {
		return 0, err
	}
	var count int32
	if err := check(cuDeviceGetCount(&count), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(count), nil
}

// Device implements devrt.Driver. It retains the primary context of the device, for the lifetime of the process.
func (d *Driver) Device(ordinal int) (devrt.DriverDevice, error) {
	if err := d.initAPI(); err != nil {
		return nil, err
	}
	d.muDevices.Lock()
	defer d.muDevices.Unlock()
	if dev, found := d.devices[ordinal]; found {
		return dev, nil
	}
	var handle int32
	if err := check(cuDeviceGet(&handle, int32(ordinal)), "cuDeviceGet"); err != nil {
		return nil, errors.WithMessagef(err, "device #%d", ordinal)
	}
	var ctx uintptr
	if err := check(cuDevicePrimaryCtxRetain(&ctx, handle), "cuDevicePrimaryCtxRetain"); err != nil {
		return nil, errors.WithMessagef(err, "device #%d", ordinal)
	}
	dev := &device{ordinal: ordinal, handle: handle, ctx: ctx, functions: make(map[*devrt.Kernel]uintptr)}
	if err := dev.withContext(func() error { return nil }); err != nil {
		_ = check(cuDevicePrimaryCtxRelease(handle), "cuDevicePrimaryCtxRelease")
		return nil, err
	}
	d.devices[ordinal] = dev
	return dev, nil
}

// device is a CUDA device and its primary context.
type device struct {
	ordinal int
	handle  int32
	ctx     uintptr

	// functions caches the loaded kernels. Modules are never unloaded.
	muFunctions sync.Mutex
	functions   map[*devrt.Kernel]uintptr
}

// withContext runs fn with the primary context of the device current in the OS thread.
func (dev *device) withContext(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(cuCtxSetCurrent(dev.ctx), "cuCtxSetCurrent"); err != nil {
		return err
	}
	return fn()
}

// Ordinal implements devrt.DriverDevice.
func (dev *device) Ordinal() int {
	return dev.ordinal
}

// Properties implements devrt.DriverDevice.
func (dev *device) Properties() (*devrt.Properties, error) {
	nameBuf := make([]byte, 256)
	if err := check(cuDeviceGetName(&nameBuf[0], int32(len(nameBuf)), dev.handle), "cuDeviceGetName"); err != nil {
		return nil, err
	}
	props := &devrt.Properties{Name: goString(nameBuf)}
	if err := check(cuDeviceTotalMem(&props.TotalGlobalMem, dev.handle), "cuDeviceTotalMem"); err != nil {
		return nil, err
	}
	intAttrs := []struct {
		attr  int32
		value *int
	}{
		{attrComputeCapabilityMajor, &props.Major},
		{attrComputeCapabilityMinor, &props.Minor},
		{attrMaxGridDimX, &props.MaxGridSize[0]},
		{attrMaxGridDimY, &props.MaxGridSize[1]},
		{attrMaxGridDimZ, &props.MaxGridSize[2]},
		{attrMaxBlockDimX, &props.MaxThreadsDim[0]},
		{attrMaxBlockDimY, &props.MaxThreadsDim[1]},
		{attrMaxBlockDimZ, &props.MaxThreadsDim[2]},
		{attrMaxThreadsPerBlock, &props.MaxThreadsPerBlock},
		{attrMaxRegistersPerBlock, &props.RegsPerBlock},
		{attrWarpSize, &props.WarpSize},
		{attrClockRate, &props.ClockRate},
		{attrMultiprocessorCount, &props.MultiProcessorCount},
	}
	for _, a := range intAttrs {
		var value int32
		if err := check(cuDeviceGetAttribute(&value, a.attr, dev.handle), "cuDeviceGetAttribute"); err != nil {
			return nil, errors.WithMessagef(err, "attribute %d", a.attr)
		}
		*a.value = int(value)
	}
	memAttrs := []struct {
		attr  int32
		value *uint64
	}{
		{attrMaxSharedMemPerBlock, &props.SharedMemPerBlock},
		{attrTotalConstantMemory, &props.TotalConstMem},
	}
	for _, a := range memAttrs {
		var value int32
		if err := check(cuDeviceGetAttribute(&value, a.attr, dev.handle), "cuDeviceGetAttribute"); err != nil {
			return nil, errors.WithMessagef(err, "attribute %d", a.attr)
		}
		*a.value = uint64(uint32(value))
	}
	return props, nil
}

// NewStream implements devrt.DriverDevice.
// The stream is blocking (flags 0): it synchronizes with the transfers of the legacy default stream.
func (dev *device) NewStream() (devrt.DriverStream, error) {
	s := &stream{device: dev}
	err := dev.withContext(func() error {
		return check(cuStreamCreate(&s.stream, 0), "cuStreamCreate")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Alloc implements devrt.DriverDevice.
func (dev *device) Alloc(numBytes int) (devrt.DriverMemory, error) {
	if numBytes < 0 {
		return nil, errors.Errorf("invalid allocation of %d bytes", numBytes)
	}
	m := &memory{device: dev, size: numBytes}
	if numBytes == 0 {
		return m, nil
	}
	err := dev.withContext(func() error {
		return check(cuMemAlloc(&m.ptr, uint64(numBytes)), "cuMemAlloc")
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %d bytes on device #%d", numBytes, dev.ordinal)
	}
	return m, nil
}

// function returns the kernel function, loading its module on first use.
// It must be called with the device context current.
func (dev *device) function(kernel *devrt.Kernel) (uintptr, error) {
	dev.muFunctions.Lock()
	defer dev.muFunctions.Unlock()
	if fn, found := dev.functions[kernel]; found {
		return fn, nil
	}
	if kernel.PTX == "" || kernel.Entry == "" {
		return 0, errors.Errorf("kernel %s has no device code (Kernel.PTX and Kernel.Entry)", kernel)
	}
	image := cString(kernel.PTX)
	var module uintptr
	if err := check(cuModuleLoadData(&module, unsafe.Pointer(&image[0])), "cuModuleLoadData"); err != nil {
		return 0, errors.WithMessagef(err, "loading PTX of kernel %s", kernel)
	}
	entry := cString(kernel.Entry)
	var fn uintptr
	if err := check(cuModuleGetFunction(&fn, module, &entry[0]), "cuModuleGetFunction"); err != nil {
		return 0, errors.WithMessagef(err, "kernel %s entry %q", kernel, kernel.Entry)
	}
	dev.functions[kernel] = fn
	return fn, nil
}

// memory is a device allocation.
type memory struct {
	device *device
	ptr    uintptr
	size   int
}

// Size implements devrt.DriverMemory.
func (m *memory) Size() int {
	return m.size
}

// Free implements devrt.DriverMemory.
func (m *memory) Free() error {
	if m.ptr == 0 {
		return nil
	}
	ptr := m.ptr
	m.ptr = 0
	return m.device.withContext(func() error {
		return check(cuMemFree(ptr), "cuMemFree")
	})
}

func toMemory(m devrt.DriverMemory) (*memory, error) {
	cm, ok := m.(*memory)
	if !ok || cm == nil {
		return nil, errors.Errorf("memory of type %T not allocated by the CUDA driver", m)
	}
	return cm, nil
}

// stream is a CUDA stream.
type stream struct {
	device *device
	stream uintptr
}

var _ devrt.DriverStream = (*stream)(nil)

// Launch implements devrt.DriverStream. Kernel arguments are the problem size (int32) followed by the device
// pointers of the buffers.
func (s *stream) Launch(kernel *devrt.Kernel, geometry devrt.Geometry, n int, args []devrt.DriverMemory) error {
	if s.stream == 0 {
		return errors.New("CUDA stream already destroyed")
	}
	if n > int(^uint32(0)>>1) {
		return errors.Errorf("problem size %d too large for kernel %s", n, kernel)
	}
	size := int32(n)
	ptrs := make([]uint64, len(args)+1)
	params := make([]unsafe.Pointer, len(args)+1)
	params[0] = unsafe.Pointer(&size)
	for ii, arg := range args {
		m, err := toMemory(arg)
		if err != nil {
			return errors.WithMessagef(err, "kernel %s argument #%d", kernel, ii)
		}
		ptrs[ii] = uint64(m.ptr)
		params[ii+1] = unsafe.Pointer(&ptrs[ii])
	}

	// cuLaunchKernel copies the parameters before returning, they only need to be pinned during the call.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&size)
	pinner.Pin(&ptrs[0])
	pinner.Pin(&params[0])
	return s.device.withContext(func() error {
		fn, err := s.device.function(kernel)
		if err != nil {
			return err
		}
		return check(cuLaunchKernel(fn,
			uint32(geometry.Grid.X), uint32(geometry.Grid.Y), uint32(geometry.Grid.Z),
			uint32(geometry.Block.X), uint32(geometry.Block.Y), uint32(geometry.Block.Z),
			0, s.stream, unsafe.Pointer(&params[0]), nil), "cuLaunchKernel")
	})
}

// CopyToDevice implements devrt.DriverStream. The copy is executed in the legacy default stream, which is ordered
// with the (blocking) stream, and it returns once src has been consumed.
func (s *stream) CopyToDevice(dst devrt.DriverMemory, src []byte) error {
	m, err := toMemory(dst)
	if err != nil {
		return err
	}
	if len(src) > m.size {
		return errors.Errorf("copy of %d bytes to device memory of %d bytes", len(src), m.size)
	}
	if len(src) == 0 {
		return nil
	}
	return s.device.withContext(func() error {
		return check(cuMemcpyHtoD(m.ptr, unsafe.Pointer(&src[0]), uint64(len(src))), "cuMemcpyHtoD")
	})
}

// CopyToHost implements devrt.DriverStream. Like CopyToDevice, it is ordered after the work enqueued in the stream.
func (s *stream) CopyToHost(dst []byte, src devrt.DriverMemory) error {
	m, err := toMemory(src)
	if err != nil {
		return err
	}
	if len(dst) > m.size {
		return errors.Errorf("copy of %d bytes from device memory of %d bytes", len(dst), m.size)
	}
	if len(dst) == 0 {
		return nil
	}
	return s.device.withContext(func() error {
		return check(cuMemcpyDtoH(unsafe.Pointer(&dst[0]), m.ptr, uint64(len(dst))), "cuMemcpyDtoH")
	})
}

// Synchronize implements devrt.DriverStream.
func (s *stream) Synchronize() error {
	if s.stream == 0 {
		return errors.New("CUDA stream already destroyed")
	}
	return s.device.withContext(func() error {
		return check(cuStreamSynchronize(s.stream), "cuStreamSynchronize")
	})
}

// Destroy implements devrt.DriverStream.
func (s *stream) Destroy() error {
	if s.stream == 0 {
		return nil
	}
	handle := s.stream
	s.stream = 0
	return s.device.withContext(func() error {
		if err := check(cuStreamSynchronize(handle), "cuStreamSynchronize"); err != nil {
			klog.Warningf("pending work of CUDA stream failed: %v", err)
		}
		return check(cuStreamDestroy(handle), "cuStreamDestroy")
	})
}
