//go:build linux

package cuda

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result is a CUresult returned by the CUDA driver API. Any value other than 0 is an error.
type Result int32

const resultSuccess Result = 0

var resultNames = map[Result]string{
	1:   "CUDA_ERROR_INVALID_VALUE",
	2:   "CUDA_ERROR_OUT_OF_MEMORY",
	3:   "CUDA_ERROR_NOT_INITIALIZED",
	4:   "CUDA_ERROR_DEINITIALIZED",
	100: "CUDA_ERROR_NO_DEVICE",
	101: "CUDA_ERROR_INVALID_DEVICE",
	200: "CUDA_ERROR_INVALID_IMAGE",
	201: "CUDA_ERROR_INVALID_CONTEXT",
	218: "CUDA_ERROR_INVALID_PTX",
	222: "CUDA_ERROR_UNSUPPORTED_PTX_VERSION",
	400: "CUDA_ERROR_INVALID_HANDLE",
	500: "CUDA_ERROR_NOT_FOUND",
	600: "CUDA_ERROR_NOT_READY",
	700: "CUDA_ERROR_ILLEGAL_ADDRESS",
	701: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	719: "CUDA_ERROR_LAUNCH_FAILED",
	999: "CUDA_ERROR_UNKNOWN",
}

// Error implements error.
func (r Result) Error() string {
	if name, found := resultNames[r]; found {
		return fmt.Sprintf("%s (%d)", name, int32(r))
	}
	return fmt.Sprintf("CUDA error %d", int32(r))
}

// check converts the result of the API call op to an error with a stack trace.
func check(r Result, op string) error {
	if r == resultSuccess {
		return nil
	}
	return errors.Wrapf(r, "%s failed", op)
}

// Device attributes (CUdevice_attribute) used by Properties.
const (
	attrMaxThreadsPerBlock     int32 = 1
	attrMaxBlockDimX           int32 = 2
	attrMaxBlockDimY           int32 = 3
	attrMaxBlockDimZ           int32 = 4
	attrMaxGridDimX            int32 = 5
	attrMaxGridDimY            int32 = 6
	attrMaxGridDimZ            int32 = 7
	attrMaxSharedMemPerBlock   int32 = 8
	attrTotalConstantMemory    int32 = 9
	attrWarpSize               int32 = 10
	attrMaxRegistersPerBlock   int32 = 12
	attrClockRate              int32 = 13
	attrMultiprocessorCount    int32 = 16
	attrComputeCapabilityMajor int32 = 75
	attrComputeCapabilityMinor int32 = 76
)

// Functions of the CUDA driver API, bound by loadLibrary.
var (
	cuInit                    func(flags uint32) Result
	cuDeviceGetCount          func(count *int32) Result
	cuDeviceGet               func(device *int32, ordinal int32) Result
	cuDeviceGetName           func(name *byte, length int32, device int32) Result
	cuDeviceGetAttribute      func(value *int32, attrib int32, device int32) Result
	cuDeviceTotalMem          func(bytes *uint64, device int32) Result
	cuDevicePrimaryCtxRetain  func(ctx *uintptr, device int32) Result
	cuDevicePrimaryCtxRelease func(device int32) Result
	cuCtxSetCurrent           func(ctx uintptr) Result
	cuStreamCreate            func(stream *uintptr, flags uint32) Result
	cuStreamSynchronize       func(stream uintptr) Result
	cuStreamDestroy           func(stream uintptr) Result
	cuMemAlloc                func(ptr *uintptr, size uint64) Result
	cuMemFree                 func(ptr uintptr) Result
	cuMemcpyHtoD              func(dst uintptr, src unsafe.Pointer, size uint64) Result
	cuMemcpyDtoH              func(dst unsafe.Pointer, src uintptr, size uint64) Result
	cuModuleLoadData          func(module *uintptr, image unsafe.Pointer) Result
	cuModuleGetFunction       func(function *uintptr, module uintptr, name *byte) Result
	cuLaunchKernel            func(
		function uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		stream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) Result
)

var (
	loadLibraryOnce sync.Once
	loadLibraryErr  error
)

// libraryNames returns the names of the CUDA driver library to try, in order.
func libraryNames() []string {
	if path, found := os.LookupEnv(LibraryEnv); found && path != "" {
		return []string{path}
	}
	return []string{"libcuda.so.1", "libcuda.so"}
}

// loadLibrary loads the CUDA driver library and binds the API functions, once per process.
func loadLibrary() error {
	loadLibraryOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range libraryNames() {
			lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				klog.V(1).Infof("loaded CUDA driver library %q", name)
				break
			}
			klog.V(2).Infof("failed to load CUDA driver library %q: %v", name, err)
		}
		if err != nil {
			loadLibraryErr = errors.Wrapf(err, "failed to load the CUDA driver library (tried %v), is the NVidia driver installed? "+
				"Set $%s to its path otherwise", libraryNames(), LibraryEnv)
			return
		}
		bindings := []struct {
			fptr any
			name string
		}{
			{&cuInit, "cuInit"},
			{&cuDeviceGetCount, "cuDeviceGetCount"},
			{&cuDeviceGet, "cuDeviceGet"},
			{&cuDeviceGetName, "cuDeviceGetName"},
			{&cuDeviceGetAttribute, "cuDeviceGetAttribute"},
			{&cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
			{&cuDevicePrimaryCtxRetain, "cuDevicePrimaryCtxRetain"},
			{&cuDevicePrimaryCtxRelease, "cuDevicePrimaryCtxRelease_v2"},
			{&cuCtxSetCurrent, "cuCtxSetCurrent"},
			{&cuStreamCreate, "cuStreamCreate"},
			{&cuStreamSynchronize, "cuStreamSynchronize"},
			{&cuStreamDestroy, "cuStreamDestroy_v2"},
			{&cuMemAlloc, "cuMemAlloc_v2"},
			{&cuMemFree, "cuMemFree_v2"},
			{&cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
			{&cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
			{&cuModuleLoadData, "cuModuleLoadData"},
			{&cuModuleGetFunction, "cuModuleGetFunction"},
			{&cuLaunchKernel, "cuLaunchKernel"},
		}
		for _, b := range bindings {
			// RegisterLibFunc panics if the symbol is missing.
			if _, err := purego.Dlsym(lib, b.name); err != nil {
				loadLibraryErr = errors.Wrapf(err, "CUDA driver library is missing symbol %q, is it too old?", b.name)
				return
			}
			purego.RegisterLibFunc(b.fptr, lib, b.name)
		}
	})
	return loadLibraryErr
}

// cString returns s as a NUL terminated byte slice.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// goString converts a NUL terminated buffer to a string.
func goString(b []byte) string {
	for ii, c := range b {
		if c == 0 {
			return string(b[:ii])
		}
	}
	return string(b)
}
