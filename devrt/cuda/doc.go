// Package cuda implements a devrt.Driver for NVidia GPUs, using the CUDA driver API.
//
// The driver library (libcuda.so.1) is loaded at runtime with purego, so no cgo or CUDA toolkit is needed to build.
// The path of the library can be overridden with $GODEVRT_CUDA_LIBRARY.
//
// Kernels are loaded from their PTX form (devrt.Kernel.PTX), once per device, and they are launched on the
// stream created by devrt.Setup.
//
// To make it available, import it with:
//
//	import _ "github.com/gomlx/godevrt/devrt/cuda"
//
// It is only implemented for linux: on other platforms importing it registers nothing.
package cuda

import "github.com/gomlx/godevrt/devrt"

const (
	// DriverName under which the driver is registered.
	DriverName = devrt.CUDADriverName

	// LibraryEnv is the environment variable with the path of the CUDA driver library, if not in the default
	// library path.
	LibraryEnv = "GODEVRT_CUDA_LIBRARY"
)
