// Package devrt is the per-process accelerator runtime configuration: it binds each process (rank) of a
// distributed simulation to one device, probes the device capabilities, creates the one execution Stream the
// process uses, and launches kernels on it following a common dispatch convention.
//
// The typical usage is:
//
//	import (
//		"github.com/gomlx/godevrt/devrt"
//		_ "github.com/gomlx/godevrt/devrt/cuda"
//		_ "github.com/gomlx/godevrt/devrt/host"
//	)
//
//	cfg, err := devrt.Setup(devrt.Options{Rank: rank, WorldSize: size, UseAccelerator: true})
//	if err != nil {
//		klog.Fatalf("%+v", err)
//	}
//	defer cfg.Destroy()
//
// Vendor runtimes are implemented as a Driver, and registered by the sub-packages (host and cuda) when imported.
package devrt

// driverInitFlags is the reserved value passed to Driver.Initialize: the vendor APIs require it to be 0.
const driverInitFlags = 0
