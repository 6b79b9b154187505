// devrt_info binds the process to its accelerator device, the way the simulation does at startup, and prints the
// binding and the capabilities of the device.
//
// Under MPI, the rank and world size are read from the environment set by the launcher (OpenMPI or PMI), so it can
// be used to check the device assignment of a job:
//
//	mpirun -np 4 devrt_info -accelerator
//
// With -selfcheck it also runs the vector_map_dofs kernel on the bound device and verifies the result.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/gomlx/godevrt/devrt"
	_ "github.com/gomlx/godevrt/devrt/cuda"
	_ "github.com/gomlx/godevrt/devrt/host"
	"github.com/gomlx/godevrt/kernels"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/encoding/protojson"
	"k8s.io/klog/v2"
)

var (
	flagRank = flag.Int("rank", envInt(0, "OMPI_COMM_WORLD_RANK", "PMI_RANK"),
		"Rank of the process. Defaults to $OMPI_COMM_WORLD_RANK or $PMI_RANK.")
	flagSize = flag.Int("size", envInt(1, "OMPI_COMM_WORLD_SIZE", "PMI_SIZE"),
		"Number of processes of the job. Defaults to $OMPI_COMM_WORLD_SIZE or $PMI_SIZE.")
	flagAccelerator = flag.Bool("accelerator", false, "Use the accelerator.")
	flagAware       = flag.Bool("aware", false, "The messaging layer (MPI) is accelerator aware.")
	flagShare       = flag.Bool("share", false, "Shared-device mode: all processes of a node use device 0.")
	flagHcpo        = flag.Bool("hcpo", false, "Force the host prolongation operator.")
	flagSync        = flag.Bool("sync", false, "Force synchronous kernels: every launch waits for completion.")
	flagRS          = flag.Int("rs", 0, "Number of mesh refinement levels.")
	flagDriver      = flag.String("driver", "",
		fmt.Sprintf("Accelerator driver. If empty, $%s or the best available is used.", devrt.DriverEnv))
	flagJSON      = flag.Bool("json", false, "Print the device properties as JSON.")
	flagSelfCheck = flag.Bool("selfcheck", false, "Run vector_map_dofs on the bound device and check the result.")
)

// envInt returns the integer value of the first of the environment variables set, or defaultValue.
func envInt(defaultValue int, names ...string) int {
	for _, name := range names {
		value, found := os.LookupEnv(name)
		if !found {
			continue
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			klog.Warningf("Invalid value %q for $%s, ignoring it", value, name)
			continue
		}
		return v
	}
	return defaultValue
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := devrt.Setup(devrt.Options{
		Rank:                    *flagRank,
		WorldSize:               *flagSize,
		UseAccelerator:          *flagAccelerator,
		MessagingAware:          *flagAware,
		SharedDeviceMode:        *flagShare,
		ForceHostProlongation:   *flagHcpo,
		ForceSynchronousKernels: *flagSync,
		RefinementLevels:        *flagRS,
		Driver:                  *flagDriver,
		Registerer:              prometheus.DefaultRegisterer,
	})
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	defer func() { must.M(cfg.Destroy()) }()

	fmt.Printf("%s\n", devrt.CapabilitySummary(cfg.Rank(), cfg.DeviceIndex(), cfg.Properties()))
	if *flagJSON {
		s := must.M1(cfg.Properties().ToStruct())
		js := must.M1(protojson.MarshalOptions{Multiline: true}.Marshal(s))
		fmt.Printf("%s\n", js)
	} else if cfg.IsRoot() {
		fmt.Printf("Driver:                        %s (available: %v)\n", cfg.Driver().Name(), devrt.AvailableDrivers())
		fmt.Printf("Devices visible:               %d\n", cfg.DeviceCount())
		fmt.Printf("Host:                          %s\n", cfg.HostClass())
		fmt.Printf("MPS daemon active:             %v\n", cfg.MultiplexingDaemonActive())
		fmt.Printf("Host prolongation operator:    %v\n", cfg.UseHostProlongationOperator())
		fmt.Printf("Launch block size:             %d\n", cfg.BlockSize())
		fmt.Print(cfg.Properties())
	}

	if *flagSelfCheck {
		if err := selfCheck(cfg); err != nil {
			klog.Fatalf("Self-check on device %s failed: %+v", cfg.Device(), err)
		}
		fmt.Printf("Rank_%d: self-check of vector_map_dofs on %s passed\n", cfg.Rank(), cfg.Device())
	}
}

// selfCheck runs vector_map_dofs with a permutation and with repeated indices, and checks the results.
func selfCheck(cfg *devrt.Config) error {
	testCases := []struct {
		v0, v1, want []float64
		v2           []int32
	}{
		{v0: []float64{0, 0, 0, 0}, v1: []float64{10, 20, 30, 40}, v2: []int32{2, 0, 3, 1}, want: []float64{10, 20, 30, 40}},
		{v0: []float64{7, 7}, v1: []float64{5, 9}, v2: []int32{1, 1}, want: []float64{7, 9}},
	}
	for _, tc := range testCases {
		var buffers []*devrt.Buffer
		for _, values := range [][]float64{tc.v0, tc.v1} {
			b, err := devrt.ArrayToBuffer(cfg, values)
			if err != nil {
				return err
			}
			buffers = append(buffers, b)
		}
		b2, err := devrt.ArrayToBuffer(cfg, tc.v2)
		if err != nil {
			return err
		}
		buffers = append(buffers, b2)
		if err = kernels.VectorMapDofs(cfg, len(tc.v2), buffers[0], buffers[1], b2); err != nil {
			return err
		}
		if err = cfg.Synchronize(); err != nil {
			return err
		}
		got, err := devrt.BufferToArray[float64](buffers[0])
		if err != nil {
			return err
		}
		for _, b := range buffers {
			if err = b.Destroy(); err != nil {
				return err
			}
		}
		if !slices.Equal(got, tc.want) {
			return errors.Errorf("vector_map_dofs(v0=%v, v1=%v, v2=%v) = %v, wanted %v", tc.v0, tc.v1, tc.v2, got, tc.want)
		}
	}
	return nil
}
