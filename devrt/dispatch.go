package devrt

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// DefaultBlockSize is the number of threads per block of a launch, if Options.BlockSize is not set.
const DefaultBlockSize = 256

// Kernel is a numerical kernel following the dispatch convention: it is executed once for every logical element
// i in [0, N), over a fixed list of buffers given at launch. The launch may over-provision threads beyond N,
// so every implementation of the body is guarded by i < N.
//
// A kernel carries one form per kind of driver: Bind for drivers that execute on host memory, and PTX/Entry for
// drivers loading device code.
type Kernel struct {
	// Name of the kernel, used in metrics and error messages.
	Name string

	// Bind returns the body of the kernel for element i, given the raw host-resident memory of the buffers, in
	// launch order. It is called once per launch, and it can validate and reinterpret the memory (see dtypes.View).
	Bind func(mem [][]byte) (body func(i int) error, err error)

	// PTX is the device code of the kernel. Its Entry function takes the problem size N as an int32 followed by
	// one u64 device pointer per buffer.
	PTX string

	// Entry is the name of the function in PTX.
	Entry string

	// Scatter marks kernels where different elements may write the same location, e.g. through an index vector
	// with repeated entries. Drivers executing on host memory run the elements of a scatter kernel in order on one
	// goroutine at a time, so the last element wins and there are no data races.
	Scatter bool
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	if k == nil {
		return "<nil kernel>"
	}
	return k.Name
}

// Dim3 is the extent of a launch along 3 axes.
type Dim3 struct {
	X, Y, Z int
}

// Geometry is the grid/block decomposition of a launch: Grid blocks of Block threads each.
type Geometry struct {
	Grid, Block Dim3
}

// Threads returns the total number of threads of the launch.
func (g Geometry) Threads() int {
	return g.Grid.X * g.Grid.Y * g.Grid.Z * g.Block.X * g.Block.Y * g.Block.Z
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("grid=(%d,%d,%d) block=(%d,%d,%d)",
		g.Grid.X, g.Grid.Y, g.Grid.Z, g.Block.X, g.Block.Y, g.Block.Z)
}

// ComputeGeometry returns the 1D decomposition of n elements: blocks of min(blockSize, maxBlockX) threads, and
// enough blocks to cover n. It returns an error if the number of blocks exceeds maxGridX.
//
// n == 0 yields an empty grid.
func ComputeGeometry(n, blockSize, maxBlockX, maxGridX int) (Geometry, error) {
	if n < 0 {
		return Geometry{}, errors.Errorf("invalid problem size %d", n)
	}
	if blockSize <= 0 || maxBlockX <= 0 || maxGridX <= 0 {
		return Geometry{}, errors.Errorf("invalid launch limits: block size %d, max block extent %d, max grid extent %d",
			blockSize, maxBlockX, maxGridX)
	}
	block := min(blockSize, maxBlockX)
	grid := (n + block - 1) / block
	if grid > maxGridX {
		return Geometry{}, errors.Errorf("problem size %d requires %d blocks of %d threads, but the device supports at most %d blocks",
			n, grid, block, maxGridX)
	}
	return Geometry{Grid: Dim3{grid, 1, 1}, Block: Dim3{block, 1, 1}}, nil
}

// Launch enqueues the kernel on the execution stream for the n elements in [0, n), with the given buffers, and
// returns as soon as it is enqueued: completion is only guaranteed after Synchronize.
//
// If ForceSynchronousKernels is set, it waits for the stream to complete before returning, and returns the errors
// of the execution.
//
// Launching with n == 0 enqueues nothing.
func (c *Config) Launch(kernel *Kernel, n int, buffers ...*Buffer) error {
	if err := c.checkValid(); err != nil {
		return err
	}
	if kernel == nil {
		return errors.New("Config.Launch given a nil kernel")
	}
	if n < 0 {
		return errors.Errorf("Config.Launch(%s) given invalid problem size %d", kernel, n)
	}
	args := make([]DriverMemory, len(buffers))
	for ii, b := range buffers {
		if err := b.checkValid(); err != nil {
			return errors.WithMessagef(err, "Config.Launch(%s) buffer #%d", kernel, ii)
		}
		if b.stream != c.stream {
			return errors.Errorf("Config.Launch(%s) buffer #%d was created on a different stream (device %s)", kernel, ii, b.Device())
		}
		args[ii] = b.memory()
	}
	if n == 0 {
		return nil
	}
	geometry, err := ComputeGeometry(n, c.blockSize, c.maxBlockExtentX, c.maxGridExtentX)
	if err != nil {
		return errors.WithMessagef(err, "Config.Launch(%s)", kernel)
	}
	defer runtime.KeepAlive(buffers)
	if err = c.stream.stream.Launch(kernel, geometry, n, args); err != nil {
		return errors.WithMessagef(err, "failed to launch kernel %s with %s on device %s", kernel, geometry, c.device)
	}
	if c.metrics != nil {
		c.metrics.launches.WithLabelValues(kernel.Name).Inc()
	}
	if c.forceSynchronousKernels {
		if err = c.stream.Synchronize(); err != nil {
			return errors.WithMessagef(err, "kernel %s", kernel)
		}
	}
	return nil
}

// Synchronize waits for all the work enqueued on the execution stream to complete, and returns the first error
// of the stream, if any.
func (c *Config) Synchronize() error {
	if err := c.checkValid(); err != nil {
		return err
	}
	return c.stream.Synchronize()
}
