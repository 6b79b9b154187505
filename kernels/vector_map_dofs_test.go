package kernels

import (
	"fmt"
	"testing"

	"github.com/gomlx/godevrt/devrt"
	_ "github.com/gomlx/godevrt/devrt/cuda"
	_ "github.com/gomlx/godevrt/devrt/host"
	"github.com/gomlx/godevrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// setupForTest creates a Config on the given driver, or skips the test if the driver has no devices.
func setupForTest(t *testing.T, driverName string, forceSync bool) *devrt.Config {
	d, err := devrt.GetDriver(driverName)
	if err != nil {
		t.Skipf("Driver %q not available: %v", driverName, err)
	}
	if count, err := d.DeviceCount(); err != nil || count == 0 {
		t.Skipf("Driver %q has no devices (count=%d, err=%v)", driverName, count, err)
	}
	cfg, err := devrt.Setup(devrt.Options{Rank: 0, WorldSize: 1, UseAccelerator: true, Driver: driverName, ForceSynchronousKernels: forceSync})
	require.NoError(t, err)
	return cfg
}

func testVectorMapDofs[T element](t *testing.T, cfg *devrt.Config, v0, v1 []T, v2 []int32, n int, want []T) {
	b0 := must.M1(devrt.ArrayToBuffer(cfg, v0))
	b1 := must.M1(devrt.ArrayToBuffer(cfg, v1))
	b2 := must.M1(devrt.ArrayToBuffer(cfg, v2))
	require.NoError(t, VectorMapDofs(cfg, n, b0, b1, b2))
	require.NoError(t, cfg.Synchronize())
	got := must.M1(devrt.BufferToArray[T](b0))
	fmt.Printf("\tv0=%v, v1=%v, v2=%v, n=%d -> %v\n", v0, v1, v2, n, got)
	require.Equal(t, want, got)
	require.Equal(t, v1, must.M1(devrt.BufferToArray[T](b1)), "source must not change")
	for _, b := range []*devrt.Buffer{b0, b1, b2} {
		require.NoError(t, b.Destroy())
	}
}

func toF16(values ...float32) []float16.Float16 {
	out := make([]float16.Float16, len(values))
	for ii, v := range values {
		out[ii] = float16.Fromfloat32(v)
	}
	return out
}

func testVectorMapDofsOnDriver(t *testing.T, driverName string) {
	for _, forceSync := range []bool{false, true} {
		t.Run(fmt.Sprintf("%s/sync=%v", driverName, forceSync), func(t *testing.T) {
			cfg := setupForTest(t, driverName, forceSync)
			defer func() { require.NoError(t, cfg.Destroy()) }()

			// Permutation: the result is v1.
			testVectorMapDofs(t, cfg, []float64{0, 0, 0, 0}, []float64{10, 20, 30, 40}, []int32{2, 0, 3, 1}, 4,
				[]float64{10, 20, 30, 40})
			// Position 0 is never targeted, position 1 is written twice.
			testVectorMapDofs(t, cfg, []float64{7, 7}, []float64{5, 9}, []int32{1, 1}, 2, []float64{7, 9})

			testVectorMapDofs(t, cfg, []float32{0, 0, 0, 0}, []float32{10, 20, 30, 40}, []int32{2, 0, 3, 1}, 4,
				[]float32{10, 20, 30, 40})
			testVectorMapDofs(t, cfg, []float32{7, 7}, []float32{5, 9}, []int32{1, 1}, 2, []float32{7, 9})
			testVectorMapDofs(t, cfg, toF16(7, 7), toF16(5, 9), []int32{1, 1}, 2, toF16(7, 9))

			// Only the first n indices are used.
			testVectorMapDofs(t, cfg, []float64{0, 0, 0}, []float64{1, 2, 3}, []int32{2, 0, 1}, 1, []float64{0, 0, 3})
			// n == 0 changes nothing.
			testVectorMapDofs(t, cfg, []float64{4, 5}, []float64{1, 2}, []int32{0, 1}, 0, []float64{4, 5})

			// Larger than one block.
			const size = 3000
			v0 := make([]float64, size)
			v1 := make([]float64, size)
			v2 := make([]int32, size)
			want := make([]float64, size)
			for ii := range size {
				v1[ii] = float64(ii) + 0.5
				v2[ii] = int32(size - 1 - ii)
				want[ii] = v1[ii]
			}
			testVectorMapDofs(t, cfg, v0, v1, v2, size, want)

			// Repeated indices spread over many blocks all write the same position.
			repeated := make([]int32, 4096)
			testVectorMapDofs(t, cfg, []float64{0, 0}, []float64{1, 2}, repeated, len(repeated), []float64{1, 0})
			testVectorMapDofs(t, cfg, toF16(0, 0), toF16(1, 2), repeated, len(repeated), toF16(1, 0))
		})
	}
}

func TestVectorMapDofs(t *testing.T) {
	testVectorMapDofsOnDriver(t, devrt.HostDriverName)
	testVectorMapDofsOnDriver(t, devrt.CUDADriverName)
}

func TestVectorMapDofsValidation(t *testing.T) {
	cfg := setupForTest(t, devrt.HostDriverName, false)
	defer func() { require.NoError(t, cfg.Destroy()) }()

	f64 := must.M1(devrt.ArrayToBuffer(cfg, []float64{1, 2, 3}))
	f64b := must.M1(devrt.ArrayToBuffer(cfg, []float64{4, 5, 6}))
	f32 := must.M1(devrt.ArrayToBuffer(cfg, []float32{1, 2, 3}))
	short := must.M1(devrt.ArrayToBuffer(cfg, []float64{1, 2}))
	idx := must.M1(devrt.ArrayToBuffer(cfg, []int32{0, 1, 2}))
	badIdx := must.M1(devrt.ArrayToBuffer(cfg, []int32{0, 5}))

	require.Error(t, VectorMapDofs(cfg, -1, f64, f64b, idx))
	require.Error(t, VectorMapDofs(cfg, 3, nil, f64b, idx))
	require.Error(t, VectorMapDofs(cfg, 3, f64, f64b, f64b), "v2 must be Int32")
	require.Error(t, VectorMapDofs(cfg, 4, f64, f64b, idx), "v2 shorter than n")
	require.Error(t, VectorMapDofs(cfg, 3, f64, f32, idx), "dtype mismatch")
	require.Error(t, VectorMapDofs(cfg, 2, f64, short, idx), "length mismatch")
	_, err := VectorMapDofsKernel(dtypes.Int32)
	require.Error(t, err)

	// Out of bounds indices are reported by the stream.
	require.NoError(t, VectorMapDofs(cfg, 2, f64, f64b, badIdx))
	err = cfg.Synchronize()
	require.Error(t, err)
	fmt.Printf("Expected error: %v\n", err)
}

func TestVectorMapDofsPTX(t *testing.T) {
	for _, kernel := range []*devrt.Kernel{VectorMapDofsF64, VectorMapDofsF32, VectorMapDofsF16} {
		require.Contains(t, kernel.PTX, ".visible .entry "+kernel.Entry+"(")
		require.NotContains(t, kernel.PTX, "{{")
	}
	require.Equal(t, "vector_map_dofs_f64", VectorMapDofsF64.Entry)
	require.True(t, VectorMapDofsF64.Scatter && VectorMapDofsF32.Scatter && VectorMapDofsF16.Scatter)
	require.Contains(t, VectorMapDofsF64.PTX, "ld.global.b64")
	require.Contains(t, VectorMapDofsF16.PTX, "mul.wide.s32 %rd7, %r6, 2;")
}
