package devrt

import (
	"testing"

	"github.com/gomlx/godevrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestComputeGeometry(t *testing.T) {
	g, err := ComputeGeometry(1000, 256, 1024, 65535)
	require.NoError(t, err)
	require.Equal(t, Geometry{Grid: Dim3{4, 1, 1}, Block: Dim3{256, 1, 1}}, g)
	require.Equal(t, 1024, g.Threads())
	require.Equal(t, "grid=(4,1,1) block=(256,1,1)", g.String())

	// Block clamped to the device limit.
	g, err = ComputeGeometry(1000, 256, 100, 65535)
	require.NoError(t, err)
	require.Equal(t, 100, g.Block.X)
	require.Equal(t, 10, g.Grid.X)

	// Exact multiple.
	g, err = ComputeGeometry(512, 256, 1024, 65535)
	require.NoError(t, err)
	require.Equal(t, 2, g.Grid.X)

	g, err = ComputeGeometry(0, 256, 1024, 65535)
	require.NoError(t, err)
	require.Equal(t, 0, g.Threads())

	_, err = ComputeGeometry(33, 8, 8, 4)
	require.Error(t, err, "33 elements need 5 blocks of 8, more than the 4 supported")
	_, err = ComputeGeometry(-1, 256, 1024, 65535)
	require.Error(t, err)
	_, err = ComputeGeometry(10, 0, 1024, 65535)
	require.Error(t, err)
}

// scaleKernel multiplies every element of a float64 buffer by factor.
func scaleKernel(factor float64) *Kernel {
	return &Kernel{
		Name: "scale",
		Bind: func(mem [][]byte) (func(i int) error, error) {
			if len(mem) != 1 {
				return nil, errors.Errorf("scale takes 1 buffer, got %d", len(mem))
			}
			data := dtypes.View[float64](mem[0])
			return func(i int) error {
				data[i] *= factor
				return nil
			}, nil
		},
	}
}

func TestLaunch(t *testing.T) {
	d := registerFake(t, &fakeDriver{count: 1})
	reg := prometheus.NewRegistry()
	cfg, err := Setup(Options{Rank: 0, WorldSize: 1, Driver: d.Name(), ForceSynchronousKernels: true, Registerer: reg})
	require.NoError(t, err)
	defer func() { require.NoError(t, cfg.Destroy()) }()

	buf := must.M1(ArrayToBuffer(cfg, []float64{1, 2, 3}))
	require.Equal(t, dtypes.Float64, buf.DType())
	require.Equal(t, 3, buf.Len())
	require.Equal(t, 24, buf.Size())
	require.Equal(t, cfg.Device(), buf.Device())

	fs := cfg.Stream().stream.(*fakeStream)
	syncsBefore := fs.syncs
	require.NoError(t, cfg.Launch(scaleKernel(2), 3, buf))
	require.Equal(t, syncsBefore+1, fs.syncs, "synchronous kernels must synchronize the stream")
	require.NoError(t, cfg.Launch(scaleKernel(5), 3, buf))
	require.Equal(t, []float64{10, 20, 30}, must.M1(BufferToArray[float64](buf)))
	require.Equal(t, 2.0, testutil.ToFloat64(cfg.metrics.launches.WithLabelValues("scale")))
	require.EqualValues(t, 2, d.launches.Load())

	// n == 0 enqueues nothing.
	require.NoError(t, cfg.Launch(scaleKernel(5), 0, buf))
	require.EqualValues(t, 2, d.launches.Load())

	// Problem too large for the device: 8 threads x 4 blocks.
	require.Error(t, cfg.Launch(scaleKernel(1), 33))

	require.Error(t, cfg.Launch(nil, 1))
	require.Error(t, cfg.Launch(scaleKernel(1), -1))
	require.NoError(t, buf.Destroy())
	require.NoError(t, buf.Destroy())
	require.Error(t, cfg.Launch(scaleKernel(1), 3, buf), "launch with a destroyed buffer")
	_, err = BufferToArray[float64](buf)
	require.Error(t, err)
}

func TestBuffers(t *testing.T) {
	d := registerFake(t, &fakeDriver{count: 1})
	cfg, err := Setup(Options{Rank: 0, WorldSize: 1, Driver: d.Name()})
	require.NoError(t, err)
	defer func() { require.NoError(t, cfg.Destroy()) }()

	alive := BuffersAlive()
	buf := must.M1(cfg.NewBuffer(dtypes.Int32, 5))
	require.Equal(t, alive+1, BuffersAlive())
	require.Equal(t, []int32{0, 0, 0, 0, 0}, must.M1(BufferToArray[int32](buf)))
	_, err = BufferToArray[float32](buf)
	require.Error(t, err, "dtype mismatch")
	require.Error(t, buf.ToHost(make([]byte, 3)), "size mismatch")
	require.Error(t, buf.FromHost(make([]byte, 3)), "size mismatch")
	require.NoError(t, buf.FromHost(dtypes.Raw([]int32{1, 2, 3, 4, 5})))
	require.Equal(t, []int32{1, 2, 3, 4, 5}, must.M1(BufferToArray[int32](buf)))
	require.NoError(t, buf.Destroy())
	require.Equal(t, alive, BuffersAlive())

	empty := must.M1(ArrayToBuffer(cfg, []float32{}))
	require.Equal(t, 0, empty.Len())
	require.Empty(t, must.M1(BufferToArray[float32](empty)))
	require.NoError(t, empty.Destroy())

	_, err = cfg.NewBuffer(dtypes.InvalidDType, 3)
	require.Error(t, err)
	_, err = cfg.NewBuffer(dtypes.Float32, -1)
	require.Error(t, err)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := newDispatchMetrics(reg)
	require.NoError(t, err)
	m1.launches.WithLabelValues("k").Inc()

	// Registering again reuses the existing collectors.
	m2, err := newDispatchMetrics(reg)
	require.NoError(t, err)
	m2.launches.WithLabelValues("k").Inc()
	require.Equal(t, 2.0, testutil.ToFloat64(m1.launches.WithLabelValues("k")))
	m2.syncSeconds.Observe(0.001)
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Nil registerer: collected but not registered.
	m3, err := newDispatchMetrics(nil)
	require.NoError(t, err)
	m3.launches.WithLabelValues("k").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(m3.launches.WithLabelValues("k")))
}
