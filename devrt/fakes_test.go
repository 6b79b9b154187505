package devrt

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a synchronous in-memory Driver, with configurable failures.
type fakeDriver struct {
	name      string
	count     int
	countErr  error
	initErr   error
	propsErr  error
	streamErr error
	props     *Properties

	initCalls atomic.Int32
	launches  atomic.Int32
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Initialize(flags uint) error {
	d.initCalls.Add(1)
	if flags != 0 {
		return errors.Errorf("unexpected flags %d", flags)
	}
	return d.initErr
}

func (d *fakeDriver) DeviceCount() (int, error) { return d.count, d.countErr }

func (d *fakeDriver) Device(ordinal int) (DriverDevice, error) {
	if ordinal < 0 || ordinal >= d.count {
		return nil, errors.Errorf("invalid ordinal %d", ordinal)
	}
	return &fakeDevice{driver: d, ordinal: ordinal}, nil
}

type fakeDevice struct {
	driver  *fakeDriver
	ordinal int
}

func (dev *fakeDevice) Ordinal() int { return dev.ordinal }

func (dev *fakeDevice) Properties() (*Properties, error) {
	if dev.driver.propsErr != nil {
		return nil, dev.driver.propsErr
	}
	if dev.driver.props != nil {
		return dev.driver.props, nil
	}
	return &Properties{
		Name:               "fake",
		Major:              7,
		Minor:              5,
		MaxGridSize:        [3]int{4, 1, 1},
		MaxThreadsDim:      [3]int{8, 1, 1},
		MaxThreadsPerBlock: 8,
		WarpSize:           4,
	}, nil
}

func (dev *fakeDevice) NewStream() (DriverStream, error) {
	if dev.driver.streamErr != nil {
		return nil, dev.driver.streamErr
	}
	return &fakeStream{driver: dev.driver}, nil
}

func (dev *fakeDevice) Alloc(numBytes int) (DriverMemory, error) {
	return &fakeMemory{data: make([]byte, numBytes)}, nil
}

type fakeMemory struct {
	data  []byte
	freed bool
}

func (m *fakeMemory) Size() int { return len(m.data) }
func (m *fakeMemory) Free() error {
	m.freed = true
	return nil
}

// fakeStream executes everything immediately.
type fakeStream struct {
	driver    *fakeDriver
	destroyed bool
	syncs     int
}

func (s *fakeStream) Launch(kernel *Kernel, geometry Geometry, n int, args []DriverMemory) error {
	s.driver.launches.Add(1)
	mem := make([][]byte, len(args))
	for ii, arg := range args {
		mem[ii] = arg.(*fakeMemory).data
	}
	body, err := kernel.Bind(mem)
	if err != nil {
		return err
	}
	for i := range geometry.Threads() {
		if i < n {
			if err := body(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *fakeStream) CopyToDevice(dst DriverMemory, src []byte) error {
	copy(dst.(*fakeMemory).data, src)
	return nil
}

func (s *fakeStream) CopyToHost(dst []byte, src DriverMemory) error {
	copy(dst, src.(*fakeMemory).data)
	return nil
}

func (s *fakeStream) Synchronize() error {
	s.syncs++
	return nil
}

func (s *fakeStream) Destroy() error {
	s.destroyed = true
	return nil
}

// registerFake registers a fakeDriver under a name unique to the test.
func registerFake(t *testing.T, d *fakeDriver) *fakeDriver {
	d.name = "fake-" + t.Name()
	require.NoError(t, RegisterDriver(d))
	return d
}
