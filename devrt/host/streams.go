package host

import (
	"runtime"
	"sync"

	"github.com/gomlx/godevrt/devrt"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// queueSize is the number of operations that can be enqueued before enqueuing blocks.
const queueSize = 1024

// operation is an entry of the stream queue: either some work to run, or a marker closed when reached.
type operation struct {
	run    func() error
	marker chan struct{}
}

// stream executes operations in FIFO order in its own goroutine.
//
// After the first failure, the following operations are skipped, and the error is reported by every Synchronize.
type stream struct {
	// muQueue protects queue from being closed while enqueuing.
	muQueue sync.RWMutex
	queue   chan operation
	closed  bool
	done    chan struct{}

	muErr sync.Mutex
	err   error
}

var _ devrt.DriverStream = (*stream)(nil)

func newStream() *stream {
	s := &stream{
		queue: make(chan operation, queueSize),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *stream) worker() {
	defer close(s.done)
	for op := range s.queue {
		if op.marker != nil {
			close(op.marker)
			continue
		}
		if s.stickyError() != nil {
			continue
		}
		if err := op.run(); err != nil {
			s.muErr.Lock()
			s.err = err
			s.muErr.Unlock()
		}
	}
}

func (s *stream) stickyError() error {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	return s.err
}

// enqueue the operation, or returns an error if the stream was destroyed.
func (s *stream) enqueue(op operation) error {
	s.muQueue.RLock()
	defer s.muQueue.RUnlock()
	if s.closed {
		return errors.New("host stream already destroyed")
	}
	s.queue <- op
	return nil
}

// Launch implements devrt.DriverStream.
// The memories are bound to the kernel when the launch is executed, so errors of Kernel.Bind are sticky errors.
func (s *stream) Launch(kernel *devrt.Kernel, geometry devrt.Geometry, n int, args []devrt.DriverMemory) error {
	if kernel.Bind == nil {
		return errors.Errorf("kernel %s has no host implementation (Kernel.Bind)", kernel)
	}
	if geometry.Threads() < n {
		return errors.Errorf("launch geometry %s has only %d threads for %d elements", geometry, geometry.Threads(), n)
	}
	memories := make([]*memory, len(args))
	for ii, arg := range args {
		m, err := toMemory(arg)
		if err != nil {
			return errors.WithMessagef(err, "kernel %s argument #%d", kernel, ii)
		}
		memories[ii] = m
	}
	return s.enqueue(operation{run: func() error {
		return runKernel(kernel, geometry, n, memories)
	}})
}

// runKernel executes the body of the kernel for each thread of the geometry, one goroutine per block at most
// GOMAXPROCS at a time. Blocks of scatter kernels run one at a time, in order.
func runKernel(kernel *devrt.Kernel, geometry devrt.Geometry, n int, memories []*memory) error {
	mem := make([][]byte, len(memories))
	for ii, m := range memories {
		mem[ii] = m.data
	}
	body, err := kernel.Bind(mem)
	if err != nil {
		return errors.WithMessagef(err, "failed to bind kernel %s", kernel)
	}
	numBlocks := geometry.Grid.X * geometry.Grid.Y * geometry.Grid.Z
	blockThreads := geometry.Block.X * geometry.Block.Y * geometry.Block.Z
	var g errgroup.Group
	if kernel.Scatter {
		g.SetLimit(1)
	} else {
		g.SetLimit(runtime.GOMAXPROCS(0))
	}
	for blockIdx := range numBlocks {
		start := blockIdx * blockThreads
		if start >= n {
			break
		}
		g.Go(func() error {
			for threadIdx := range blockThreads {
				i := start + threadIdx
				if i >= n {
					break
				}
				if err := body(i); err != nil {
					return errors.WithMessagef(err, "kernel %s failed for element %d", kernel, i)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// CopyToDevice implements devrt.DriverStream.
func (s *stream) CopyToDevice(dst devrt.DriverMemory, src []byte) error {
	m, err := toMemory(dst)
	if err != nil {
		return err
	}
	if len(src) > len(m.data) {
		return errors.Errorf("copy of %d bytes to device memory of %d bytes", len(src), len(m.data))
	}
	return s.enqueue(operation{run: func() error {
		copy(m.data, src)
		return nil
	}})
}

// CopyToHost implements devrt.DriverStream.
func (s *stream) CopyToHost(dst []byte, src devrt.DriverMemory) error {
	m, err := toMemory(src)
	if err != nil {
		return err
	}
	if len(dst) > len(m.data) {
		return errors.Errorf("copy of %d bytes from device memory of %d bytes", len(dst), len(m.data))
	}
	return s.enqueue(operation{run: func() error {
		copy(dst, m.data)
		return nil
	}})
}

// Synchronize implements devrt.DriverStream.
func (s *stream) Synchronize() error {
	marker := make(chan struct{})
	if err := s.enqueue(operation{marker: marker}); err != nil {
		return err
	}
	<-marker
	return s.stickyError()
}

// Destroy implements devrt.DriverStream. It waits for the pending operations to finish.
func (s *stream) Destroy() error {
	s.muQueue.Lock()
	if s.closed {
		s.muQueue.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.muQueue.Unlock()
	<-s.done
	return nil
}
