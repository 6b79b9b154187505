package devrt

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is an ordered queue of asynchronous operations on a device: kernels launched and transfers enqueued on
// the same stream execute in the order they were enqueued.
//
// A Stream is owned exclusively by its creator (the Config created by Setup owns the one stream of the process),
// and it is not safe for concurrent use.
type Stream struct {
	device  *Device
	stream  DriverStream
	metrics *dispatchMetrics
}

// newStream creates a stream on the device and registers it for destruction.
func newStream(device *Device, metrics *dispatchMetrics) (*Stream, error) {
	dStream, err := device.device.NewStream()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create stream on device %s", device)
	}
	if dStream == nil {
		return nil, errors.Errorf("driver returned a nil stream for device %s", device)
	}
	s := &Stream{device: device, stream: dStream, metrics: metrics}
	runtime.SetFinalizer(s, func(s *Stream) {
		err := s.Destroy()
		if err != nil {
			klog.Errorf("Stream.Destroy failed: %v", err)
		}
	})
	return s, nil
}

// IsValid returns whether the stream has not been destroyed.
func (s *Stream) IsValid() bool {
	return s != nil && s.stream != nil
}

// Device returns the device of the stream.
func (s *Stream) Device() *Device {
	return s.device
}

func (s *Stream) checkValid() error {
	if !s.IsValid() {
		return errors.New("Stream is nil or its driver stream is nil -- has it been destroyed already?")
	}
	return nil
}

// Synchronize blocks until all the operations enqueued in the stream are completed, and returns the first error
// of the stream, if any.
func (s *Stream) Synchronize() error {
	if err := s.checkValid(); err != nil {
		return err
	}
	defer runtime.KeepAlive(s)
	start := time.Now()
	err := s.stream.Synchronize()
	if s.metrics != nil {
		s.metrics.syncSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return errors.WithMessagef(err, "stream on device %s failed", s.device)
	}
	return nil
}

// Destroy the stream, release resources, and Stream is no longer valid.
// This is automatically called if Stream is garbage collected.
func (s *Stream) Destroy() error {
	if !s.IsValid() {
		// Already destroyed, no-op.
		return nil
	}
	err := s.stream.Destroy()
	s.stream = nil
	runtime.SetFinalizer(s, nil)
	return err
}
