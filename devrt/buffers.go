package devrt

import (
	"runtime"
	"sync/atomic"

	"github.com/gomlx/godevrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a reference to an on-device array of Len() elements of DType().
//
// Transfers to and from the buffer are enqueued on the Stream of the Config that created it, so they are ordered
// with the kernels launched on it.
type Buffer struct {
	wrapper *bufferWrapper
	stream  *Stream
	dtype   dtypes.DType
	length  int
}

// bufferWrapper wraps the driver memory that requires clean up.
type bufferWrapper struct {
	memory DriverMemory
}

func (wrapper *bufferWrapper) IsValid() bool {
	return wrapper != nil && wrapper.memory != nil
}

func (wrapper *bufferWrapper) Destroy() error {
	if !wrapper.IsValid() {
		// Already destroyed, no-op.
		return nil
	}
	err := wrapper.memory.Free()
	wrapper.memory = nil
	buffersAlive.Add(-1)
	return err
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of Buffers in memory and currently tracked by devrt.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newBuffer allocates a Buffer on the device of the stream.
func newBuffer(stream *Stream, dtype dtypes.DType, length int) (*Buffer, error) {
	if err := stream.checkValid(); err != nil {
		return nil, err
	}
	if dtype.Size() == 0 {
		return nil, errors.Errorf("can't allocate buffer of invalid dtype %s", dtype)
	}
	if length < 0 {
		return nil, errors.Errorf("can't allocate buffer of negative length %d", length)
	}
	memory, err := stream.device.device.Alloc(dtype.SizeForLength(length))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate buffer of %d x %s on device %s", length, dtype, stream.device)
	}
	b := &Buffer{
		wrapper: &bufferWrapper{memory: memory},
		stream:  stream,
		dtype:   dtype,
		length:  length,
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		err := wrapper.Destroy()
		if err != nil {
			klog.Errorf("devrt.Buffer.Destroy failed: %v", err)
		}
	}, b.wrapper)
	return b, nil
}

// IsValid returns whether the buffer has not been destroyed.
func (b *Buffer) IsValid() bool {
	return b != nil && b.wrapper.IsValid() && b.stream.IsValid()
}

func (b *Buffer) checkValid() error {
	if !b.IsValid() {
		return errors.New("Buffer is nil, or its memory or stream are invalid -- has it (or its Config) been destroyed already?")
	}
	return nil
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType {
	return b.dtype
}

// Len returns the number of elements of the buffer.
func (b *Buffer) Len() int {
	return b.length
}

// Size returns the size in bytes of the buffer.
func (b *Buffer) Size() int {
	return b.dtype.SizeForLength(b.length)
}

// Device returns the device where the buffer is stored.
func (b *Buffer) Device() *Device {
	return b.stream.device
}

// memory returns the driver memory of the buffer.
func (b *Buffer) memory() DriverMemory {
	return b.wrapper.memory
}

// Destroy the Buffer, release resources, and Buffer is no longer valid.
// It must not be in use by kernels still pending in the stream.
// This is automatically called if Buffer is garbage collected.
func (b *Buffer) Destroy() error {
	if b == nil || !b.wrapper.IsValid() {
		return nil
	}
	defer runtime.KeepAlive(b)
	return b.wrapper.Destroy()
}

// FromHost overwrites the contents of the buffer with the raw bytes in src, that must have exactly Size() bytes.
// It enqueues the transfer and waits for it to complete (and so for all previous work on the stream).
func (b *Buffer) FromHost(src []byte) error {
	if err := b.checkValid(); err != nil {
		return err
	}
	if len(src) != b.Size() {
		return errors.Errorf("Buffer.FromHost given %d bytes, but buffer (%d x %s) holds %d bytes", len(src), b.length, b.dtype, b.Size())
	}
	defer runtime.KeepAlive(b)
	if len(src) == 0 {
		return nil
	}
	if err := b.stream.stream.CopyToDevice(b.memory(), src); err != nil {
		return errors.WithMessagef(err, "failed to enqueue transfer to device %s", b.Device())
	}
	return b.stream.Synchronize()
}

// ToHost transfers the contents of the buffer to dst, that must have exactly Size() bytes.
// It enqueues the transfer and waits for it to complete (and so for all previous work on the stream).
func (b *Buffer) ToHost(dst []byte) error {
	if err := b.checkValid(); err != nil {
		return err
	}
	if len(dst) != b.Size() {
		return errors.Errorf("Buffer.ToHost given %d bytes, but buffer (%d x %s) holds %d bytes", len(dst), b.length, b.dtype, b.Size())
	}
	defer runtime.KeepAlive(b)
	if len(dst) == 0 {
		return nil
	}
	if err := b.stream.stream.CopyToHost(dst, b.memory()); err != nil {
		return errors.WithMessagef(err, "failed to enqueue transfer from device %s", b.Device())
	}
	return b.stream.Synchronize()
}

// ArrayToBuffer creates a buffer on the bound device of the Config, with a copy of flat.
func ArrayToBuffer[T dtypes.Supported](c *Config, flat []T) (*Buffer, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	b, err := newBuffer(c.stream, dtypes.FromGenericsType[T](), len(flat))
	if err != nil {
		return nil, err
	}
	if err = b.FromHost(dtypes.Raw(flat)); err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b, nil
}

// BufferToArray transfers the buffer to a new Go slice. T must match the buffer DType.
func BufferToArray[T dtypes.Supported](b *Buffer) ([]T, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if dtype := dtypes.FromGenericsType[T](); dtype != b.dtype {
		return nil, errors.Errorf("BufferToArray[%s] called on a buffer of dtype %s", dtype, b.dtype)
	}
	flat := make([]T, b.length)
	if err := b.ToHost(dtypes.Raw(flat)); err != nil {
		return nil, err
	}
	return flat, nil
}

// NewBuffer allocates a zero-initialized buffer on the bound device of the Config.
func (c *Config) NewBuffer(dtype dtypes.DType, length int) (*Buffer, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	b, err := newBuffer(c.stream, dtype, length)
	if err != nil {
		return nil, err
	}
	if err = b.FromHost(make([]byte, b.Size())); err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b, nil
}
