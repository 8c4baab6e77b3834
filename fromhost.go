package coherence

import (
	"reflect"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/coherence/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTransferBlockSize is the chunk size BufferFromHost transfers use
// when not configured with BufferFromHostConfig.BlockSize.
const DefaultTransferBlockSize = 1 << 20

// BufferFromHostConfig is used to configure the creation of a logical buffer
// primed with host data, transferred to the target device in blocks enqueued
// back-to-back on one queue (so the device can overlap them). It is created
// with Registry.BufferFromHost.
//
// Set the data with FromRawData or FromFlatData, optionally pick a name, a
// target queue and a block size, and call Done to run the transfer.
type BufferFromHostConfig struct {
	registry  *Registry
	data      []byte
	dtype     dtypes.DType
	name      string
	queue     devices.QueueID
	blockSize int

	// err stores the first error that happened during configuration, returned
	// by Done.
	err error
}

// BufferFromHost starts the configuration of a buffer created from host data.
// The target defaults to queue 0 of device 0 (the host).
func (r *Registry) BufferFromHost() *BufferFromHostConfig {
	return &BufferFromHostConfig{
		registry:  r,
		blockSize: DefaultTransferBlockSize,
	}
}

// FromRawData configures the host bytes to transfer. The dtype describes the
// element type the bytes hold; len(data) must be a multiple of its size. The
// bytes must be kept alive and constant until Done returns.
func (b *BufferFromHostConfig) FromRawData(data []byte, dtype dtypes.DType) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if len(data) == 0 {
		b.err = errors.New("BufferFromHost().FromRawData() given no data")
		return b
	}
	if dtype != dtypes.InvalidDType && len(data)%dtype.SizeOf() != 0 {
		b.err = errors.Errorf("BufferFromHost().FromRawData() given %d bytes, not a multiple of %s's size %d",
			len(data), dtype, dtype.SizeOf())
		return b
	}
	b.data = data
	b.dtype = dtype
	return b
}

// FromFlatData configures the host data from a flat slice of one of the
// dtypes.Supported Go types.
func (b *BufferFromHostConfig) FromFlatData(flat any) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		b.err = errors.Errorf("BufferFromHost().FromFlatData() was given a %s, it requires a slice", flatV.Kind())
		return b
	}
	if flatV.Len() == 0 {
		b.err = errors.New("BufferFromHost().FromFlatData() given an empty slice")
		return b
	}
	element0 := flatV.Index(0)
	dtype := dtypes.FromGoType(element0.Type())
	if dtype == dtypes.InvalidDType {
		b.err = errors.Errorf("BufferFromHost().FromFlatData() given []%s, not a supported element type", element0.Type())
		return b
	}
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	data := unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
	return b.FromRawData(data, dtype)
}

// WithName sets the buffer's diagnostic name.
func (b *BufferFromHostConfig) WithName(name string) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.name = name
	return b
}

// OnQueue sets the queue (and with it the device) the transfer targets and
// that becomes the buffer's last writer.
func (b *BufferFromHostConfig) OnQueue(queue devices.QueueID) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if queue.Device < 0 || queue.Device >= b.registry.platform.NumDevices() {
		b.err = errors.Errorf("BufferFromHost().OnQueue() given invalid device #%d, platform has %d devices",
			queue.Device, b.registry.platform.NumDevices())
		return b
	}
	b.queue = queue
	return b
}

// BlockSize sets the transfer chunk size in bytes.
func (b *BufferFromHostConfig) BlockSize(bytes int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if bytes <= 0 {
		b.err = errors.Errorf("BufferFromHost().BlockSize() must be positive, got %d", bytes)
		return b
	}
	b.blockSize = bytes
	return b
}

// Done creates the buffer and runs the transfer: the target replica is
// allocated, every block is enqueued on the configured queue, and Done awaits
// the last block's barrier. On success the buffer's master is the target
// device at version 1.
func (b *BufferFromHostConfig) Done() (BufferHandle, error) {
	if b.err != nil {
		// Return the first error saved during configuration.
		return 0, b.err
	}
	if len(b.data) == 0 {
		return 0, errors.New("BufferFromHost requires the host data to transfer, none was configured")
	}
	r := b.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform.CheckQueue(b.queue)

	handle := r.newBufferLocked(len(b.data), b.name)
	buf := r.buffers[handle]
	replica, err := r.resolveLocked(handle, buf, b.queue.Device)
	if err != nil {
		r.abortLocked(handle, buf, nil)
		return 0, err
	}

	// The source is transient unified memory wrapping the caller's bytes.
	src := devices.NewMemory(r.platform.Device(0), devices.Unified, b.data, nil)
	dev := r.platform.Device(b.queue.Device)
	n := len(b.data)
	var first, last *devices.Barrier
	for off := 0; off < n; off += b.blockSize {
		block := min(b.blockSize, n-off)
		barrier, err := dev.Copy(b.queue, replica, off, src, off, block)
		if err != nil {
			// Earlier blocks on the same queue may still be in flight; the
			// replica is released only after the last of them lands.
			r.abortLocked(handle, buf, last)
			return 0, errors.WithMessagef(err, "transferring block at offset %d of buffer %q to device #%d",
				off, buf.name, b.queue.Device)
		}
		if first == nil {
			first = barrier
		}
		last = barrier
	}
	// Blocks are ordered on the queue, awaiting the last covers them all.
	if err = last.AwaitTimeout(r.transferTimeout); err != nil {
		r.abortLocked(handle, buf, last)
		return 0, errors.WithMessagef(err, "waiting for transfer of buffer %q to device #%d", buf.name, b.queue.Device)
	}

	buf.masterDevice = b.queue.Device
	buf.masterVersion = 1
	buf.lastWriter = b.queue
	buf.hasWriter = true
	replica.SetVersion(1)
	if klog.V(1).Enabled() {
		elapsed, _ := last.ElapsedTime(first)
		klog.Infof("coherence: created buffer %q (handle %d, %s) from host data on %s (blocks of %s, %s between first and last block)",
			buf.name, handle, humanize.IBytes(uint64(n)), b.queue, humanize.IBytes(uint64(b.blockSize)), elapsed)
	}
	return handle, nil
}
