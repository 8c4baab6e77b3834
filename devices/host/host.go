// Package host implements the unified-memory host device, by convention
// device 0 of every platform.
//
// Host memory is directly addressable by every device, so its copies complete
// synchronously and its barriers are born already occurred.
package host

import (
	"sync/atomic"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Device is the host device. The zero value is not usable, create it with New.
type Device struct {
	numQueues int
	allocated atomic.Int64
}

var _ devices.Device = (*Device)(nil)

// New creates the host device with a single queue.
func New() *Device {
	return &Device{numQueues: 1}
}

// Kind implements devices.Device.
func (d *Device) Kind() string { return "host" }

// MemoryType implements devices.Device: host memory is unified.
func (d *Device) MemoryType() devices.MemoryType { return devices.Unified }

// NumQueues implements devices.Device.
func (d *Device) NumQueues() int { return d.numQueues }

// AllocatedBytes returns how many bytes of host memory are currently
// allocated through this device.
func (d *Device) AllocatedBytes() int64 { return d.allocated.Load() }

// Allocate implements devices.Device. Host allocations are aligned to
// BufferAlignment and zero-initialized.
func (d *Device) Allocate(byteCount int) (*devices.Memory, error) {
	if byteCount <= 0 {
		exceptions.Panicf("host.Device.Allocate: invalid byte count %d", byteCount)
	}
	data := alignedBytes(byteCount)
	d.allocated.Add(int64(byteCount))
	return devices.NewMemory(d, devices.Unified, data, func() {
		d.allocated.Add(-int64(byteCount))
	}), nil
}

// Copy implements devices.Device. Both regions are in host-addressable
// memory, so the copy happens immediately and the returned barrier has
// already occurred.
func (d *Device) Copy(queue devices.QueueID, dst *devices.Memory, dstOff int, src *devices.Memory, srcOff, n int) (*devices.Barrier, error) {
	if queue.Queue < 0 || queue.Queue >= d.numQueues {
		return nil, errors.Errorf("host device has no queue #%d", queue.Queue)
	}
	if !dst.AccessibleBy(d) || !src.AccessibleBy(d) {
		return nil, errors.Errorf("host device cannot address discrete memory of a %s/%s device",
			src.Owner().Kind(), dst.Owner().Kind())
	}
	if err := checkCopyRange(dst, dstOff, src, srcOff, n); err != nil {
		return nil, err
	}
	copy(dst.Bytes()[dstOff:dstOff+n], src.Bytes()[srcOff:srcOff+n])
	return devices.SignaledBarrier(nil), nil
}

// Barrier implements devices.Device. Host queue work is synchronous, so the
// barrier is born occurred.
func (d *Device) Barrier(queue devices.QueueID) (*devices.Barrier, error) {
	if queue.Queue < 0 || queue.Queue >= d.numQueues {
		return nil, errors.Errorf("host device has no queue #%d", queue.Queue)
	}
	return devices.SignaledBarrier(nil), nil
}

func checkCopyRange(dst *devices.Memory, dstOff int, src *devices.Memory, srcOff, n int) error {
	if n < 0 || dstOff < 0 || srcOff < 0 || dstOff+n > dst.Len() || srcOff+n > src.Len() {
		return errors.Errorf("copy range out of bounds: %d bytes from [%d] of %d into [%d] of %d",
			n, srcOff, src.Len(), dstOff, dst.Len())
	}
	return nil
}
