// Package devices defines the device abstraction the coherence registry is
// built on: raw allocation of device memory, asynchronous copies ordered by
// queues, and the barriers used to synchronize with them.
//
// Implementations live in the sub-packages: devices/host is the unified-memory
// host device, devices/sim is a software-simulated discrete accelerator.
package devices

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is the cause of errors returned by Device.Allocate when
	// the device cannot serve the requested byte count.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrTimedOut is the cause of errors returned by Barrier.AwaitTimeout when
	// the deadline expires before the barrier occurs.
	ErrTimedOut = errors.New("barrier wait timed out")
)

// QueueID identifies one ordered execution stream (queue) on one device.
// Work enqueued on the same queue executes in order; queues on different
// devices (or different queues on the same device) have no implicit ordering
// relative to one another.
type QueueID struct {
	Device int
	Queue  int
}

func (q QueueID) String() string {
	return fmt.Sprintf("device #%d queue #%d", q.Device, q.Queue)
}

// Device is the capability interface the registry uses to allocate memory and
// move bytes. The registry never talks to hardware directly, only through
// this contract.
type Device interface {
	// Kind is a short human-readable tag for the device ("host", "sim", ...).
	Kind() string

	// MemoryType reports whether allocations of this device are Unified
	// (host-addressable) or Discrete (private address space).
	MemoryType() MemoryType

	// NumQueues returns how many execution queues the device exposes.
	NumQueues() int

	// Allocate returns a new zero-initialized Memory of byteCount bytes owned
	// by this device. Failures are recoverable errors with ErrOutOfMemory as
	// their cause.
	Allocate(byteCount int) (*Memory, error)

	// Copy enqueues on the given queue a copy of n bytes from src (starting at
	// srcOff) into dst (starting at dstOff), and returns a Barrier that occurs
	// once the bytes have landed. Both regions must be addressable by this
	// device: unified, or owned by it.
	Copy(queue QueueID, dst *Memory, dstOff int, src *Memory, srcOff, n int) (*Barrier, error)

	// Barrier enqueues a marker on the given queue and returns a Barrier that
	// occurs once all work previously enqueued on that queue has drained.
	Barrier(queue QueueID) (*Barrier, error)
}

// Platform is the explicit context object holding the process' device list.
// It is constructed once at start-up and passed to the registry -- there is no
// global device state.
//
// By convention, device 0 is always the unified-memory host device: externally
// supplied (reference-wrapped) memory lives there.
type Platform struct {
	devs []Device
}

// NewPlatform creates a Platform from the given devices. Device 0 must use
// unified memory.
func NewPlatform(devs ...Device) *Platform {
	if len(devs) == 0 {
		exceptions.Panicf("devices.NewPlatform requires at least the host device")
	}
	if devs[0].MemoryType() != Unified {
		exceptions.Panicf("devices.NewPlatform: device 0 must be the unified-memory host device, got %s %s memory",
			devs[0].Kind(), devs[0].MemoryType())
	}
	return &Platform{devs: devs}
}

// NumDevices returns how many devices the platform holds.
func (p *Platform) NumDevices() int {
	return len(p.devs)
}

// Device returns the device at the given index. It panics on an out-of-range
// index, a programmer error.
func (p *Platform) Device(idx int) Device {
	if idx < 0 || idx >= len(p.devs) {
		exceptions.Panicf("devices.Platform.Device: invalid device index %d, platform has %d devices", idx, len(p.devs))
	}
	return p.devs[idx]
}

// CheckQueue panics if the QueueID does not name a valid queue of a valid
// device of this platform.
func (p *Platform) CheckQueue(q QueueID) {
	dev := p.Device(q.Device)
	if q.Queue < 0 || q.Queue >= dev.NumQueues() {
		exceptions.Panicf("devices.Platform.CheckQueue: invalid queue #%d, %s device #%d has %d queues",
			q.Queue, dev.Kind(), q.Device, dev.NumQueues())
	}
}
