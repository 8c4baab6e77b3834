package devices

//go:generate go tool enumer -type=MemoryType -text memory.go

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// MemoryType classifies where an allocation is addressable from.
type MemoryType int

const (
	// Unified memory is directly addressable by the host and by every device,
	// no explicit transfer is needed to read or write it.
	Unified MemoryType = iota

	// Discrete memory lives in a device-private address space and requires an
	// explicit copy to or from unified memory.
	Discrete
)

// UninitializedVersion marks a Memory that never reflected any master data.
const UninitializedVersion int64 = -1

// Memory is a single physical allocation on one device: a byte region owned
// exclusively by this record, a release action invoked exactly once, a memory
// locality classification and a version stamp.
//
// The version stamp records which master version of the owning logical buffer
// this replica reflects; it is maintained by the registry, not by devices.
type Memory struct {
	owner   Device
	memType MemoryType
	data    []byte
	release func()

	// released is atomic: queue goroutines check it through Bytes while the
	// registry (or a ReleaseAfter goroutine) may be releasing.
	released atomic.Bool

	version int64
}

// NewMemory wraps a byte region as device memory owned by the given device.
// The release action may be nil for memory the record does not own (e.g.
// caller-supplied reference memory); otherwise it is invoked exactly once by
// Release. The version starts at UninitializedVersion.
func NewMemory(owner Device, memType MemoryType, data []byte, release func()) *Memory {
	return &Memory{
		owner:   owner,
		memType: memType,
		data:    data,
		release: release,
		version: UninitializedVersion,
	}
}

// Owner returns the device that owns this allocation.
func (m *Memory) Owner() Device { return m.owner }

// Type returns the memory locality classification.
func (m *Memory) Type() MemoryType { return m.memType }

// Len returns the allocation size in bytes.
func (m *Memory) Len() int { return len(m.data) }

// Bytes returns the byte region of the allocation. It panics if the memory
// has been released.
func (m *Memory) Bytes() []byte {
	if m.released.Load() {
		exceptions.Panicf("devices.Memory.Bytes: use of released device memory (%d bytes on %s device)",
			len(m.data), m.owner.Kind())
	}
	return m.data
}

// Version returns the master version this replica currently reflects,
// UninitializedVersion if it never did.
func (m *Memory) Version() int64 { return m.version }

// SetVersion stamps the replica with the master version it now reflects.
// Only the registry calls this.
func (m *Memory) SetVersion(version int64) { m.version = version }

// AccessibleBy reports whether the given device can address this memory
// directly: unified memory is addressable by everyone, discrete memory only
// by its owner.
func (m *Memory) AccessibleBy(dev Device) bool {
	return m.memType == Unified || m.owner == dev
}

// Release invokes the release action. It is idempotent: only the first call
// has an effect. After Release the byte region must no longer be used.
func (m *Memory) Release() {
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	if m.release != nil {
		m.release()
	}
}

// ReleaseAfter releases mem once every given barrier has occurred, so memory
// that an enqueued copy still touches is not freed under it. Nil and already
// occurred barriers don't delay; with none left the release is immediate,
// otherwise it happens in the background when the guarded work signals.
func ReleaseAfter(mem *Memory, barriers ...*Barrier) {
	var waiting []*Barrier
	for _, b := range barriers {
		if b != nil && !b.Occurred() {
			waiting = append(waiting, b)
		}
	}
	if len(waiting) == 0 {
		mem.Release()
		return
	}
	go func() {
		for _, b := range waiting {
			_ = b.Await()
		}
		mem.Release()
	}()
}
