package coherence

import (
	"unsafe"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/coherence/dtypes"
	"github.com/gomlx/exceptions"
)

// multiDeviceBuffer is the coherence record of one logical buffer.
//
// Exactly one device index is the master at all times; masterVersion increases
// by exactly 1 on each write acquisition and never decreases. A read-only
// buffer's master never changes after creation. Replicas are created lazily,
// on the first acquisition from a given device, and a replica whose version
// lags masterVersion is stale and must be refreshed before use.
type multiDeviceBuffer struct {
	name      string
	byteCount int
	readOnly  bool

	// cached marks constants owned by the registry (see CachedScalar): they
	// cannot be individually released.
	cached bool

	// replicas is sparse: entries appear on first touch by a device.
	replicas map[int]*devices.Memory

	masterDevice  int
	masterVersion int64

	// lastWriter identifies the queue of the most recent write acquisition;
	// only meaningful when hasWriter is set. It is an identity tag used to
	// order refresh copies after the producing queue, not for scheduling.
	lastWriter devices.QueueID
	hasWriter  bool

	// pending holds barriers of refresh copies whose wait timed out: the
	// copies keep running and still touch this buffer's replicas, so releases
	// must be gated on them.
	pending []*devices.Barrier
}

// addPending records a copy barrier that outlived its wait, dropping entries
// that have occurred in the meantime.
func (buf *multiDeviceBuffer) addPending(barrier *devices.Barrier) {
	if barrier == nil {
		return
	}
	kept := buf.pending[:0]
	for _, b := range buf.pending {
		if !b.Occurred() {
			kept = append(kept, b)
		}
	}
	buf.pending = append(kept, barrier)
}

// newBufferLocked issues a fresh handle and an empty coherence record.
func (r *Registry) newBufferLocked(byteCount int, name string) BufferHandle {
	handle := r.nextHandle
	r.nextHandle++
	r.buffers[handle] = &multiDeviceBuffer{
		name:      name,
		byteCount: byteCount,
		replicas:  make(map[int]*devices.Memory),
	}
	buffersAlive.Add(1)
	return handle
}

// NewBuffer creates a logical buffer of byteCount bytes with no physical
// allocation: device memory appears lazily on first acquisition. The name is
// only used for diagnostics.
func (r *Registry) NewBuffer(byteCount int, name string) BufferHandle {
	if byteCount <= 0 {
		exceptions.Panicf("coherence: NewBuffer(%d, %q): byte count must be positive", byteCount, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newBufferLocked(byteCount, name)
}

// NewReference wraps caller-owned memory as a read-only logical buffer. The
// bytes become the device-0 (host, unified) replica; the registry does not
// take ownership and never frees them, and the caller must keep them alive
// and unchanged for as long as the handle is used.
func (r *Registry) NewReference(data []byte, name string) BufferHandle {
	return r.newReference(data, name, true)
}

// NewMutableReference is like NewReference but the buffer accepts write
// acquisitions. The caller still owns the underlying bytes.
func (r *Registry) NewMutableReference(data []byte, name string) BufferHandle {
	return r.newReference(data, name, false)
}

func (r *Registry) newReference(data []byte, name string, readOnly bool) BufferHandle {
	if len(data) == 0 {
		exceptions.Panicf("coherence: reference buffer %q cannot wrap empty memory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := r.newBufferLocked(len(data), name)
	buf := r.buffers[handle]
	buf.readOnly = readOnly

	// Reference memory is already valid data: it reflects master version 0.
	mem := devices.NewMemory(r.platform.Device(0), devices.Unified, data, nil)
	mem.SetVersion(0)
	buf.replicas[0] = mem
	return handle
}

// ScalarToRaw returns the raw bytes of a scalar value and its DType, useful
// to feed BufferFromHostConfig.FromRawData with a single value. The returned
// slice aliases the (copied) value.
func ScalarToRaw[T dtypes.Supported](value T) ([]byte, dtypes.DType) {
	dtype := dtypes.FromGenericsType[T]()
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&value)), int(unsafe.Sizeof(value)))
	return raw, dtype
}
