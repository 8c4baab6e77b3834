package coherence

import (
	"unsafe"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/coherence/dtypes"
	"github.com/gomlx/exceptions"
)

// AcquireReadBytes gives read access to the byte range [off, off+n) of the
// buffer on the queue's device. The replica there is lazily allocated and, if
// stale, refreshed from the master copy before the bytes are returned;
// coherence metadata (master device, master version, last writer) is not
// changed.
//
// The returned slice aliases the device replica: it stays valid until the
// buffer is written on another device or released, and must not be modified.
func (r *Registry) AcquireReadBytes(handle BufferHandle, queue devices.QueueID, off, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform.CheckQueue(queue)
	buf := r.getLocked(handle)
	checkRange(buf, handle, off, n)

	replica, err := r.resolveLocked(handle, buf, queue.Device)
	if err != nil {
		return nil, err
	}
	if err = r.refreshLocked(buf, queue.Device, replica, queue); err != nil {
		return nil, err
	}
	return replica.Bytes()[off : off+n : off+n], nil
}

// AcquireReadWriteBytes gives write access to the byte range [off, off+n) of
// the buffer on the queue's device. Writing to a read-only buffer is a
// programmer error and panics.
//
// If willOverwrite is false and the replica is stale it is first refreshed
// from the master copy, so partial writes do not lose data; with willOverwrite
// the caller asserts it will fill the entire region and the refresh is
// skipped. Either way the queue's device becomes the master, the master
// version is incremented by exactly 1, and the queue is recorded as the
// buffer's last writer.
func (r *Registry) AcquireReadWriteBytes(handle BufferHandle, queue devices.QueueID, off, n int, willOverwrite bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform.CheckQueue(queue)
	buf := r.getLocked(handle)
	if buf.readOnly {
		exceptions.Panicf("coherence: write acquisition of read-only buffer %q (handle %d) on %s", buf.name, handle, queue)
	}
	checkRange(buf, handle, off, n)

	replica, err := r.resolveLocked(handle, buf, queue.Device)
	if err != nil {
		return nil, err
	}
	if !willOverwrite {
		if err = r.refreshLocked(buf, queue.Device, replica, queue); err != nil {
			return nil, err
		}
	}

	buf.lastWriter = queue
	buf.hasWriter = true
	buf.masterDevice = queue.Device
	buf.masterVersion++
	replica.SetVersion(buf.masterVersion)
	return replica.Bytes()[off : off+n : off+n], nil
}

// AcquireRead returns a read-only typed view over count elements of type T
// starting at the element offset, acquired on the queue's device. See
// Registry.AcquireReadBytes for staleness and lifetime semantics.
func AcquireRead[T dtypes.Supported](r *Registry, handle BufferHandle, queue devices.QueueID, offset, count int) ([]T, error) {
	raw, err := r.AcquireReadBytes(handle, queue, offset*sizeOf[T](), count*sizeOf[T]())
	if err != nil {
		return nil, err
	}
	return typedView[T](raw, count), nil
}

// AcquireReadWrite returns a writable typed view over count elements of type
// T starting at the element offset, acquired on the queue's device. See
// Registry.AcquireReadWriteBytes for the coherence semantics and the meaning
// of willOverwrite.
func AcquireReadWrite[T dtypes.Supported](r *Registry, handle BufferHandle, queue devices.QueueID, offset, count int, willOverwrite bool) ([]T, error) {
	raw, err := r.AcquireReadWriteBytes(handle, queue, offset*sizeOf[T](), count*sizeOf[T](), willOverwrite)
	if err != nil {
		return nil, err
	}
	return typedView[T](raw, count), nil
}

func sizeOf[T dtypes.Supported]() int {
	var t T
	return int(unsafe.Sizeof(t))
}

// typedView reinterprets raw bytes as a slice of count elements of T.
func typedView[T dtypes.Supported](raw []byte, count int) []T {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), count)
}

// checkRange panics when [off, off+n) falls outside the buffer, a programmer
// error.
func checkRange(buf *multiDeviceBuffer, handle BufferHandle, off, n int) {
	if off < 0 || n < 0 || off+n > buf.byteCount {
		exceptions.Panicf("coherence: acquisition range [%d, %d) out of bounds of buffer %q (handle %d, %d bytes)",
			off, off+n, buf.name, handle, buf.byteCount)
	}
}
