package coherence

import (
	"github.com/gomlx/coherence/devices"
)

// Clone creates an independent logical buffer primed with the source buffer's
// current master bytes, materialized on the queue's device (its master is
// that device at version 1). Later writes to either buffer do not affect the
// other. Cloning a buffer that was never written yields a fresh empty buffer.
//
// An empty name defaults to the source's name with a "/clone" suffix.
func (r *Registry) Clone(handle BufferHandle, queue devices.QueueID, name string) (BufferHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform.CheckQueue(queue)
	src := r.getLocked(handle)
	if name == "" {
		name = src.name + "/clone"
	}

	cloneHandle := r.newBufferLocked(src.byteCount, name)
	master, ok := src.replicas[src.masterDevice]
	if !ok || master.Version() == devices.UninitializedVersion {
		// Source holds no data yet.
		return cloneHandle, nil
	}

	buf := r.buffers[cloneHandle]
	replica, err := r.resolveLocked(cloneHandle, buf, queue.Device)
	if err != nil {
		r.abortLocked(cloneHandle, buf, nil)
		return 0, err
	}
	pending, err := r.copyFromMasterLocked(src, queue.Device, replica, queue)
	if err != nil {
		// A timed-out copy may still be in flight, reading the source's
		// master replica and writing the clone's.
		src.addPending(pending)
		r.abortLocked(cloneHandle, buf, pending)
		return 0, err
	}
	buf.masterDevice = queue.Device
	buf.masterVersion = 1
	buf.lastWriter = queue
	buf.hasWriter = true
	replica.SetVersion(1)
	return cloneHandle, nil
}
