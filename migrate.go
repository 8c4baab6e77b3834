package coherence

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/coherence/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// resolveLocked returns the buffer's replica on the given device, allocating
// it on first touch. Allocation failures are recoverable and propagate to the
// caller; staleness of an existing replica is not resolved here -- it is a
// data-copy concern, not an allocation concern.
func (r *Registry) resolveLocked(handle BufferHandle, buf *multiDeviceBuffer, devIdx int) (*devices.Memory, error) {
	if replica, ok := buf.replicas[devIdx]; ok {
		return replica, nil
	}
	dev := r.platform.Device(devIdx)
	replica, err := dev.Allocate(buf.byteCount)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s replica of buffer %q (handle %d) on %s device #%d",
			humanize.IBytes(uint64(buf.byteCount)), buf.name, handle, dev.Kind(), devIdx)
	}
	// The new replica starts at UninitializedVersion: guaranteed stale, so the
	// first acquisition copies from the master if master data already exists.
	buf.replicas[devIdx] = replica
	if klog.V(1).Enabled() {
		klog.Infof("coherence: allocated %s for buffer %q on %s device #%d",
			humanize.IBytes(uint64(buf.byteCount)), buf.name, dev.Kind(), devIdx)
	}
	return replica, nil
}

// refreshLocked brings the replica on dstIdx up to the buffer's master
// version, copying the authoritative bytes if the replica is stale. A buffer
// that was never written has no master data: its replicas are treated as
// uninitialized and stamped current without any copy.
func (r *Registry) refreshLocked(buf *multiDeviceBuffer, dstIdx int, dst *devices.Memory, queue devices.QueueID) error {
	if dst.Version() == buf.masterVersion {
		return nil
	}
	master, ok := buf.replicas[buf.masterDevice]
	if !ok || master.Version() == devices.UninitializedVersion || master == dst {
		// No master data to copy: first touch of a freshly created buffer.
		dst.SetVersion(buf.masterVersion)
		return nil
	}
	// The destination replica stays registered on failure, and a copy that
	// outlived a timed-out wait is recorded so releases are gated on it.
	pending, err := r.copyFromMasterLocked(buf, dstIdx, dst, queue)
	if err != nil {
		buf.addPending(pending)
		return err
	}
	dst.SetVersion(buf.masterVersion)
	return nil
}

// copyFromMasterLocked moves the buffer's master bytes into dst. The copy is
// ordered after the last writing queue through a barrier, then performed
// directly when either side can address the other (destination reaching the
// master replica, or the master's device writing a unified destination), or
// staged through a transient unified host allocation when two discrete
// devices share no address space.
//
// A timed-out wait does not cancel the enqueued copy: it keeps running and
// still touches the memory it was given (master replica, staging, dst) when
// it lands. In that case pending is that copy's barrier and the caller must
// gate releases of the involved memory on it, through devices.ReleaseAfter or
// multiDeviceBuffer.addPending. Transient staging memory is gated here.
func (r *Registry) copyFromMasterLocked(buf *multiDeviceBuffer, dstIdx int, dst *devices.Memory, queue devices.QueueID) (pending *devices.Barrier, err error) {
	master := buf.replicas[buf.masterDevice]
	n := buf.byteCount

	// Order this copy after the producing queue's write.
	if buf.hasWriter {
		writerDev := r.platform.Device(buf.lastWriter.Device)
		barrier, err := writerDev.Barrier(buf.lastWriter)
		if err != nil {
			return nil, errors.WithMessagef(err, "ordering refresh of buffer %q after its last writer (%s)", buf.name, buf.lastWriter)
		}
		if err = barrier.AwaitTimeout(r.transferTimeout); err != nil {
			return nil, errors.WithMessagef(err, "waiting for the last write of buffer %q (%s) to land", buf.name, buf.lastWriter)
		}
	}

	dstDev := r.platform.Device(dstIdx)
	if master.AccessibleBy(dstDev) {
		barrier, err := dstDev.Copy(queue, dst, 0, master, 0, n)
		if err != nil {
			return nil, errors.WithMessagef(err, "refreshing buffer %q on device #%d", buf.name, dstIdx)
		}
		if err = barrier.AwaitTimeout(r.transferTimeout); err != nil {
			return barrier, errors.WithMessagef(err, "waiting for refresh copy of buffer %q to device #%d", buf.name, dstIdx)
		}
		if klog.V(2).Enabled() {
			klog.Infof("coherence: refreshed buffer %q on device #%d (%s from device #%d, version %d)",
				buf.name, dstIdx, humanize.IBytes(uint64(n)), buf.masterDevice, buf.masterVersion)
		}
		return nil, nil
	}

	srcDev := r.platform.Device(buf.masterDevice)
	srcQueue := devices.QueueID{Device: buf.masterDevice, Queue: 0}
	if buf.hasWriter && buf.lastWriter.Device == buf.masterDevice {
		srcQueue = buf.lastWriter
	}

	// A unified destination (e.g. a host replica of a discrete master) is
	// addressable by the master's device: one direct copy, no staging.
	if dst.AccessibleBy(srcDev) {
		barrier, err := srcDev.Copy(srcQueue, dst, 0, master, 0, n)
		if err != nil {
			return nil, errors.WithMessagef(err, "refreshing buffer %q on device #%d from device #%d",
				buf.name, dstIdx, buf.masterDevice)
		}
		if err = barrier.AwaitTimeout(r.transferTimeout); err != nil {
			return barrier, errors.WithMessagef(err, "waiting for refresh copy of buffer %q from device #%d", buf.name, buf.masterDevice)
		}
		if klog.V(2).Enabled() {
			klog.Infof("coherence: refreshed buffer %q on device #%d (%s pushed by device #%d, version %d)",
				buf.name, dstIdx, humanize.IBytes(uint64(n)), buf.masterDevice, buf.masterVersion)
		}
		return nil, nil
	}

	// Discrete-to-discrete between different devices, no peer link: the source
	// device drains into unified host staging, the destination pulls from it.
	hostDev := r.platform.Device(0)
	staging, err := hostDev.Allocate(n)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s staging memory to migrate buffer %q from device #%d to #%d",
			humanize.IBytes(uint64(n)), buf.name, buf.masterDevice, dstIdx)
	}

	outBarrier, err := srcDev.Copy(srcQueue, staging, 0, master, 0, n)
	if err != nil {
		staging.Release()
		return nil, errors.WithMessagef(err, "staging buffer %q out of device #%d", buf.name, buf.masterDevice)
	}
	if err = outBarrier.AwaitTimeout(r.transferTimeout); err != nil {
		// The copy keeps reading the master replica until it lands.
		devices.ReleaseAfter(staging, outBarrier)
		return outBarrier, errors.WithMessagef(err, "waiting for buffer %q to stage out of device #%d", buf.name, buf.masterDevice)
	}
	inBarrier, err := dstDev.Copy(queue, dst, 0, staging, 0, n)
	if err != nil {
		staging.Release()
		return nil, errors.WithMessagef(err, "staging buffer %q into device #%d", buf.name, dstIdx)
	}
	if err = inBarrier.AwaitTimeout(r.transferTimeout); err != nil {
		devices.ReleaseAfter(staging, inBarrier)
		return inBarrier, errors.WithMessagef(err, "waiting for buffer %q to stage into device #%d", buf.name, dstIdx)
	}
	staging.Release()
	if klog.V(2).Enabled() {
		elapsed, _ := inBarrier.ElapsedTime(outBarrier)
		klog.Infof("coherence: migrated buffer %q from device #%d to #%d through host staging (%s, second leg took %s)",
			buf.name, buf.masterDevice, dstIdx, humanize.IBytes(uint64(n)), elapsed)
	}
	return nil, nil
}
