// Package coherence tracks the residency of logical buffers replicated across
// multiple heterogeneous, asynchronously scheduled compute devices.
//
// A logical buffer (one tensor's storage) is identified by a BufferHandle and
// may be physically materialized on several devices at once. The Registry
// records, per buffer, which device holds the authoritative ("master") copy
// and at which version, and serves read and read-write acquisitions on any
// device: replicas are allocated lazily on first touch, and stale replicas
// are refreshed from the master copy before they are handed out, staging
// through unified host memory when two discrete devices have no common
// address space.
//
// The device abstraction the registry is built on lives in the devices
// package; element types for typed views live in dtypes.
package coherence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// BufferHandle is an opaque, process-unique identifier of one logical buffer.
// Handles are issued by the Registry, stable for the buffer's lifetime and
// never reused.
type BufferHandle uint64

// Registry owns the coherence records of all logical buffers of one platform.
//
// All its methods are safe for concurrent use: the handle table and the
// per-buffer coherence metadata form one critical section, while the data
// copies an acquisition may trigger are asynchronous device work awaited
// through barriers.
type Registry struct {
	platform *devices.Platform

	mu              sync.Mutex
	buffers         map[BufferHandle]*multiDeviceBuffer
	nextHandle      BufferHandle
	constCache      map[constKey]BufferHandle
	transferTimeout time.Duration
}

// New creates a Registry for the given platform.
func New(platform *devices.Platform) *Registry {
	return &Registry{
		platform:   platform,
		buffers:    make(map[BufferHandle]*multiDeviceBuffer),
		nextHandle: 1,
		constCache: make(map[constKey]BufferHandle),
	}
}

// Platform returns the platform this registry manages buffers for.
func (r *Registry) Platform() *devices.Platform { return r.platform }

// SetTransferTimeout bounds the time the registry waits for the device copies
// triggered by acquisitions. Exceeding it surfaces an error with
// devices.ErrTimedOut as its cause. Zero (the default) waits indefinitely.
func (r *Registry) SetTransferTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transferTimeout = timeout
}

// buffersAlive tracks the number of live logical buffers across all
// registries.
var buffersAlive atomic.Int64

// BuffersAlive returns the number of logical buffers currently live.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// NumBuffers returns the number of live logical buffers in this registry.
func (r *Registry) NumBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// getLocked returns the record for handle or panics: a bad handle is a defect
// in the caller, not a recoverable condition. The message distinguishes a
// handle that was never issued from one that has already been released.
func (r *Registry) getLocked(handle BufferHandle) *multiDeviceBuffer {
	buf, ok := r.buffers[handle]
	if ok {
		return buf
	}
	if handle == 0 || handle >= r.nextHandle {
		exceptions.Panicf("coherence: buffer handle %d was never created", handle)
	}
	exceptions.Panicf("coherence: buffer handle %d has already been released", handle)
	return nil
}

// BufferName returns the diagnostic name the buffer was created with. It
// panics on an unknown handle.
func (r *Registry) BufferName(handle BufferHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(handle).name
}

// Master returns the index of the device holding the authoritative copy of
// the buffer and the current master version. It panics on an unknown handle.
func (r *Registry) Master(handle BufferHandle) (device int, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.getLocked(handle)
	return buf.masterDevice, buf.masterVersion
}

// IsReadOnly reports whether the buffer rejects write acquisitions. It panics
// on an unknown handle.
func (r *Registry) IsReadOnly(handle BufferHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(handle).readOnly
}

// ByteCount returns the logical buffer size in bytes. It panics on an unknown
// handle.
func (r *Registry) ByteCount(handle BufferHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(handle).byteCount
}

// Release destroys the buffer: every per-device replica is released exactly
// once and the record is removed. Releasing an unknown handle, releasing
// twice, or releasing a registry-owned cached constant are programmer errors
// and panic.
func (r *Registry) Release(handle BufferHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.getLocked(handle)
	if buf.cached {
		exceptions.Panicf("coherence: buffer %q (handle %d) is a cached constant owned by the registry, use ReleaseAll at teardown",
			buf.name, handle)
	}
	r.releaseLocked(handle, buf)
}

// ReleaseAll destroys every live buffer of the registry, including the cached
// constants. The registry remains usable afterwards.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, buf := range r.buffers {
		r.releaseLocked(handle, buf)
	}
	r.constCache = make(map[constKey]BufferHandle)
}

// abortLocked removes a partially constructed buffer record. Its replicas are
// released only once the pending barrier (the last copy still enqueued
// against them, nil if none) has occurred.
func (r *Registry) abortLocked(handle BufferHandle, buf *multiDeviceBuffer, pending *devices.Barrier) {
	buf.addPending(pending)
	r.releaseLocked(handle, buf)
}

func (r *Registry) releaseLocked(handle BufferHandle, buf *multiDeviceBuffer) {
	for devIdx, replica := range buf.replicas {
		// Replicas a timed-out copy still touches are freed once it lands.
		devices.ReleaseAfter(replica, buf.pending...)
		if klog.V(2).Enabled() {
			klog.Infof("coherence: released replica of buffer %q (handle %d) on device #%d", buf.name, handle, devIdx)
		}
	}
	delete(r.buffers, handle)
	buffersAlive.Add(-1)
}
