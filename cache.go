package coherence

// Content-addressed cache of constant scalars. This is an extension over the
// coherence core: cached buffers behave like any other read-only buffer, the
// registry only adds a lookup so the same constant is materialized once.

import (
	"fmt"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/coherence/dtypes"
)

// constKey addresses a cached constant by its element type and raw bytes.
type constKey struct {
	dtype dtypes.DType
	data  string
}

// CachedScalar returns a read-only one-element buffer holding the given
// scalar, materialized on the host device. Repeated calls with the same value
// return the same handle.
//
// Cached buffers are owned by the registry: they cannot be individually
// released and live until Registry.ReleaseAll.
func CachedScalar[T dtypes.Supported](r *Registry, value T) (BufferHandle, error) {
	raw, dtype := ScalarToRaw(value)
	key := constKey{dtype: dtype, data: string(raw)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.constCache[key]; ok {
		return handle, nil
	}

	handle := r.newBufferLocked(len(raw), fmt.Sprintf("const %s %v", dtype, value))
	buf := r.buffers[handle]
	replica, err := r.resolveLocked(handle, buf, 0)
	if err != nil {
		r.abortLocked(handle, buf, nil)
		return 0, err
	}
	hostDev := r.platform.Device(0)
	src := devices.NewMemory(hostDev, devices.Unified, []byte(key.data), nil)
	barrier, err := hostDev.Copy(devices.QueueID{}, replica, 0, src, 0, len(raw))
	if err != nil {
		r.abortLocked(handle, buf, nil)
		return 0, err
	}
	if err = barrier.Await(); err != nil {
		r.abortLocked(handle, buf, barrier)
		return 0, err
	}

	// Read-only buffers keep master device 0 at version 0 forever.
	replica.SetVersion(0)
	buf.readOnly = true
	buf.cached = true
	r.constCache[key] = handle
	return handle, nil
}
