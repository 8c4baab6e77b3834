package coherence

import (
	"testing"

	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/coherence/devices/host"
	"github.com/gomlx/coherence/devices/sim"
	"github.com/stretchr/testify/require"
)

// newTestRegistry builds a registry over the host device (device 0) and two
// simulated discrete accelerators (devices 1 and 2).
func newTestRegistry(t *testing.T) (*Registry, *sim.Device, *sim.Device) {
	simA := sim.New("simA")
	simB := sim.New("simB")
	t.Cleanup(simA.Close)
	t.Cleanup(simB.Close)
	r := New(devices.NewPlatform(host.New(), simA, simB))
	t.Cleanup(r.ReleaseAll)
	return r, simA, simB
}

func TestHandleLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	aliveBefore := BuffersAlive()

	handle := r.NewBuffer(128, "weights")
	require.Equal(t, "weights", r.BufferName(handle))
	require.Equal(t, 128, r.ByteCount(handle))
	require.False(t, r.IsReadOnly(handle))
	require.Equal(t, 1, r.NumBuffers())
	require.Equal(t, aliveBefore+1, BuffersAlive())

	// No physical allocation until first acquisition.
	masterDev, masterVersion := r.Master(handle)
	require.Equal(t, 0, masterDev)
	require.Zero(t, masterVersion)

	r.Release(handle)
	require.Equal(t, 0, r.NumBuffers())
	require.Equal(t, aliveBefore, BuffersAlive())

	// Double release is a programmer error.
	require.PanicsWithError(t,
		"coherence: buffer handle 1 has already been released",
		func() { r.Release(handle) })

	// As is a handle that never existed.
	require.PanicsWithError(t,
		"coherence: buffer handle 999 was never created",
		func() { r.BufferName(BufferHandle(999)) })
	require.PanicsWithError(t,
		"coherence: buffer handle 0 was never created",
		func() { r.BufferName(BufferHandle(0)) })
}

func TestHandlesAreNotReused(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first := r.NewBuffer(8, "a")
	r.Release(first)
	second := r.NewBuffer(8, "b")
	require.NotEqual(t, first, second)
}

func TestInvalidCreation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.Panics(t, func() { r.NewBuffer(0, "empty") })
	require.Panics(t, func() { r.NewBuffer(-1, "negative") })
	require.Panics(t, func() { r.NewReference(nil, "nil ref") })
}

func TestReferenceWrapping(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	hostQueue := devices.QueueID{Device: 0, Queue: 0}

	data := []byte{1, 2, 3, 4}
	handle := r.NewReference(data, "external")
	require.True(t, r.IsReadOnly(handle))
	require.Equal(t, 4, r.ByteCount(handle))

	// Reads on the host alias the wrapped bytes, no copy is made.
	view, err := r.AcquireReadBytes(handle, hostQueue, 0, 4)
	require.NoError(t, err)
	require.Equal(t, data, view)
	require.Equal(t, &data[0], &view[0])

	// Write acquisition on a read-only buffer is a programmer error, on any
	// device and queue.
	require.Panics(t, func() {
		_, _ = r.AcquireReadWriteBytes(handle, hostQueue, 0, 4, false)
	})
	require.Panics(t, func() {
		_, _ = r.AcquireReadWriteBytes(handle, devices.QueueID{Device: 1, Queue: 0}, 0, 4, true)
	})

	// Releasing a reference must not free the caller's memory: the bytes stay
	// usable afterwards.
	r.Release(handle)
	require.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestMutableReference(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	hostQueue := devices.QueueID{Device: 0, Queue: 0}

	data := make([]byte, 8)
	handle := r.NewMutableReference(data, "external mutable")
	require.False(t, r.IsReadOnly(handle))

	view, err := r.AcquireReadWriteBytes(handle, hostQueue, 0, 8, true)
	require.NoError(t, err)
	copy(view, []byte{9, 9, 9, 9, 9, 9, 9, 9})

	// Writes through the view land in the caller's memory.
	require.Equal(t, byte(9), data[0])
	_, version := r.Master(handle)
	require.EqualValues(t, 1, version)
}

func TestReleaseFreesEveryReplica(t *testing.T) {
	r, simA, simB := newTestRegistry(t)

	handle := r.NewBuffer(256, "multi-replica")
	_, err := r.AcquireReadWriteBytes(handle, devices.QueueID{Device: 1, Queue: 0}, 0, 256, true)
	require.NoError(t, err)
	_, err = r.AcquireReadBytes(handle, devices.QueueID{Device: 2, Queue: 0}, 0, 256)
	require.NoError(t, err)
	require.EqualValues(t, 256, simA.AllocatedBytes())
	require.EqualValues(t, 256, simB.AllocatedBytes())

	r.Release(handle)
	require.Zero(t, simA.AllocatedBytes())
	require.Zero(t, simB.AllocatedBytes())
}

func TestReleaseAll(t *testing.T) {
	r, simA, _ := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		handle := r.NewBuffer(64, "scratch")
		_, err := r.AcquireReadWriteBytes(handle, devices.QueueID{Device: 1, Queue: 0}, 0, 64, true)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.NumBuffers())
	require.EqualValues(t, 3*64, simA.AllocatedBytes())

	r.ReleaseAll()
	require.Zero(t, r.NumBuffers())
	require.Zero(t, simA.AllocatedBytes())
}
