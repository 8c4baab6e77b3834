// Package sim implements a software-simulated discrete accelerator.
//
// The simulated device has a private address space: its allocations are
// Discrete, reachable by other devices only through explicit copies staged in
// unified memory. It executes work on a configurable number of queues, each
// backed by its own goroutine: work on one queue runs in submission order,
// work on different queues runs concurrently with no ordering between them.
//
// It exists so the coherence protocol can be exercised and tested without
// real accelerator hardware: it supports a capacity limit (to provoke
// allocation failures) and an artificial copy delay (to provoke barrier
// timeouts and measure transfer times).
package sim

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/coherence/devices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a simulated discrete accelerator. Create it with New and Close it
// when done to stop its queue goroutines.
type Device struct {
	kind      string
	capacity  int64
	copyDelay time.Duration

	mu        sync.Mutex
	allocated int64
	queues    []chan func()
	closed    bool
	wg        sync.WaitGroup
}

var _ devices.Device = (*Device)(nil)

// Option configures a simulated device at construction.
type Option func(*Device)

// WithQueues sets the number of execution queues (default 2).
func WithQueues(n int) Option {
	return func(d *Device) {
		if n <= 0 {
			exceptions.Panicf("sim.WithQueues: need at least one queue, got %d", n)
		}
		d.queues = make([]chan func(), n)
	}
}

// WithCapacity bounds the total bytes the device can hold; Allocate beyond it
// fails with devices.ErrOutOfMemory. Zero (the default) means unbounded.
func WithCapacity(bytes int64) Option {
	return func(d *Device) { d.capacity = bytes }
}

// WithCopyDelay makes every enqueued copy take at least d, simulating
// transfer latency.
func WithCopyDelay(delay time.Duration) Option {
	return func(d *Device) { d.copyDelay = delay }
}

// New creates and starts a simulated discrete device. The kind tag shows up
// in logs and error messages.
func New(kind string, opts ...Option) *Device {
	d := &Device{
		kind:   kind,
		queues: make([]chan func(), 2),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.queues {
		d.queues[i] = make(chan func(), 16)
		d.wg.Add(1)
		go d.run(d.queues[i])
	}
	return d
}

// run drains one queue in order.
func (d *Device) run(queue chan func()) {
	defer d.wg.Done()
	for fn := range queue {
		fn()
	}
}

// Close stops the queue goroutines after the already enqueued work drains.
// Further Copy/Barrier calls fail.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Kind implements devices.Device.
func (d *Device) Kind() string { return d.kind }

// MemoryType implements devices.Device: simulated memory is discrete.
func (d *Device) MemoryType() devices.MemoryType { return devices.Discrete }

// NumQueues implements devices.Device.
func (d *Device) NumQueues() int { return len(d.queues) }

// AllocatedBytes returns how many bytes are currently allocated on the device.
func (d *Device) AllocatedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Allocate implements devices.Device. It fails with devices.ErrOutOfMemory
// when a capacity limit is set and would be exceeded.
func (d *Device) Allocate(byteCount int) (*devices.Memory, error) {
	if byteCount <= 0 {
		exceptions.Panicf("sim.Device.Allocate: invalid byte count %d", byteCount)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity > 0 && d.allocated+int64(byteCount) > d.capacity {
		return nil, errors.WithMessagef(devices.ErrOutOfMemory,
			"allocating %s on %s device (%s of %s in use)",
			humanize.IBytes(uint64(byteCount)), d.kind,
			humanize.IBytes(uint64(d.allocated)), humanize.IBytes(uint64(d.capacity)))
	}
	d.allocated += int64(byteCount)
	klog.V(2).Infof("sim[%s]: allocated %s", d.kind, humanize.IBytes(uint64(byteCount)))
	return devices.NewMemory(d, devices.Discrete, make([]byte, byteCount), func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.allocated -= int64(byteCount)
	}), nil
}

// enqueue submits fn on the given queue.
func (d *Device) enqueue(queue devices.QueueID, fn func()) error {
	if queue.Queue < 0 || queue.Queue >= len(d.queues) {
		return errors.Errorf("%s device has no queue #%d, only %d queues", d.kind, queue.Queue, len(d.queues))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Errorf("%s device is closed", d.kind)
	}
	d.queues[queue.Queue] <- fn
	return nil
}

// Copy implements devices.Device: the copy is enqueued and executes
// asynchronously, in order relative to other work on the same queue.
func (d *Device) Copy(queue devices.QueueID, dst *devices.Memory, dstOff int, src *devices.Memory, srcOff, n int) (*devices.Barrier, error) {
	if !dst.AccessibleBy(d) || !src.AccessibleBy(d) {
		return nil, errors.Errorf("%s device cannot address memory owned by another discrete device (src=%s, dst=%s)",
			d.kind, src.Owner().Kind(), dst.Owner().Kind())
	}
	if n < 0 || dstOff < 0 || srcOff < 0 || dstOff+n > dst.Len() || srcOff+n > src.Len() {
		return nil, errors.Errorf("%s device copy range out of bounds: %d bytes from [%d] of %d into [%d] of %d",
			d.kind, n, srcOff, src.Len(), dstOff, dst.Len())
	}
	barrier := devices.NewBarrier()
	err := d.enqueue(queue, func() {
		if d.copyDelay > 0 {
			time.Sleep(d.copyDelay)
		}
		copy(dst.Bytes()[dstOff:dstOff+n], src.Bytes()[srcOff:srcOff+n])
		barrier.Signal(nil)
	})
	if err != nil {
		return nil, err
	}
	return barrier, nil
}

// Barrier implements devices.Device: it occurs once all work previously
// enqueued on the queue has drained.
func (d *Device) Barrier(queue devices.QueueID) (*devices.Barrier, error) {
	barrier := devices.NewBarrier()
	err := d.enqueue(queue, func() {
		barrier.Signal(nil)
	})
	if err != nil {
		return nil, err
	}
	return barrier, nil
}
