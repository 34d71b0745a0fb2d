// Package debounce collects bursts of items into quiet-period batches.
package debounce

import (
	"sync"
	"time"
)

// Debouncer accumulates items and hands them to a handler once no new item
// has arrived for the configured delay. The flush is timed from the last
// item, so a steady stream of items defers it indefinitely.
type Debouncer[T any] struct {
	delay   time.Duration
	handler func([]T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	gen     uint64 // identifies the most recently scheduled timer
	stopped bool
	running sync.WaitGroup
}

// New creates a Debouncer that calls handler with each settled batch
func New[T any](delay time.Duration, handler func([]T)) *Debouncer[T] {
	return &Debouncer[T]{
		delay:   delay,
		handler: handler,
	}
}

// Add records an item and restarts the quiet-period timer
func (d *Debouncer[T]) Add(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = append(d.pending, item)

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.flush(gen)
	})
}

// Pending returns the number of items waiting for the next flush
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels any scheduled flush, drops pending items and waits for a
// handler that is already running to return. Items added afterwards are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.mu.Unlock()

	d.running.Wait()
}

func (d *Debouncer[T]) flush(gen uint64) {
	d.mu.Lock()
	// A timer stopped too late to prevent firing must not flush on behalf
	// of the newer one.
	if d.stopped || gen != d.gen || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = nil
	d.timer = nil
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	d.handler(batch)
}
