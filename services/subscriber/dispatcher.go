package subscriber

import (
	"log/slog"
	"sync"
)

// dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. enqueue never blocks.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.wake()
}

// close lets the already queued callbacks run, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wake()
}

func (d *dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				close(d.done)
				return
			}
			<-d.signal
			continue
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}
