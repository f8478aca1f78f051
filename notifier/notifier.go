// Package notifier publishes job events to external observers.
//
// Publishing is fire-and-forget: Notify only enqueues the event and never
// blocks its caller, while a single dispatcher goroutine delivers events to
// every backend in the order they were enqueued. When the queue is full,
// progress events are dropped. Lifecycle events are always kept. Delivery
// failures are logged and counted, they never affect a job.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skroutz/downloadq/backend"
	"github.com/skroutz/downloadq/job"
	"github.com/skroutz/downloadq/metrics"
)

const (
	// DefaultChannel is the broadcast channel events are published to.
	DefaultChannel = "download-events"

	defaultTimeout    = 2 * time.Second
	defaultBufferSize = 1024
)

// Notifier is the Event Sink. It fans out every event to its backends.
type Notifier struct {
	Backends []backend.Backend

	Channel string

	// Timeout bounds the delivery of one event to one backend.
	Timeout time.Duration

	Log *slog.Logger

	// size is the queue length progress events are dropped at
	size int

	mu    sync.Mutex
	queue []job.Event

	wake chan struct{}
	done chan struct{}
}

// New returns a Notifier that holds up to bufferSize pending events before
// it starts dropping progress events.
func New(backends []backend.Backend, channel string, timeout time.Duration, bufferSize int, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &Notifier{
		Backends: backends,
		Channel:  channel,
		Timeout:  timeout,
		Log:      logger,
		size:     bufferSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Notify enqueues e for delivery. If the queue is full and e is a progress
// event, e is dropped. Any later progress or terminal event of the job
// carries a byte count at least as large.
func (n *Notifier) Notify(e job.Event) {
	n.mu.Lock()
	if len(n.queue) >= n.size && e.Type() == job.EventProgress {
		n.mu.Unlock()
		metrics.EventsDropped.Inc()
		n.Log.Warn("event dropped", "type", e.Type(), "job_id", e.Job())
		return
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending event.
func (n *Notifier) next() (job.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) == 0 {
		return nil, false
	}
	e := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	if len(n.queue) == 0 {
		n.queue = nil
	}
	return e, true
}

// Start starts the dispatcher loop. It returns after ctx is done and every
// event enqueued until then was handed to the backends.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.done)

	n.Log.Info("Starting...", "backends", len(n.Backends), "channel", n.Channel)
	for {
		n.drain()
		select {
		case <-n.wake:
		case <-ctx.Done():
			n.drain()
			n.Log.Info("Bye!")
			return
		}
	}
}

// Done is closed once Start returned.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

// drain publishes the pending events until the queue is empty.
func (n *Notifier) drain() {
	for e, ok := n.next(); ok; e, ok = n.next() {
		n.publish(e)
	}
}

// publish delivers e to every backend.
func (n *Notifier) publish(e job.Event) {
	payload, err := job.MarshalEvent(e)
	if err != nil {
		n.Log.Error("could not encode event", "type", e.Type(), "job_id", e.Job(), "error", err)
		return
	}

	for _, b := range n.Backends {
		ctx, cancel := context.WithTimeout(context.Background(), n.Timeout)
		err := b.Publish(ctx, n.Channel, payload)
		cancel()

		if err != nil {
			metrics.EventsPublished.WithLabelValues(b.ID(), "error").Inc()
			n.Log.Warn("event delivery failed",
				"backend", b.ID(), "type", e.Type(), "job_id", e.Job(), "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(b.ID(), "ok").Inc()
	}
}
