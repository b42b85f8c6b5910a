package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when an event is dropped because the buffer is
// full.
var ErrQueueFull = errors.New("notify: dispatch queue full")

// ErrClosed is returned for events published after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// Observer is told about each delivery outcome.
type Observer interface {
	NotificationPublished(event string)
	NotificationFailed(event string)
	NotificationDropped(event string)
}

type envelope struct {
	event   string
	payload any
}

// Dispatcher is an EventSink that hands events to a bounded queue drained by
// a single worker. Publish never blocks.
type Dispatcher struct {
	sink     EventSink
	queue    chan envelope
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan envelope, n)
		}
	}
}

// WithPublishTimeout bounds each delivery to the underlying sink.
func WithPublishTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver registers a delivery observer, usually the metrics set.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher starts a dispatcher in front of sink.
func NewDispatcher(sink EventSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan envelope, 256),
		timeout: 2 * time.Second,
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Publish enqueues the event and returns immediately.
func (d *Dispatcher) Publish(_ context.Context, event string, payload any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- envelope{event: event, payload: payload}:
		return nil
	default:
		d.logger.Warn("notification dropped, queue full", zap.String("event", event))
		if d.observer != nil {
			d.observer.NotificationDropped(event)
		}
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for env := range d.queue {
		d.deliver(env)
	}
}

func (d *Dispatcher) deliver(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Publish(ctx, env.event, env.payload); err != nil {
		d.logger.Warn("notification publish failed",
			zap.String("event", env.event),
			zap.Error(err),
		)
		if d.observer != nil {
			d.observer.NotificationFailed(env.event)
		}
		return
	}
	if d.observer != nil {
		d.observer.NotificationPublished(env.event)
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events and waits for the queue to drain or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
