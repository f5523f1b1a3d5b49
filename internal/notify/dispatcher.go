package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/metrics"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

type DispatcherOptions struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single sink delivery.
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher fans events out to its sinks from a bounded queue. When the
// queue is full the event is dropped and logged.
type Dispatcher struct {
	sinks   []Sink
	queue   chan models.Event
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

// NewDispatcher starts the workers. Close must be called to stop them.
func NewDispatcher(sinks []Sink, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan models.Event, opts.QueueSize),
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("notify"),
		metrics: opts.Metrics,
	}
	for range opts.Workers {
		d.wg.Go(d.work)
	}
	return d
}

// Publish enqueues ev and returns immediately.
func (d *Dispatcher) Publish(ev models.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "queue full")
	}
}

func (d *Dispatcher) drop(ev models.Event, reason string) {
	d.metrics.NotificationDropped()
	d.logger.Warn("event dropped",
		zap.String("reason", reason),
		zap.String("event", string(ev.Kind)),
		zap.String("id", ev.Instance.ID),
	)
}

func (d *Dispatcher) work() {
	for ev := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = s.Notify(ctx, ev) })
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("sink panicked: %v", r.Value)
	}
	if err != nil {
		d.metrics.NotificationFailed(s.Name())
		d.logger.Error("notification failed",
			zap.String("sink", s.Name()),
			zap.String("event", string(ev.Kind)),
			zap.String("id", ev.Instance.ID),
			zap.Error(err),
		)
	}
}

// Close stops accepting events and waits until queued ones are delivered
// or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
