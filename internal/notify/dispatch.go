package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"veridraw/internal/domain"
	"veridraw/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives notifications. Deliver errors leave the sink's cursor in
// place so the notification is retried on the next tick.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// Dispatcher polls the outbox and fans notifications out to sinks, keeping
// one cursor per sink.
type Dispatcher struct {
	Repo     repo.Repo
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *log.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewDispatcher(r repo.Repo, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		Repo:     r,
		Sinks:    sinks,
		Interval: defaultInterval,
		Batch:    defaultBatch,
		Logger:   log.Default(),
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sink := range d.Sinks {
		d.dispatchSink(ctx, sink)
	}
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink Sink) {
	cursor := d.cursorFor(ctx, sink.Name())
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	pending, err := d.Repo.NotificationsAfter(ctx, nil, cursor, batch)
	if err != nil {
		d.logger().Printf("notify: fetch outbox failed: %v", err)
		return
	}
	for _, n := range pending {
		if err := sink.Deliver(ctx, n); err != nil {
			d.logger().Printf("notify: deliver seq=%d to %s failed: %v", n.Seq, sink.Name(), err)
			return
		}
		d.setCursor(ctx, sink.Name(), n.Seq)
	}
}

// cursorFor resumes from the sink's stored cursor. A sink seen for the first
// time starts at the current outbox head and stores that position, so later
// rows are delivered even across restarts.
func (d *Dispatcher) cursorFor(ctx context.Context, name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[name]; ok {
		return cur
	}
	cur, ok, err := d.Repo.NotificationCursor(ctx, nil, name)
	if err != nil {
		d.logger().Printf("notify: load cursor for %s failed: %v", name, err)
		return 0
	}
	if !ok {
		if cur, err = d.Repo.LatestNotificationSeq(ctx, nil); err != nil {
			d.logger().Printf("notify: init cursor failed: %v", err)
			return 0
		}
		if err := d.Repo.SaveNotificationCursor(ctx, nil, name, cur, now()); err != nil {
			d.logger().Printf("notify: store cursor for %s failed: %v", name, err)
		}
	}
	d.cursors[name] = cur
	return cur
}

// setCursor advances the sink's cursor. A failed store only means the
// notification is delivered again after a restart.
func (d *Dispatcher) setCursor(ctx context.Context, name string, seq int64) {
	d.mu.Lock()
	d.cursors[name] = seq
	d.mu.Unlock()
	if err := d.Repo.SaveNotificationCursor(ctx, nil, name, seq, now()); err != nil {
		d.logger().Printf("notify: store cursor for %s failed: %v", name, err)
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Cursor reports the last delivered sequence for a sink.
func (d *Dispatcher) Cursor(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[name]
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// LogSink writes every notification to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: seq=%d %s %s -> %v: %s", n.Seq, n.Severity, n.Event, n.Recipients, n.Message)
	return nil
}
