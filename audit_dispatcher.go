package redisession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
)

// auditOther collects drops for event types the handler does not emit
// itself, such as events pushed by tests.
const auditOther = "other"

var auditEventTypes = []string{
	AuditLockBroken,
	AuditConcurrencyRejected,
	AuditWriteSkipped,
	AuditWriteFailed,
	auditOther,
}

// queuedAudit keeps the emitting request's context values without its
// deadline, so a sink sees request-scoped values after the request ends.
type queuedAudit struct {
	ctx   context.Context
	event AuditEvent
}

// auditDispatcher delivers lock and write events to the sink on one
// goroutine, so a slow sink never holds a session lock open.
type auditDispatcher struct {
	cfg    AuditConfig
	sink   AuditSink
	logger pslog.Logger

	queue chan queuedAudit
	done  chan struct{}
	wg    sync.WaitGroup

	dropped   map[string]*atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, logger pslog.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	d := &auditDispatcher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "audit"),
		queue:   make(chan queuedAudit, cfg.BufferSize),
		done:    make(chan struct{}),
		dropped: make(map[string]*atomic.Uint64, len(auditEventTypes)),
	}
	for _, typ := range auditEventTypes {
		d.dropped[typ] = new(atomic.Uint64)
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *auditDispatcher) drain() {
	pending := len(d.queue)
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		default:
			if pending > 0 {
				d.logger.Debug("session.audit.drained", "events", pending)
			}
			return
		}
	}
}

func (d *auditDispatcher) deliver(item queuedAudit) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("session.audit.sink_panic",
				"event_type", item.event.EventType,
				"session_id", item.event.SessionID,
				"panic", rec,
			)
		}
	}()
	d.sink.Emit(item.ctx, item.event)
}

// Emit queues event for the sink. With DropIfFull it never blocks and a
// full queue drops the event; otherwise it waits for room until ctx ends.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	item := queuedAudit{ctx: context.WithoutCancel(ctx), event: event}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- item:
		case <-d.done:
		default:
			d.drop(event, "queue_full")
		}
		return
	}

	select {
	case d.queue <- item:
	case <-ctx.Done():
		d.drop(event, "request_done")
	case <-d.done:
	}
}

func (d *auditDispatcher) drop(event AuditEvent, reason string) {
	counter, ok := d.dropped[event.EventType]
	if !ok {
		counter = d.dropped[auditOther]
	}
	n := counter.Add(1)

	// One warning per event type, then one per thousand drops.
	if n == 1 || n%1000 == 0 {
		d.logger.Warn("session.audit.dropped",
			"event_type", event.EventType,
			"session_id", event.SessionID,
			"session_name", event.SessionName,
			"reason", reason,
			"dropped", n,
		)
		return
	}
	d.logger.Debug("session.audit.dropped",
		"event_type", event.EventType,
		"session_id", event.SessionID,
		"reason", reason,
	)
}

func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the total number of dropped events.
func (d *auditDispatcher) Dropped() uint64 {
	var total uint64
	for _, n := range d.DroppedByType() {
		total += n
	}
	return total
}

// DroppedByType returns drop counts keyed by event type. Types with no
// drops are omitted.
func (d *auditDispatcher) DroppedByType() map[string]uint64 {
	out := map[string]uint64{}
	if d == nil {
		return out
	}
	for typ, counter := range d.dropped {
		if n := counter.Load(); n > 0 {
			out[typ] = n
		}
	}
	return out
}
