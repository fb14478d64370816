package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace-auth/internal/util"
)

// MultiSink fans each event out to every sink concurrently
type MultiSink struct {
	Sinks []Sink
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Emit(ctx context.Context, e Event) error {
	// one failing sink must not cancel the others
	var g errgroup.Group
	for _, s := range m.Sinks {
		s := s
		g.Go(func() error {
			if err := s.Emit(ctx, e); err != nil {
				util.Error("Audit sink failed",
					zap.String("sink", s.Name()),
					zap.String("event_id", e.EventID),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

type DispatcherConfig struct {
	BufferSize  int
	EmitTimeout time.Duration
	// Fallback receives events synchronously when the buffer is full or the
	// dispatcher is closed. Defaults to LogSink.
	Fallback Sink
}

// Dispatcher enriches events on the caller's goroutine and forwards them to the
// sink from a single worker. Events that cannot be buffered are written to the
// fallback sink on the caller's goroutine and counted as overflow.
type Dispatcher struct {
	cfg      DispatcherConfig
	sink     Sink
	enricher Enricher
	ch       chan Event
	done     chan struct{}
	wg       sync.WaitGroup

	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	OnDrop func(Event)
}

func NewDispatcher(cfg DispatcherConfig, sink Sink, enricher Enricher) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	if cfg.Fallback == nil {
		cfg.Fallback = LogSink{}
	}
	d := &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		enricher: enricher,
		ch:       make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.emit(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) emit(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.EmitTimeout)
	defer cancel()
	// sinks log their own failures
	_ = d.sink.Emit(ctx, e)
}

func (d *Dispatcher) Record(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	event = d.enricher.Apply(event)
	if d.closed.Load() {
		d.overflow(ctx, event, "closed")
		return
	}

	select {
	case d.ch <- event:
	case <-d.done:
		d.overflow(ctx, event, "closed")
	default:
		d.overflow(ctx, event, "buffer_full")
	}
}

// overflow writes the whole event to the fallback sink so the terminal outcome
// is never lost, only delivered to fewer sinks.
func (d *Dispatcher) overflow(ctx context.Context, event Event, cause string) {
	d.dropped.Add(1)
	if d.OnDrop != nil {
		d.OnDrop(event)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.EmitTimeout)
	defer cancel()
	if err := d.cfg.Fallback.Emit(ctx, event); err != nil {
		util.Error("Audit fallback sink failed",
			zap.String("cause", cause),
			zap.String("event_id", event.EventID),
			zap.String("actor_id", event.ActorID),
			zap.String("action", event.Action),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
}

// Close drains buffered events and stops the worker
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped counts events that bypassed the buffer and went to the fallback sink
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
