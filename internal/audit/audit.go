// Package audit records security decisions: who did what to which resource,
// with what outcome, and which authorization stage decided it.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/util"
)

type Event = models.SecurityEvent

// Recorder accepts events from request paths. Record must not block on sinks.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Sink persists or forwards events
type Sink interface {
	Name() string
	Emit(ctx context.Context, event Event) error
}

// Filter narrows an export
type Filter struct {
	ActorID string
	Outcome models.AuditOutcome
	Action  string
	Since   time.Time
	Limit   int
}

const defaultExportLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultExportLimit
	}
	return f.Limit
}

func (f Filter) Match(e Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.EventTime.Before(f.Since) {
		return false
	}
	return true
}

// Exporter returns recorded events, newest first
type Exporter interface {
	Export(ctx context.Context, filter Filter) ([]Event, error)
}

// Enricher stamps id, time and partition bucket on events that lack them
type Enricher struct {
	Buckets *bucketing.BucketingManager
	Clock   clock.Clock
}

func (e Enricher) Apply(event Event) Event {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		now := time.Now
		if e.Clock != nil {
			now = e.Clock.Now
		}
		event.EventTime = now().UTC()
	}
	if e.Buckets != nil {
		event.EventBucket = e.Buckets.EventBucket(event.EventID)
		event.EventDate = e.Buckets.DateBucket(event.EventTime)
	} else if event.EventDate == "" {
		event.EventDate = event.EventTime.Format("2006-01-02")
	}
	return event
}

// LogSink writes each event as a structured log line
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Emit(_ context.Context, e Event) error {
	util.Info("security_audit",
		zap.String("event_id", e.EventID),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_role", e.ActorRole),
		zap.String("action", e.Action),
		zap.String("resource", e.Resource),
		zap.String("resource_id", e.ResourceID),
		zap.String("outcome", string(e.Outcome)),
		zap.String("reason", e.Reason),
		zap.String("stage", e.Stage),
		zap.String("ip", e.IPAddress),
		zap.String("request_id", e.RequestID),
	)
	return nil
}

// MemorySink keeps the most recent events in a fixed-size ring
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 1
	}
	return &MemorySink{events: make([]Event, size)}
}

func (*MemorySink) Name() string { return "memory" }

func (s *MemorySink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events[s.next] = e
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.events)
	}
	return s.next
}

func (s *MemorySink) Export(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.events)
	}
	limit := filter.limit()
	out := make([]Event, 0, min(n, limit))
	for i := 1; i <= n && len(out) < limit; i++ {
		e := s.events[(s.next-i+len(s.events))%len(s.events)]
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out, nil
}
