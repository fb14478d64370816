package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/client"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/models"
)

func TestEnricher_StampsMissingFields(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := Enricher{Clock: fake}.Apply(Event{Action: "update"})

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, fake.Now(), e.EventTime)
	assert.Equal(t, "2026-03-01", e.EventDate)
}

func TestMemorySink_RingKeepsNewest(t *testing.T) {
	sink := NewMemorySink(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Emit(context.Background(), Event{
			EventID:   string(rune('a' + i)),
			EventTime: base.Add(time.Duration(i) * time.Minute),
			Outcome:   models.OutcomeAllowed,
		}))
	}
	assert.Equal(t, 3, sink.Len())

	got, err := sink.Export(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].EventID)
	assert.Equal(t, "c", got[2].EventID)
}

func TestMemorySink_ExportFilters(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()
	_ = sink.Emit(ctx, Event{EventID: "1", ActorID: "u1", Outcome: models.OutcomeDenied})
	_ = sink.Emit(ctx, Event{EventID: "2", ActorID: "u1", Outcome: models.OutcomeAllowed})
	_ = sink.Emit(ctx, Event{EventID: "3", ActorID: "u2", Outcome: models.OutcomeDenied})

	got, err := sink.Export(ctx, Filter{ActorID: "u1", Outcome: models.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].EventID)

	got, err = sink.Export(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDispatcher_DrainsOnClose(t *testing.T) {
	sink := NewMemorySink(100)
	d := NewDispatcher(DispatcherConfig{BufferSize: 64}, sink, Enricher{})
	for i := 0; i < 20; i++ {
		d.Record(context.Background(), Event{Action: "read"})
	}
	d.Close()

	assert.Equal(t, 20, sink.Len())
	d.Record(context.Background(), Event{Action: "late"})
	assert.Equal(t, 20, sink.Len(), "the primary sink is stopped after close")
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (*blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Emit(context.Context, Event) error {
	<-s.release
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func TestDispatcher_OverflowGoesToFallback(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	fallback := NewMemorySink(20)
	d := NewDispatcher(DispatcherConfig{BufferSize: 1, Fallback: fallback}, sink, Enricher{})

	for i := 0; i < 10; i++ {
		d.Record(context.Background(), Event{Action: "flood"})
	}
	d.Record(context.Background(), Event{
		ActorID:   "user-7",
		Action:    "update",
		Resource:  "artisan",
		Outcome:   models.OutcomeDenied,
		Stage:     "resource_ownership",
		IPAddress: "203.0.113.7",
	})
	assert.Greater(t, d.Dropped(), uint64(0))

	close(sink.release)
	d.Close()
	assert.Equal(t, uint64(11), d.Dropped()+uint64(sink.n), "every event reaches one sink")
	assert.EqualValues(t, fallback.Len(), d.Dropped())

	got, err := fallback.Export(context.Background(), Filter{ActorID: "user-7"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "update", got[0].Action)
	assert.Equal(t, models.OutcomeDenied, got[0].Outcome)
	assert.Equal(t, "resource_ownership", got[0].Stage)
	assert.Equal(t, "203.0.113.7", got[0].IPAddress)
	assert.NotEmpty(t, got[0].EventID, "fallback events are enriched")
}

type failingSink struct{}

func (failingSink) Name() string                      { return "failing" }
func (failingSink) Emit(context.Context, Event) error { return errors.New("down") }

func TestMultiSink_FailureDoesNotStopOthers(t *testing.T) {
	mem := NewMemorySink(4)
	m := &MultiSink{Sinks: []Sink{failingSink{}, mem, LogSink{}}}

	err := m.Emit(context.Background(), Event{EventID: "x"})
	assert.Error(t, err)
	assert.Equal(t, 1, mem.Len())
}

type capturePublisher struct {
	topic string
	key   string
	value []byte
}

func (p *capturePublisher) ProduceMessage(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.topic, p.key, p.value = topic, string(key), value
	return nil
}

func TestKafkaSink_KeysByActor(t *testing.T) {
	pub := &capturePublisher{}
	s := NewKafkaSink(pub, "security-audit")
	require.NoError(t, s.Emit(context.Background(), Event{EventID: "1", ActorID: "user-1", Outcome: models.OutcomeDenied}))

	assert.Equal(t, "security-audit", pub.topic)
	assert.Equal(t, "user-1", pub.key)
	var decoded Event
	require.NoError(t, json.Unmarshal(pub.value, &decoded))
	assert.Equal(t, models.OutcomeDenied, decoded.Outcome)
}

type captureInserter struct {
	query string
	rows  [][]interface{}
}

func (c *captureInserter) BatchInsert(_ context.Context, query string, data [][]interface{}) error {
	c.query, c.rows = query, data
	return nil
}

func TestClickHouseSink_RowShape(t *testing.T) {
	ins := &captureInserter{}
	now := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	ev := Enricher{Clock: clock.NewFake(now)}.Apply(Event{ActorID: "u", Outcome: models.OutcomeAllowed})

	require.NoError(t, NewClickHouseSink(ins).Emit(context.Background(), ev))
	require.Len(t, ins.rows, 1)
	assert.Len(t, ins.rows[0], 16)
	assert.Equal(t, strings.Count(ins.query, ",")+1, len(ins.rows[0]))
	assert.Equal(t, "allowed", ins.rows[0][9])
}

func newESTestServer(t *testing.T, handler http.HandlerFunc) *client.ESClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client.WrapElasticsearchClient(es)
}

func TestElasticsearchSink_IndexAndExport(t *testing.T) {
	var indexedPath string
	var searchBody map[string]interface{}
	es := newESTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_search"):
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &searchBody)
			_, _ = w.Write([]byte(`{"hits":{"hits":[{"_source":{"id":"ev-1","actorId":"u1","outcome":"denied"}}]}}`))
		default:
			indexedPath = r.URL.Path
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"result":"created"}`))
		}
	})
	sink := NewElasticsearchSink(es, "security-audit")

	require.NoError(t, sink.Emit(context.Background(), Event{EventID: "ev-1", ActorID: "u1"}))
	assert.Equal(t, "/security-audit/_doc/ev-1", indexedPath)

	got, err := sink.Export(context.Background(), Filter{ActorID: "u1", Outcome: models.OutcomeDenied, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-1", got[0].EventID)
	assert.EqualValues(t, 5, searchBody["size"])
}
