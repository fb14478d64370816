package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-auth/internal/client"
	"marketplace-auth/internal/models"
)

// Publisher is satisfied by client.KafkaProducer
type Publisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events keyed by actor so one actor's trail stays ordered
type KafkaSink struct {
	publisher Publisher
	topic     string
}

func NewKafkaSink(publisher Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

func (*KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := e.ActorID
	if key == "" {
		key = e.IPAddress
	}
	return s.publisher.ProduceMessage(ctx, s.topic, []byte(key), payload, map[string]string{
		"event-type": "security-audit",
		"outcome":    string(e.Outcome),
	})
}

// ElasticsearchSink indexes events and serves audit exports from the index
type ElasticsearchSink struct {
	es    *client.ESClient
	index string
}

func NewElasticsearchSink(es *client.ESClient, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (*ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Emit(ctx context.Context, e Event) error {
	return s.es.IndexDocument(ctx, s.index, e.EventID, e)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *ElasticsearchSink) Export(ctx context.Context, filter Filter) ([]Event, error) {
	var res searchResponse
	if err := s.es.Search(ctx, s.index, buildSearchQuery(filter), &res); err != nil {
		return nil, fmt.Errorf("failed to search audit index: %w", err)
	}
	out := make([]Event, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func buildSearchQuery(filter Filter) map[string]interface{} {
	must := []interface{}{}
	term := func(field, value string) {
		if value != "" {
			must = append(must, map[string]interface{}{
				"term": map[string]interface{}{field + ".keyword": value},
			})
		}
	}
	term("actorId", filter.ActorID)
	term("outcome", string(filter.Outcome))
	term("action", filter.Action)
	if !filter.Since.IsZero() {
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{
				"time": map[string]interface{}{"gte": filter.Since.UTC().Format(time.RFC3339Nano)},
			},
		})
	}

	return map[string]interface{}{
		"size": filter.limit(),
		"sort": []interface{}{map[string]interface{}{"time": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": must},
		},
	}
}

// BatchInserter is satisfied by client.ClickHouseClient
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const clickhouseInsert = `INSERT INTO security_events (
	event_id, event_bucket, event_date, event_time, actor_id, actor_role, action, resource,
	resource_id, outcome, reason, stage, ip_address, request_id, method, path)`

// ClickHouseSink appends events to the analytics table
type ClickHouseSink struct {
	ch BatchInserter
}

func NewClickHouseSink(ch BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{ch: ch}
}

func (*ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Emit(ctx context.Context, e Event) error {
	return s.ch.BatchInsert(ctx, clickhouseInsert, [][]interface{}{clickhouseRow(e)})
}

func clickhouseRow(e Event) []interface{} {
	date, err := time.Parse("2006-01-02", e.EventDate)
	if err != nil {
		date = e.EventTime
	}
	return []interface{}{
		e.EventID,
		int32(e.EventBucket),
		date,
		e.EventTime,
		e.ActorID,
		e.ActorRole,
		e.Action,
		e.Resource,
		e.ResourceID,
		string(e.Outcome),
		e.Reason,
		e.Stage,
		e.IPAddress,
		e.RequestID,
		e.Method,
		e.Path,
	}
}

// Denied builds the event recorded when a stage rejects a request
func Denied(base Event, stage, reason string) Event {
	base.Outcome = models.OutcomeDenied
	base.Stage = stage
	base.Reason = reason
	return base
}
