package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace-auth/internal/target"
)

// Publisher is satisfied by client.KafkaProducer
type Publisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// DeliveryJob is consumed by the SMS/email worker fleet
type DeliveryJob struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	To         string    `json:"to"`
	TargetHash string    `json:"targetHash"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// KafkaGateway hands the code to a delivery worker through a topic. Jobs are
// keyed by target hash so sends for one target stay ordered within a partition.
type KafkaGateway struct {
	publisher Publisher
	topic     string
	template  string
	now       func() time.Time
}

func NewKafkaGateway(publisher Publisher, topic, template string) *KafkaGateway {
	return &KafkaGateway{publisher: publisher, topic: topic, template: template, now: time.Now}
}

func (g *KafkaGateway) Send(ctx context.Context, to target.Target, code string) error {
	job := DeliveryJob{
		ID:         uuid.NewString(),
		Channel:    channelFor(to),
		To:         to.Value,
		TargetHash: to.Hash(),
		Message:    fmt.Sprintf(g.template, code),
		CreatedAt:  g.now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode delivery job: %w", err)
	}

	headers := map[string]string{
		"content-type": "application/json",
		"channel":      job.Channel,
	}
	if err := g.publisher.ProduceMessage(ctx, g.topic, []byte(job.TargetHash), payload, headers); err != nil {
		return fmt.Errorf("failed to publish delivery job: %w", err)
	}
	return nil
}

func channelFor(to target.Target) string {
	if to.Kind == target.KindEmail {
		return "email"
	}
	return "sms"
}
