package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
)

// Producer publishes committed occupancy changes to the change-feed topic.
// Messages are keyed by area so every area's changes stay ordered within
// one partition.
type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	p := &Producer{Logger: log}
	p.Writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   p.completion,
	}
	return p
}

func changeMessage(change models.OccupancyChange) (kafka.Message, error) {
	value, err := json.Marshal(change)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(change.AreaID),
		Value: value,
		Time:  change.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(change.Kind)},
			{Key: "business_id", Value: []byte(change.BusinessID)},
		},
	}, nil
}

// Notify queues the change for delivery. Delivery failures are logged and
// counted; the ledger has already committed.
func (p *Producer) Notify(ctx context.Context, change models.OccupancyChange) {
	msg, err := changeMessage(change)
	if err != nil {
		p.Logger.Error("KAFKA", fmt.Sprintf("encode change for area %s: %v", change.AreaID, err))
		return
	}
	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		metrics.ChangeFeedDropped.WithLabelValues("kafka").Inc()
		p.Logger.Error("KAFKA", fmt.Sprintf("queue change for area %s: %v", change.AreaID, err))
	}
}

func (p *Producer) completion(messages []kafka.Message, err error) {
	if err == nil {
		p.Logger.LogKafka("PUBLISHED", p.Writer.Topic, fmt.Sprintf("%d changes", len(messages)))
		return
	}
	metrics.ChangeFeedDropped.WithLabelValues("kafka").Add(float64(len(messages)))
	p.Logger.Error("KAFKA", fmt.Sprintf("failed to publish %d changes to %s: %v", len(messages), p.Writer.Topic, err))
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
