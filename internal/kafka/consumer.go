package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
)

// Consumer reads the change feed back so every service instance can push
// changes committed elsewhere to its own live subscribers.
type Consumer struct {
	reader *kafka.Reader
	logger *logger.Logger
}

// NewConsumer creates a reader for topic. Each instance passes its own
// groupID so it sees every message.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: log}
}

func decodeChange(msg kafka.Message) (models.OccupancyChange, error) {
	var change models.OccupancyChange
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		return change, err
	}
	if change.AreaID == "" {
		change.AreaID = string(msg.Key)
	}
	return change, nil
}

// Start consumes until ctx is cancelled, handing each change to handler.
func (c *Consumer) Start(ctx context.Context, handler func(models.OccupancyChange)) {
	c.logger.LogKafka("CONSUMER_STARTED", c.reader.Config().Topic, "change feed consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.logger.Error("KAFKA", fmt.Sprintf("error reading change: %v", err))
			continue
		}

		change, err := decodeChange(msg)
		if err != nil {
			c.logger.Warn("KAFKA", fmt.Sprintf("failed to decode change at offset %d: %v", msg.Offset, err))
			continue
		}
		handler(change)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
