// Package kafka publishes job events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Sink writes each job event as one message keyed by job id so that a job's
// events stay ordered within a partition.
type Sink struct {
	writer messageWriter
}

// New creates a sink backed by a kafka.Writer.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	return &Sink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewWithWriter builds a sink around a custom writer.
func NewWithWriter(writer messageWriter) *Sink {
	return &Sink{writer: writer}
}

// Consume encodes the batch and writes it in a single call.
func (s *Sink) Consume(ctx context.Context, batch []crawler.JobEvent) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode job event: %w", err)
		}
		at := evt.At
		if at.IsZero() {
			at = time.Now()
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(evt.JobID, 10)),
			Value: payload,
			Time:  at.UTC(),
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write job events: %w", err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (s *Sink) Close(context.Context) error {
	return s.writer.Close()
}
