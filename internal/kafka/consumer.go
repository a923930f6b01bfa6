package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer turns messages on a Kafka topic into power signals. Each Run
// gets its own reader, so a supervisor may run a Consumer again after it
// returned.
type Consumer struct {
	cfg       Config
	newReader func(Config) messageReader
	logger    *logrus.Entry
}

func NewConsumer(cfg Config, logger *logging.Logger) *Consumer {
	return newConsumer(cfg, newKafkaReader, logger)
}

func newConsumer(cfg Config, newReader func(Config) messageReader, logger *logging.Logger) *Consumer {
	return &Consumer{cfg: cfg, newReader: newReader, logger: logger.Component("kafka")}
}

func newKafkaReader(cfg Config) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})
}

func (c *Consumer) Name() string { return "kafka" }

// Initial has no reading to offer; the topic only carries changes.
func (c *Consumer) Initial(context.Context) (models.EventKind, bool, error) {
	return "", false, nil
}

// Run reads until ctx is cancelled. The reader it opens is closed on return.
func (c *Consumer) Run(ctx context.Context, emit func(models.Signal)) error {
	reader := c.newReader(c.cfg)
	defer func() {
		if err := reader.Close(); err != nil {
			c.logger.Errorf("Close reader failed: %v", err)
		}
	}()
	c.logger.Infof("Kafka consumer started on topic %s", c.cfg.Topic)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		sig, err := Decode(msg.Value)
		if err != nil {
			c.logger.Errorf("Invalid message at offset %d: %v", msg.Offset, err)
			continue
		}
		sig.Source = c.Name()
		emit(sig)
		c.logger.Infof("Processed Kafka message: %s", sig.Kind)
	}
}

// Decode parses one message payload.
func Decode(value []byte) (models.Signal, error) {
	var sig models.Signal
	if err := json.Unmarshal(value, &sig); err != nil {
		return models.Signal{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if sig.Timestamp < 0 {
		return models.Signal{}, fmt.Errorf("negative timestamp %d", sig.Timestamp)
	}
	return sig, nil
}
