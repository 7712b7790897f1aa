// Package consumer reads JSON payloads from a Kafka topic as a member of a
// consumer group.
package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
)

// ErrMalformed is returned for a message whose value does not decode. The
// message is committed so it is not delivered again.
var ErrMalformed = errors.New("malformed message")

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	GroupID string   `yaml:"groupID" json:"groupID"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
	logger lg.Logger
}

func NewConsumer[T any](cfg Config, logger lg.Logger) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
	return newConsumer[T](r, logger)
}

func newConsumer[T any](r messageReader, logger lg.Logger) *Consumer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Consumer[T]{reader: r, logger: logger}
}

// Read blocks for the next message and commits it before returning, so a
// payload is handed out at most once.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, errors.Wrap(err, "fetch message")
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, errors.Wrap(err, "commit message")
	}
	if decodeErr != nil {
		c.logger.Warn("dropping malformed message",
			lg.String("topic", msg.Topic), lg.Int("partition", msg.Partition), lg.Int64("offset", msg.Offset), lg.Err(decodeErr))
		return zero, errors.Mark(errors.Wrapf(decodeErr, "offset %d", msg.Offset), ErrMalformed)
	}
	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
