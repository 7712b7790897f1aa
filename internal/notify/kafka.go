// Package notify delivers execution completion events to the outside
// world: a Kafka topic, Redis counters, or several of them at once.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const DefaultTopic = "fleetexec-executions"

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Kafka publishes one JSON message per completed execution, keyed by job
// id so that events of one job stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	topic  string
	logger lg.Logger
}

var _ collab.Notifier = (*Kafka)(nil)

func NewKafka(cfg KafkaConfig, logger lg.Logger) *Kafka {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return newKafka(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, cfg.Topic, logger)
}

func newKafka(w messageWriter, topic string, logger lg.Logger) *Kafka {
	if logger == nil {
		logger = lg.Discard
	}
	return &Kafka{writer: w, topic: topic, logger: logger.With(lg.String("topic", topic))}
}

func (k *Kafka) Notify(ctx context.Context, ev models.ExecutionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode execution event")
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			k.logger.Error("topic does not exist and could not be created")
		}
		return errors.Wrapf(err, "publish event for execution %s", ev.ExecutionID)
	}
	k.logger.Debug("execution event published", lg.String("execution", ev.ExecutionID), lg.String("status", string(ev.Status)))
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
