// Package events announces execution lifecycle changes to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Event types.
const (
	ExecutionCreated  = "execution.created"
	StepCompleted     = "execution.step_completed"
	ExecutionFinished = "execution.finished"
	ExecutionFailed   = "execution.failed"
	RollbackCompleted = "execution.rolled_back"
)

// Event is one lifecycle notification.
type Event struct {
	Type    string    `json:"type"`
	ExecID  string    `json:"execution_id"`
	User    string    `json:"user"`
	Action  string    `json:"action,omitempty"`
	Handler string    `json:"handler,omitempty"`
	Step    string    `json:"step,omitempty"`
	Status  string    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher delivers events. Failures are reported but never affect the
// pipeline.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Kafka publishes events to a topic keyed by execution id, so all events of
// one execution land on the same partition in order.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("start kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.ExecID),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event %s: %w", e.Type, err)
	}
	slog.Debug("event sent", "type", e.Type, "execution_id", e.ExecID, "partition", partition, "offset", offset)
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

// Log writes events to the structured log. Used when no broker is configured.
type Log struct{}

func (Log) Publish(_ context.Context, e Event) error {
	slog.Info("execution event", "type", e.Type, "execution_id", e.ExecID, "step", e.Step, "status", e.Status)
	return nil
}

func (Log) Close() error { return nil }
