package publish

import (
	"context"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/internal/bus"
	"otcmarket/internal/obs"
)

// KafkaConfig configures the kafka producer.
type KafkaConfig struct {
	Brokers     []string `json:"brokers"`
	TopicPrefix string   `json:"topicPrefix"`
	FlushMs     int      `json:"flushMs"`
}

// Kafka publishes events to kafka topics, keyed for per-instrument or
// per-user ordering.
type Kafka struct {
	producer *kafka.Producer
	prefix   string
	flushMs  int
	done     chan struct{}
}

func NewKafka(cfg KafkaConfig, metrics *obs.Metrics) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are empty")
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	if cfg.FlushMs <= 0 {
		cfg.FlushMs = 5000
	}

	k := &Kafka{producer: producer, prefix: cfg.TopicPrefix, flushMs: cfg.FlushMs, done: make(chan struct{})}
	go k.deliveryReports(metrics)
	logs.Infof("kafka producer connected to %s", strings.Join(cfg.Brokers, ","))
	return k, nil
}

func (k *Kafka) deliveryReports(metrics *obs.Metrics) {
	defer close(k.done)
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				metrics.IncError("kafka_delivery")
				logs.Errorf("kafka delivery failed: %v", ev.TopicPartition.Error)
			}
		case kafka.Error:
			logs.Warnf("kafka: %v", ev)
		}
	}
}

func (k *Kafka) Publish(_ context.Context, e bus.Event) error {
	topic := k.prefix + e.Topic
	err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.Key),
		Value:          e.Payload,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "kafka produce").With("topic", topic)
	}
	return nil
}

// Close flushes pending messages and stops the producer.
func (k *Kafka) Close() error {
	if left := k.producer.Flush(k.flushMs); left > 0 {
		logs.Warnf("kafka: %d messages not flushed on close", left)
	}
	k.producer.Close()
	<-k.done
	return nil
}
