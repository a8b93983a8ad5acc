package pager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
)

const (
	DefaultKafkaTopic      = "babysitter-alerts"
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	alerts.RegisterPager("kafka", func(cfg config.PagerConfiguration, log *zap.Logger) (alerts.Pager, error) {
		return NewKafkaPager(KafkaConfig{
			Brokers:          splitList(cfg.Settings["brokers"]),
			Topic:            setting(cfg, "topic", DefaultKafkaTopic),
			AutoCreateTopics: setting(cfg, "auto_create_topics", "true") == "true",
		}, log)
	})
}

type KafkaConfig struct {
	Brokers          []string
	Topic            string
	RequiredAcks     kafka.RequiredAcks // default RequireAll
	AutoCreateTopics bool
}

// KafkaPager writes the JSON alert to a Kafka topic, keyed by server name.
type KafkaPager struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPager(cfg KafkaConfig, _ *zap.Logger) (*KafkaPager, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka pager requires at least one broker address")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{}, // same server, same partition
		BatchSize:              1,
		BatchBytes:             DefaultKafkaBatchBytes,
		RequiredAcks:           cfg.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
	}
	return &KafkaPager{writer: writer, topic: cfg.Topic}, nil
}

func (p *KafkaPager) Page(ctx context.Context, a alerts.Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(a.Server.Name()),
		Value: value,
	})
}

func (p *KafkaPager) Description() string {
	return "Publishes alert events on Kafka topic " + p.topic
}

func (p *KafkaPager) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
