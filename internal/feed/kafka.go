package feed

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"seismon/internal/config"
	"seismon/internal/model"
)

// Kafka reads packet lines from one topic. Messages are keyed by stream key;
// each subscription joins its own consumer group so every stream sees every
// partition.
type Kafka struct {
	cfg    config.KafkaConfig
	logger *slog.Logger
}

func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *Kafka {
	return &Kafka{cfg: cfg, logger: logger}
}

func (k *Kafka) Name() string {
	return "kafka"
}

func (k *Kafka) GroupID(key model.StreamKey) string {
	return k.cfg.GroupID + "." + key.String()
}

func (k *Kafka) Subscribe(ctx context.Context, key model.StreamKey, h Handler) error {
	if k.logger != nil {
		k.logger.Info("kafka subscription", "brokers", k.cfg.Brokers, "topic", k.cfg.Topic, "group_id", k.GroupID(key))
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.cfg.Topic,
		GroupID:     k.GroupID(key),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer reader.Close()
	want := key.String()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return transportErr("kafka "+k.cfg.Topic, err)
		}
		if len(m.Key) > 0 && string(m.Key) != want {
			continue
		}
		blk, ok, err := ParseLine(string(m.Value))
		if err != nil {
			h.HandleError(key, err)
			continue
		}
		if !ok || blk.Key != key {
			continue
		}
		h.HandleBlock(blk)
	}
}

// KafkaPublisher writes packet lines keyed by stream key.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, blk model.Block) error {
	err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(blk.Key.String()), Value: []byte(FormatLine(blk))})
	if err != nil {
		return transportErr("kafka publish", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
