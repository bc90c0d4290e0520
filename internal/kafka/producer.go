package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/jamhub/listenroom/pkg/logger"
)

// Producer mirrors room lifecycle events onto Kafka for downstream
// analytics. Publish failures never fail the originating request; callers
// log and move on.
type Producer interface {
	PublishRoomCreated(ctx context.Context, event RoomCreatedEvent) error
	PublishSongPlayed(ctx context.Context, event SongPlayedEvent) error
	PublishSongSkipped(ctx context.Context, event SongSkippedEvent) error
	Close() error
}

type kafkaProducer struct {
	producer sarama.SyncProducer
	l        logger.Logger
}

func NewProducer(producer sarama.SyncProducer, l logger.Logger) Producer {
	return &kafkaProducer{
		producer: producer,
		l:        l,
	}
}

func (p *kafkaProducer) PublishRoomCreated(ctx context.Context, event RoomCreatedEvent) error {
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicRoomCreated, event.RoomSlug, event)
}

func (p *kafkaProducer) PublishSongPlayed(ctx context.Context, event SongPlayedEvent) error {
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicSongPlayed, event.RoomSlug, event)
}

func (p *kafkaProducer) PublishSongSkipped(ctx context.Context, event SongSkippedEvent) error {
	event.Timestamp = time.Now()
	return p.publishEvent(ctx, TopicSongSkipped, event.RoomSlug, event)
}

func (p *kafkaProducer) publishEvent(ctx context.Context, topic, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		// Partition by room slug so per-room events stay ordered.
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.l.Errorf(ctx, "kafkaProducer.publishEvent: %v", err)
		return err
	}

	p.l.Debugf(ctx, "Kafka event published: topic=%s partition=%d offset=%d", topic, partition, offset)

	return nil
}

func (p *kafkaProducer) Close() error {
	return p.producer.Close()
}
