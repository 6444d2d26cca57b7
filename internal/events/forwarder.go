package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink внешний транспорт, в который пересылаются события.
type Sink interface {
	// Publish отправляет сообщение; key используется для упорядочивания по получателю.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// RedisStreamSink пишет события в Redis Stream командой XADD.
type RedisStreamSink struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStreamSink создаёт Sink поверх клиента Redis. maxLen ограничивает длину стрима (0 без ограничения).
func NewRedisStreamSink(client *redis.Client, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, maxLen: maxLen}
}

// Publish добавляет сообщение в стрим topic.
func (s *RedisStreamSink) Publish(ctx context.Context, topic, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Close не закрывает клиент: им владеет вызывающая сторона.
func (s *RedisStreamSink) Close() error {
	return nil
}

// KafkaSink пишет события в Kafka.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink создаёт Sink для указанных брокеров. Сообщения одного получателя попадают в одну партицию.
func NewKafkaSink(brokers []string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish отправляет сообщение в топик topic.
func (s *KafkaSink) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close закрывает writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Forwarder пересылает события из подписки шины во внешний транспорт.
type Forwarder struct {
	sink    Sink
	topic   string
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewForwarder создаёт пересыльщик событий в топик topic.
func NewForwarder(sink Sink, topic string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		sink:    sink,
		topic:   topic,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Run читает события из in до закрытия канала или отмены ctx.
// Ошибки доставки логируются и не останавливают пересылку.
func (f *Forwarder) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e Event) {
	payload, err := Encode(e, f.now())
	if err != nil {
		f.logger.Error("encode event", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.sink.Publish(sendCtx, f.topic, e.Key(), payload); err != nil {
		f.logger.Error("forward event", zap.Error(err),
			zap.String("type", string(e.EventType())), zap.String("key", e.Key()))
	}
}
