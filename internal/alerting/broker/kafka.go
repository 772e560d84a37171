package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaBroker publishes through one shared writer and consumes with one reader per topic in
// the configured consumer group.
type KafkaBroker struct {
	brokers []string
	groupID string
	topics  Topics
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaBroker(brokers []string, groupID, topicPrefix string) *KafkaBroker {
	return &KafkaBroker{
		brokers: brokers,
		groupID: groupID,
		topics:  Topics{Prefix: topicPrefix},
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, msg *Message) error {
	km := kafka.Message{
		Topic: b.topics.Name(msg.Topic),
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		GroupID:        b.groupID,
		Topic:          b.topics.Name(topic),
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()
	defer reader.Close()

	log.Info().Str("topic", topic).Str("group", b.groupID).Msg("kafka subscription started")
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		msg := &Message{Topic: topic, Key: string(km.Key), Value: km.Value, Headers: map[string]string{}}
		for _, hd := range km.Headers {
			msg.Headers[hd.Key] = string(hd.Value)
		}
		if err := h(ctx, msg); err != nil {
			// not committed: the message is redelivered to the group
			return err
		}
		if err := reader.CommitMessages(context.WithoutCancel(ctx), km); err != nil {
			log.Warn().Err(err).Str("topic", topic).Int64("offset", km.Offset).Msg("kafka commit failed")
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBroker) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	for _, r := range b.readers {
		_ = r.Close()
	}
	b.readers = nil
	b.mu.Unlock()
	return b.writer.Close()
}
