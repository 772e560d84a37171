package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// HeaderAttempt counts redeliveries of a message through Requeue.
const HeaderAttempt = "attempt"

type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Attempt returns how many times the message has been requeued.
func (m *Message) Attempt() int {
	n, _ := strconv.Atoi(m.Headers[HeaderAttempt])
	return n
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one message. A returned error stops the subscription; stages handle retry
// and drop decisions themselves and return nil for anything they have dealt with.
type Handler func(ctx context.Context, msg *Message) error

type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

type Subscriber interface {
	// Subscribe blocks delivering messages of topic to h until ctx ends or h fails.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// PublishJSON marshals v and publishes it under key.
func PublishJSON(ctx context.Context, p Publisher, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return p.Publish(ctx, &Message{Topic: topic, Key: key, Value: data,
		Headers: map[string]string{"content-type": "application/json"}})
}

// Requeue republishes msg with its attempt counter increased.
func Requeue(ctx context.Context, p Publisher, msg *Message) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderAttempt] = strconv.Itoa(msg.Attempt() + 1)
	return p.Publish(ctx, &Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Headers: headers})
}

// Topics maps logical topics to physical names with a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) Name(logical string) string { return t.Prefix + logical }
