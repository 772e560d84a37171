package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker: closed")

// MemoryBroker is an in-process broker. Each topic is one queue shared by all its subscribers,
// so concurrent subscribers compete for messages like members of a consumer group.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

type queue struct {
	msgs   []*Message
	notify chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string]*queue{}}
}

func (b *MemoryBroker) q(topic string) *queue {
	q, ok := b.queues[topic]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[topic] = q
	}
	return q
}

func (b *MemoryBroker) Publish(_ context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.q(msg.Topic)
	cp := *msg
	cp.Headers = make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		cp.Headers[k] = v
	}
	q.msgs = append(q.msgs, &cp)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryReceive pops the oldest message of topic without blocking.
func (b *MemoryBroker) TryReceive(topic string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.q(topic)
	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

// Len reports the number of undelivered messages on topic.
func (b *MemoryBroker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q(topic).msgs)
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	notify := b.q(topic).notify
	b.mu.Unlock()
	for {
		for {
			msg, ok := b.TryReceive(topic)
			if !ok {
				break
			}
			if err := h(ctx, msg); err != nil {
				// put it back for the next consumer
				b.mu.Lock()
				q := b.q(topic)
				q.msgs = append([]*Message{msg}, q.msgs...)
				b.mu.Unlock()
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		}
	}
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
