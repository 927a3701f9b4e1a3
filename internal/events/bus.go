package events

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// MemoryBus is an in-process stand-in for the event log. It is both a
// Publisher and a Reader, so the regular Consumer drains it. Order is
// preserved globally, which includes per-trip order.
type MemoryBus struct {
	ch     chan kafka.Message
	mu     sync.Mutex
	offset int64
}

func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{ch: make(chan kafka.Message, size)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	v, err := Encode(ev)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.offset++
	msg := kafka.Message{Topic: "memory", Key: ev.Key(), Value: v, Offset: b.offset}
	b.mu.Unlock()
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-b.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (b *MemoryBus) CommitMessages(context.Context, ...kafka.Message) error { return nil }
