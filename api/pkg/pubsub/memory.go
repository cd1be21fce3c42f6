package pubsub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const memorySubscriptionBuffer = 256

// InMemory delivers messages to subscribers in this process only. Topics
// match the way NATS subjects do: "*" is one token and ">" the remainder.
type InMemory struct {
	nextID atomic.Uint64
	subs   *xsync.MapOf[uint64, *memorySubscription]
}

var _ PubSub = &InMemory{}

func NewInMemory() *InMemory {
	return &InMemory{
		subs: xsync.NewMapOf[uint64, *memorySubscription](),
	}
}

type memorySubscription struct {
	id      uint64
	topic   string
	parent  *InMemory
	ch      chan []byte
	done    chan struct{}
	stopped sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.stopped.Do(func() {
		s.parent.subs.Delete(s.id)
		close(s.done)
	})
	return nil
}

func (m *InMemory) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub := &memorySubscription{
		id:     m.nextID.Add(1),
		topic:  topic,
		parent: m,
		ch:     make(chan []byte, memorySubscriptionBuffer),
		done:   make(chan struct{}),
	}

	// one goroutine per subscription keeps delivery ordered
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case payload := <-sub.ch:
				if err := handler(payload); err != nil {
					log.Err(err).Str("topic", topic).Msg("error handling message")
				}
			}
		}
	}()

	m.subs.Store(sub.id, sub)

	return sub, nil
}

func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	var targets []*memorySubscription
	m.subs.Range(func(_ uint64, sub *memorySubscription) bool {
		if subjectMatches(sub.topic, topic) {
			targets = append(targets, sub)
		}
		return true
	})

	for _, sub := range targets {
		data := make([]byte, len(payload))
		copy(data, payload)

		select {
		case sub.ch <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *InMemory) Close() error {
	m.subs.Range(func(_ uint64, sub *memorySubscription) bool {
		_ = sub.Unsubscribe()
		return true
	})
	return nil
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return len(subjectTokens) > i
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
