package pubsub

import (
	"context"
)

type Publisher interface {
	// Publish topic to message broker with payload.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

// GetStreamStopTopic carries stop requests to whichever instance owns the
// generation session for an app.
func GetStreamStopTopic(appID string) string {
	return "stream.stop." + appID
}

// GetStreamChunksTopic fans generated chunks out to late readers on any instance.
func GetStreamChunksTopic(appID string) string {
	return "stream.chunks." + appID
}
