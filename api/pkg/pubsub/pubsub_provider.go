package pubsub

import (
	"fmt"

	"github.com/helixml/appbuilder/api/pkg/config"
)

// New builds the configured provider. The in-memory provider only reaches
// subscribers in this process.
func New(cfg config.PubSub) (PubSub, error) {
	switch cfg.Provider {
	case config.PubSubProviderNats:
		if cfg.Server.EmbeddedNatsServerEnabled {
			return NewEmbeddedNats(cfg)
		}
		return NewNatsClient(cfg.Server.URL, cfg.Server.Token)
	case config.PubSubProviderInMemory:
		return NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider: %s", cfg.Provider)
	}
}
