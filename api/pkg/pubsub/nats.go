package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/config"
)

type Nats struct {
	conn           *nats.Conn
	embeddedServer *server.Server
}

var _ PubSub = &Nats{}

// NewEmbeddedNats starts a NATS server inside this process and connects to it.
// Other instances reach it with NATS_SERVER_URL pointing at this host.
func NewEmbeddedNats(cfg config.PubSub) (*Nats, error) {
	opts := &server.Options{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		NoSigs:        true,
		Authorization: cfg.Server.Token,
		MaxPayload:    int32(cfg.Server.MaxPayload),
	}

	// Initialize new server with options
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	// Start the server via goroutine
	go ns.Start()

	// Wait for server to be ready for connections
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to start embedded nats server")
	}

	n, err := NewNatsClient(ns.ClientURL(), cfg.Server.Token)
	if err != nil {
		ns.Shutdown()
		return nil, err
	}
	n.embeddedServer = ns

	log.Info().Str("url", ns.ClientURL()).Msg("embedded nats server started")

	return n, nil
}

// NewNatsClient connects to an existing NATS server.
func NewNatsClient(url, token string) (*Nats, error) {
	opts := []nats.Option{
		nats.Name("appbuilder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{conn: nc}, nil
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		err := handler(msg.Data)
		if err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}

	// make sure the server registered the interest before anyone publishes
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return sub, nil
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Close() error {
	if err := n.conn.FlushTimeout(time.Second); err != nil {
		log.Debug().Err(err).Msg("failed to flush nats connection on close")
	}
	n.conn.Close()
	if n.embeddedServer != nil {
		n.embeddedServer.Shutdown()
	}
	return nil
}
