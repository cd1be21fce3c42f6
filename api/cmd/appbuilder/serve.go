package appbuilder

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/devserver"
	"github.com/helixml/appbuilder/api/pkg/janitor"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/plan"
	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/server"
	"github.com/helixml/appbuilder/api/pkg/stream"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/system"
)

func NewServeConfig() (*config.ServerConfig, error) {
	serverConfig, err := config.LoadServerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %v", err)
	}

	if err := serverConfig.Validate(); err != nil {
		return nil, err
	}

	return &serverConfig, nil
}

func newServeCmd() *cobra.Command {
	envHelpText := generateEnvHelpText(&config.ServerConfig{}, "")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the app builder api server.",
		Long:    "Start the app builder api server.",
		Example: "appbuilder serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			serveConfig, err := NewServeConfig()
			if err != nil {
				return err
			}
			err = serve(cmd, serveConfig)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}

	serveCmd.Long += "\n\nEnvironment Variables:\n\n" + envHelpText

	return serveCmd
}

func serve(cmd *cobra.Command, cfg *config.ServerConfig) error {
	system.SetupLogging(cfg.Logging)

	// Context ensures main goroutine waits until killed with ctrl+c:
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := kvstore.New(cfg.CoordinationStore, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to create coordination store: %w", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		// components fail open or closed per operation, keep serving
		log.Warn().Err(err).Msg("coordination store is not reachable yet")
	}

	ps, err := pubsub.New(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	defer ps.Close()

	janitor := janitor.NewJanitor(janitor.JanitorOptions{
		SentryDSN:   cfg.Janitor.SentryDsnAPI,
		Environment: cfg.Janitor.Environment,
	})
	err = janitor.Initialize()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	limiter := ratelimit.New(store, ratelimit.WithMetrics(m))
	provisioner := devserver.NewHTTPProvisioner(cfg.Provisioner)
	queue := devserver.NewQueue(store, limiter, provisioner, cfg.DevServerQueue, cfg.RateLimits.DevServer(), devserver.WithMetrics(m))
	defer queue.Close()

	locks := streamlock.NewManager(store, cfg.StreamLock, streamlock.WithMetrics(m))
	streams := stream.NewManager(store, locks, ps, cfg.StreamLock, stream.WithMetrics(m))

	if cfg.Anthropic.APIKey == "" {
		log.Warn().Msg("ANTHROPIC_API_KEY is not set, pro generations will fail")
	}

	apiServer, err := server.NewServer(cfg, server.ServerOptions{
		Store:    store,
		Limiter:  limiter,
		Queue:    queue,
		Locks:    locks,
		Streams:  streams,
		Gate:     plan.NewGate(cfg.Plans),
		Builder:  agent.NewAnthropicGenerator(cfg.Anthropic),
		Premade:  agent.NewPremadeGenerator(cfg.Plans.PremadeChunkDelay, nil),
		Metrics:  m,
		Gatherer: registry,
		Janitor:  janitor,
	})
	if err != nil {
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := queue.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dev server queue drain stopped")
		}
	})

	log.Info().
		Str("host", cfg.WebServer.Host).
		Int("port", cfg.WebServer.Port).
		Str("store", string(cfg.CoordinationStore.Provider)).
		Str("pubsub", string(cfg.PubSub.Provider)).
		Msg("app builder server starting")

	serveErr := apiServer.ListenAndServe(ctx)
	// the drain job follows ctx, make sure it ends when the listener fails early
	cancel()
	wg.Wait()

	return serveErr
}
