package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/agent"
	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/devserver"
	"github.com/helixml/appbuilder/api/pkg/janitor"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/plan"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/stream"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/system"
)

type ServerOptions struct {
	Store    kvstore.Store
	Limiter  *ratelimit.Limiter
	Queue    *devserver.Queue
	Locks    *streamlock.Manager
	Streams  *stream.Manager
	Gate     *plan.Gate
	Builder  agent.Generator
	Premade  agent.Generator
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Janitor  *janitor.Janitor
}

type AppBuilderAPIServer struct {
	Cfg *config.ServerConfig

	store    kvstore.Store
	limiter  *ratelimit.Limiter
	queue    *devserver.Queue
	locks    *streamlock.Manager
	streams  *stream.Manager
	gate     *plan.Gate
	builder  agent.Generator
	premade  agent.Generator
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	janitor  *janitor.Janitor

	router *mux.Router
}

func NewServer(cfg *config.ServerConfig, opts ServerOptions) (*AppBuilderAPIServer, error) {
	if cfg.WebServer.Host == "" {
		return nil, fmt.Errorf("server host is required")
	}
	if cfg.WebServer.Port == 0 {
		return nil, fmt.Errorf("server port is required")
	}
	if opts.Store == nil || opts.Limiter == nil || opts.Queue == nil || opts.Streams == nil || opts.Locks == nil {
		return nil, fmt.Errorf("coordination components are required")
	}
	if opts.Builder == nil || opts.Premade == nil {
		return nil, fmt.Errorf("generators are required")
	}
	if opts.Gate == nil {
		opts.Gate = plan.NewGate(cfg.Plans)
	}
	if opts.Janitor == nil {
		opts.Janitor = janitor.NewJanitor(janitor.JanitorOptions{})
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	apiServer := &AppBuilderAPIServer{
		Cfg:      cfg,
		store:    opts.Store,
		limiter:  opts.Limiter,
		queue:    opts.Queue,
		locks:    opts.Locks,
		streams:  opts.Streams,
		gate:     opts.Gate,
		builder:  opts.Builder,
		premade:  opts.Premade,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		janitor:  opts.Janitor,
	}
	apiServer.router = apiServer.registerRoutes()
	return apiServer, nil
}

func (apiServer *AppBuilderAPIServer) Handler() http.Handler {
	return apiServer.router
}

// ListenAndServe serves until ctx is done, then drains in-flight requests for
// up to the configured shutdown timeout.
func (apiServer *AppBuilderAPIServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", apiServer.Cfg.WebServer.Host, apiServer.Cfg.WebServer.Port),
		// no write timeout, chat responses stream for minutes
		WriteTimeout:      0,
		ReadTimeout:       0,
		ReadHeaderTimeout: apiServer.Cfg.WebServer.ReadHeaderTimeout,
		IdleTimeout:       time.Minute * 60,
		Handler:           apiServer.router,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiServer.Cfg.WebServer.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down api server")
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("api server listening")

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return <-shutdownErr
	}
	return err
}

func (apiServer *AppBuilderAPIServer) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	apiServer.janitor.InjectMiddleware(router)
	router.Use(apiServer.metricsMiddleware)

	router.Handle("/metrics", promhttp.HandlerFor(apiServer.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	subRouter := router.PathPrefix(system.APISubPath).Subrouter()
	subRouter.Use(extractUser)

	subRouter.HandleFunc("/status", system.Wrapper(apiServer.status)).Methods(http.MethodGet)

	subRouter.HandleFunc("/chat", apiServer.createChat).Methods(http.MethodPost)
	subRouter.HandleFunc("/chat/{id}/stream", apiServer.resumeChatStream).Methods(http.MethodGet)
	subRouter.HandleFunc("/chat/{id}/stream", apiServer.stopChatStream).Methods(http.MethodDelete)
	subRouter.HandleFunc("/chat/{id}/status", system.Wrapper(apiServer.chatStreamStatus)).Methods(http.MethodGet)

	subRouter.HandleFunc("/dev-servers", system.Wrapper(apiServer.createDevServer)).Methods(http.MethodPost)

	return router
}
