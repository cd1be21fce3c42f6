package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	Logging           Logging
	WebServer         WebServer
	CoordinationStore CoordinationStore
	Redis             Redis
	PubSub            PubSub
	RateLimits        RateLimits
	DevServerQueue    DevServerQueue
	StreamLock        StreamLock
	Provisioner       Provisioner
	Anthropic         Anthropic
	Plans             Plans
	Janitor           Janitor

	// Maximum accepted size of a chat request body
	MaxRequestSizeMB int `envconfig:"MAX_REQUEST_SIZE_MB" default:"5" description:"Maximum chat request body size in megabytes."`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks the combinations envconfig can't express.
func (c *ServerConfig) Validate() error {
	if c.DevServerQueue.MaxConcurrent <= 0 {
		return fmt.Errorf("DEV_SERVER_MAX_CONCURRENT must be positive, got %d", c.DevServerQueue.MaxConcurrent)
	}
	if c.DevServerQueue.PollInterval <= 0 || c.DevServerQueue.MaxWait < c.DevServerQueue.PollInterval {
		return fmt.Errorf("DEV_SERVER_QUEUE_MAX_WAIT (%s) must be at least DEV_SERVER_QUEUE_POLL_INTERVAL (%s)",
			c.DevServerQueue.MaxWait, c.DevServerQueue.PollInterval)
	}
	if c.StreamLock.TTL <= c.StreamLock.PollInterval {
		return fmt.Errorf("STREAM_LOCK_TTL (%s) must be longer than STREAM_LOCK_POLL_INTERVAL (%s)",
			c.StreamLock.TTL, c.StreamLock.PollInterval)
	}
	switch c.CoordinationStore.Provider {
	case CoordinationStoreRedis, CoordinationStoreMemory:
	default:
		return fmt.Errorf("unknown coordination store provider %q", c.CoordinationStore.Provider)
	}
	switch c.PubSub.Provider {
	case PubSubProviderNats, PubSubProviderInMemory:
	default:
		return fmt.Errorf("unknown pubsub provider %q", c.PubSub.Provider)
	}
	return nil
}

type Logging struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info" description:"Log level (trace, debug, info, warn, error)."`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false" description:"Human readable console logs instead of JSON."`
}

type WebServer struct {
	URL  string `envconfig:"SERVER_URL" description:"The URL the api server is listening on."`
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0" description:"The host to bind the api server to."`
	Port int    `envconfig:"SERVER_PORT" default:"8080" description:"The port to bind the api server to."`

	ReadHeaderTimeout time.Duration `envconfig:"SERVER_READ_HEADER_TIMEOUT" default:"60s" description:"Read header timeout, protects against slowloris."`
	ShutdownTimeout   time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" description:"How long to wait for in-flight requests on shutdown."`
}

type CoordinationStoreProvider string

const (
	CoordinationStoreRedis  CoordinationStoreProvider = "redis"
	CoordinationStoreMemory CoordinationStoreProvider = "memory"
)

type CoordinationStore struct {
	Provider  CoordinationStoreProvider `envconfig:"COORDINATION_STORE_PROVIDER" default:"redis" description:"The coordination store to use (redis or memory). memory is only safe with a single instance."`
	KeyPrefix string                    `envconfig:"COORDINATION_KEY_PREFIX" default:"" description:"Prefix prepended to every coordination key."`
}

type Redis struct {
	URL          string        `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0" description:"Redis connection URL."`
	Password     string        `envconfig:"REDIS_PASSWORD" description:"Overrides the password in REDIS_URL."`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s" description:"Redis dial timeout."`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s" description:"Redis read timeout."`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s" description:"Redis write timeout."`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"0" description:"Redis pool size, 0 uses the client default."`
}

type PubSubProvider string

const (
	PubSubProviderNats     PubSubProvider = "nats"
	PubSubProviderInMemory PubSubProvider = "inmemory"
)

type PubSub struct {
	Provider PubSubProvider `envconfig:"PUBSUB_PROVIDER" default:"nats" description:"The pubsub provider to use (nats or inmemory)."`
	Server   struct {
		EmbeddedNatsServerEnabled bool   `envconfig:"NATS_SERVER_EMBEDDED_ENABLED" default:"true" description:"Whether to enable the embedded NATS server."`
		URL                       string `envconfig:"NATS_SERVER_URL" description:"External NATS URL, used when the embedded server is disabled."`
		Host                      string `envconfig:"NATS_SERVER_HOST" default:"127.0.0.1" description:"The host to bind the NATS server to."`
		Port                      int    `envconfig:"NATS_SERVER_PORT" default:"4222" description:"The port to bind the NATS server to."`
		Token                     string `envconfig:"NATS_SERVER_TOKEN" description:"The authentication token for the NATS server."`
		MaxPayload                int    `envconfig:"NATS_SERVER_MAX_PAYLOAD" default:"33554432" description:"The maximum payload size in bytes (default 32MB)."`
	}
}

// RateLimitPolicy is a fixed window budget.
type RateLimitPolicy struct {
	MaxRequests int
	Window      time.Duration
}

type RateLimits struct {
	ChatMaxRequests int           `envconfig:"RATE_LIMIT_CHAT_MAX_REQUESTS" default:"20" description:"Chat requests allowed per window per user or IP."`
	ChatWindow      time.Duration `envconfig:"RATE_LIMIT_CHAT_WINDOW" default:"60s" description:"Chat rate limit window."`

	DevServerMaxRequests int           `envconfig:"RATE_LIMIT_DEV_SERVER_MAX_REQUESTS" default:"5" description:"Dev server requests allowed per window per user."`
	DevServerWindow      time.Duration `envconfig:"RATE_LIMIT_DEV_SERVER_WINDOW" default:"5m" description:"Dev server rate limit window."`
}

func (r RateLimits) Chat() RateLimitPolicy {
	return RateLimitPolicy{MaxRequests: r.ChatMaxRequests, Window: r.ChatWindow}
}

func (r RateLimits) DevServer() RateLimitPolicy {
	return RateLimitPolicy{MaxRequests: r.DevServerMaxRequests, Window: r.DevServerWindow}
}

type DevServerQueue struct {
	MaxConcurrent int           `envconfig:"DEV_SERVER_MAX_CONCURRENT" default:"10" description:"Global ceiling on concurrent provisioning calls."`
	MaxRetries    int           `envconfig:"DEV_SERVER_MAX_RETRIES" default:"2" description:"Retries after the first provisioning attempt."`
	RetryBaseWait time.Duration `envconfig:"DEV_SERVER_RETRY_BASE_DELAY" default:"2s" description:"First backoff delay, doubled on every retry."`
	PollInterval  time.Duration `envconfig:"DEV_SERVER_QUEUE_POLL_INTERVAL" default:"2s" description:"How often a queued request polls for its result."`
	MaxWait       time.Duration `envconfig:"DEV_SERVER_QUEUE_MAX_WAIT" default:"2m" description:"How long a queued request waits before giving up."`
	DrainInterval time.Duration `envconfig:"DEV_SERVER_QUEUE_DRAIN_INTERVAL" default:"5s" description:"How often the background job drains pending owner queues."`

	ActiveTTL  time.Duration `envconfig:"DEV_SERVER_ACTIVE_TTL" default:"120s" description:"TTL of active markers, bounds slot leaks after a crash."`
	RequestTTL time.Duration `envconfig:"DEV_SERVER_REQUEST_TTL" default:"10m" description:"TTL of queued requests and per-owner queues."`
	ResultTTL  time.Duration `envconfig:"DEV_SERVER_RESULT_TTL" default:"60s" description:"TTL of results waiting to be collected."`
}

type StreamLock struct {
	TTL            time.Duration `envconfig:"STREAM_LOCK_TTL" default:"30s" description:"Lock TTL, refreshed by the holder while the stream runs."`
	PollInterval   time.Duration `envconfig:"STREAM_LOCK_POLL_INTERVAL" default:"100ms" description:"How often a blocked acquire retries."`
	AcquireTimeout time.Duration `envconfig:"STREAM_LOCK_ACQUIRE_TIMEOUT" default:"5s" description:"How long a new chat request waits for the lock."`
	StopTimeout    time.Duration `envconfig:"STREAM_STOP_TIMEOUT" default:"5s" description:"How long to wait for a previous stream to stop before force clearing it."`
}

type Provisioner struct {
	BaseURL        string        `envconfig:"PROVISIONER_BASE_URL" default:"https://api.freestyle.sh" description:"Base URL of the dev server provisioning API."`
	APIKey         string        `envconfig:"PROVISIONER_API_KEY" description:"API key for the provisioning API."`
	RequestTimeout time.Duration `envconfig:"PROVISIONER_REQUEST_TIMEOUT" default:"90s" description:"Timeout of a single provisioning attempt."`
	TLSSkipVerify  bool          `envconfig:"PROVISIONER_TLS_SKIP_VERIFY" default:"false"`
}

type Anthropic struct {
	BaseURL   string `envconfig:"ANTHROPIC_BASE_URL" description:"Override for the Anthropic API base URL."`
	APIKey    string `envconfig:"ANTHROPIC_API_KEY" description:"Anthropic API key used by the builder agent."`
	Model     string `envconfig:"ANTHROPIC_MODEL" default:"claude-sonnet-4-20250514" description:"Model used by the builder agent."`
	MaxTokens int64  `envconfig:"ANTHROPIC_MAX_TOKENS" default:"8192" description:"Max tokens per generation."`
}

type Plans struct {
	ProUserIDs        []string      `envconfig:"PLANS_PRO_USER_IDS" description:"Owner ids entitled to real generation."`
	AllowTestOverride bool          `envconfig:"PLANS_ALLOW_TEST_OVERRIDE" default:"false" description:"Honour the TEST_USER_PLAN cookie."`
	PremadeChunkDelay time.Duration `envconfig:"PLANS_PREMADE_CHUNK_DELAY" default:"40ms" description:"Delay between premade response chunks."`
}

type Janitor struct {
	SentryDsnAPI string `envconfig:"SENTRY_DSN_API" description:"The api sentry DSN."`
	Environment  string `envconfig:"SENTRY_ENVIRONMENT" default:"production" description:"The sentry environment tag."`
}
