package config

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable name, e.g. READSOCK_PORT.
const EnvPrefix = "READSOCK"

// Sink kinds understood by the sink factory.
const (
	SinkCommand = "command"
	SinkHTTP    = "http"
	SinkLog     = "log"
)

// Config holds all configuration for the readsock service
type Config struct {
	// Listener configuration (positional CLI arguments override these)
	Host          string `envconfig:"HOST" default:"localhost"`
	Port          int    `envconfig:"PORT" default:"9993"`
	ListenBacklog int    `envconfig:"LISTEN_BACKLOG" default:"5"`

	// Framing configuration
	ReadBufferSize      int `envconfig:"READ_BUFFER_SIZE" default:"4096"`     // Bytes per socket read
	ChunkBufferCapacity int `envconfig:"CHUNK_BUFFER_CAPACITY" default:"100"` // Chunks kept per pending request

	// Work queue / worker configuration
	QueueCapacity   int  `envconfig:"QUEUE_CAPACITY" default:"100"`
	Announce        bool `envconfig:"ANNOUNCE" default:"true"`         // Speak startup and listening notices
	ShutdownTimeout int  `envconfig:"SHUTDOWN_TIMEOUT" default:"10"`   // Seconds to wait for the worker to drain

	// Speech sink configuration
	Sink        string `envconfig:"SINK" default:"command"` // command, http, log
	SinkCommand string `envconfig:"SINK_COMMAND" default:""` // Empty selects say on darwin, espeak-ng elsewhere
	SinkHTTPURL string `envconfig:"SINK_HTTP_URL" default:"http://localhost:5000"`
	SinkTimeout int    `envconfig:"SINK_TIMEOUT" default:"0"` // Seconds per utterance, 0 disables
	Voice       string `envconfig:"VOICE" default:""`

	// Admin surfaces
	AdminAddr        string `envconfig:"ADMIN_ADDR" default:""` // /health, /ready, /metrics, /ws; empty disables
	WebSocketEnabled bool   `envconfig:"WEBSOCKET_ENABLED" default:"true"`
	GRPCHealthAddr   string `envconfig:"GRPC_HEALTH_ADDR" default:""`

	// Resilience configuration (http sink)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if one exists.
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.ListenBacklog < 1 {
		return fmt.Errorf("listen backlog must be positive, got %d", c.ListenBacklog)
	}
	if c.ReadBufferSize < 1 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	if c.ChunkBufferCapacity < 1 {
		return fmt.Errorf("chunk buffer capacity must be positive, got %d", c.ChunkBufferCapacity)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.ShutdownTimeout < 0 || c.SinkTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.Sink {
	case SinkCommand, SinkHTTP, SinkLog:
	default:
		return fmt.Errorf("unknown sink %q (want %s, %s or %s)", c.Sink, SinkCommand, SinkHTTP, SinkLog)
	}
	return nil
}

// ListenAddr returns the host:port the request listener binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ShutdownGrace is the bounded wait for the worker to drain on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// UtteranceTimeout returns the per-utterance ceiling, zero when disabled.
func (c *Config) UtteranceTimeout() time.Duration {
	return time.Duration(c.SinkTimeout) * time.Second
}

// SpeechCommand resolves the speech binary for the command sink.
func (c *Config) SpeechCommand() string {
	if c.SinkCommand != "" {
		return c.SinkCommand
	}
	if runtime.GOOS == "darwin" {
		return "say"
	}
	return "espeak-ng"
}
