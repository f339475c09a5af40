package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	loggerOnce   sync.Once
)

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger initializes the global structured logger. Only the first call
// has an effect.
func InitLogger(level string, pretty bool) {
	loggerOnce.Do(func() {
		zerolog.SetGlobalLevel(ParseLevel(level))
		globalLogger = newLogger(os.Stdout, pretty)
		log.Logger = globalLogger
	})
}

func newLogger(out io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", ServiceName).Logger()
}

// GetLogger returns the global logger, initializing it with defaults if needed
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// WithComponent returns a logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// WithConnection returns a logger carrying the connection ID, transport and peer address.
func WithConnection(connID, transport, remoteAddr string) zerolog.Logger {
	return GetLogger().With().
		Str("component", "server").
		Str("conn_id", connID).
		Str("transport", transport).
		Str("remote_addr", remoteAddr).
		Logger()
}

// NewConnectionID generates a new connection ID
func NewConnectionID() string {
	return "conn-" + uuid.New().String()
}
