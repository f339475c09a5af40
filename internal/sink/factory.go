package sink

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/readsock/internal/config"
	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/resilience"
)

// New builds the sink selected by cfg.Sink and applies cfg.Voice.
func New(cfg *config.Config, logger zerolog.Logger) (Sink, error) {
	var s Sink
	switch cfg.Sink {
	case config.SinkCommand:
		s = NewCommandSink(cfg.SpeechCommand(), cfg.UtteranceTimeout(), logger)
	case config.SinkHTTP:
		s = newHTTPSinkFromConfig(cfg, logger)
	case config.SinkLog:
		s = NewLogSink(logger)
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}

	if cfg.Voice != "" {
		if err := s.SetVoice(cfg.Voice); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to set voice %q: %w", cfg.Voice, err)
		}
	}
	return s, nil
}

func newHTTPSinkFromConfig(cfg *config.Config, logger zerolog.Logger) *HTTPSink {
	cb := resilience.NewCircuitBreaker(
		"tts-http",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("circuit_breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	observability.UpdateCircuitBreakerState(cb.Name(), int(resilience.StateClosed))

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return NewHTTPSink(HTTPSinkOptions{
		BaseURL:        cfg.SinkHTTPURL,
		Timeout:        cfg.UtteranceTimeout(),
		CircuitBreaker: cb,
		Retry:          retry,
	}, logger)
}
