package sink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes utterances to the log instead of speaking them. It is used
// on hosts without audio and in tests.
type LogSink struct {
	logger zerolog.Logger

	mu     sync.Mutex
	voice  string
	spoken []string
}

// NewLogSink creates a sink that logs every utterance at info level
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

// Name returns the engine identifier
func (s *LogSink) Name() string {
	return "log"
}

// SetVoice records the voice; it only appears in log lines
func (s *LogSink) SetVoice(id string) error {
	s.mu.Lock()
	s.voice = id
	s.mu.Unlock()
	return nil
}

// Speak logs text and completes immediately
func (s *LogSink) Speak(_ context.Context, text string) (<-chan Completion, error) {
	start := time.Now()
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	voice := s.voice
	s.mu.Unlock()

	s.logger.Info().Str("voice", voice).Str("text", text).Msg("Speak")
	return complete(Completion{Duration: time.Since(start)}), nil
}

// Spoken returns every text passed to Speak, in order
func (s *LogSink) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// ListVoices returns the single placeholder voice
func (s *LogSink) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{{ID: "default", Name: "default"}}, nil
}

// Close is a no-op
func (s *LogSink) Close() error {
	return nil
}
