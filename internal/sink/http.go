package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/resilience"
)

// HTTPSink speaks through a local TTS server that plays audio itself and
// answers a speak request once playback has finished.
//
//	POST {base}/speak   {"text": "...", "voice": "..."}  -> 200 when done
//	GET  {base}/voices  -> [{"id": "...", "name": "...", "language": "..."}]
//	GET  {base}/health  -> 200
type HTTPSink struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger

	mu     sync.Mutex
	voice  string
	active bool
}

// SpeakRequest is the payload posted to the TTS server
type SpeakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// HTTPSinkOptions configures an HTTPSink.
type HTTPSinkOptions struct {
	BaseURL        string
	Timeout        time.Duration // Per request, zero means none
	CircuitBreaker *resilience.CircuitBreaker
	Retry          *resilience.RetryConfig // Used by Probe only
}

// NewHTTPSink creates a new HTTP speech sink
func NewHTTPSink(opts HTTPSinkOptions, logger zerolog.Logger) *HTTPSink {
	cb := opts.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker("http-sink", 5, 30*time.Second)
	}
	return &HTTPSink{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: opts.Timeout},
		circuitBreaker: cb,
		retryConfig:    opts.Retry,
		logger:         logger.With().Str("sink", "http").Str("url", opts.BaseURL).Logger(),
	}
}

// Name returns the engine identifier
func (s *HTTPSink) Name() string {
	return "http"
}

// SetVoice selects the voice sent with every request
func (s *HTTPSink) SetVoice(id string) error {
	s.mu.Lock()
	s.voice = id
	s.mu.Unlock()
	return nil
}

// Probe checks that the TTS server answers, retrying transient network
// errors. It gives up after listTimeout or when ctx ends.
func (s *HTTPSink) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	return resilience.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return resilience.NewRetryableError(fmt.Errorf("tts server health returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tts server health returned status %d", resp.StatusCode)
		}
		return nil
	}, s.retryConfig, resilience.IsRetryableNetworkError)
}

// Speak posts text and completes when the server responds
func (s *HTTPSink) Speak(ctx context.Context, text string) (<-chan Completion, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if !s.circuitBreaker.Allow() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", resilience.ErrCircuitOpen, s.circuitBreaker.GetState())
	}
	s.active = true
	voice := s.voice
	s.mu.Unlock()

	body, err := json.Marshal(SpeakRequest{Text: text, Voice: voice})
	if err != nil {
		s.finish(false)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/speak", bytes.NewReader(body))
	if err != nil {
		s.finish(false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	done := make(chan Completion, 1)
	go func() {
		defer close(done)

		err := s.do(req)
		s.finish(err == nil)
		if err != nil {
			s.logger.Debug().Err(err).Msg("TTS server request failed")
		}
		done <- Completion{Err: err, Duration: time.Since(start)}
	}()
	return done, nil
}

func (s *HTTPSink) do(req *http.Request) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts server returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) finish(success bool) {
	s.circuitBreaker.RecordResult(success)
	if !success {
		observability.IncrementCircuitBreakerFailures(s.circuitBreaker.Name())
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// ListVoices asks the server for its voices
func (s *HTTPSink) ListVoices(ctx context.Context) ([]Voice, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrVoicesUnsupported
	default:
		return nil, fmt.Errorf("tts server returned status %d", resp.StatusCode)
	}

	var voices []Voice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}
	return voices, nil
}

// CircuitStats reports the breaker state and the failure rate of speak
// requests in percent.
func (s *HTTPSink) CircuitStats() (resilience.CircuitState, float64) {
	state, _, _, failureRate := s.circuitBreaker.GetStats()
	return state, failureRate
}

// Close releases idle connections
func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
