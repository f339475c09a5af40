// Package sink contains the speech engines a worker can drive. Every sink
// speaks one utterance at a time and reports its completion on a channel.
package sink

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned by Speak while a previous utterance is still running.
	ErrBusy = errors.New("sink is already speaking")

	// ErrVoicesUnsupported is returned by ListVoices when the engine cannot enumerate voices.
	ErrVoicesUnsupported = errors.New("voice listing is not supported by this sink")
)

// Completion reports the end of one utterance.
type Completion struct {
	Err      error         // Non-nil if the engine failed; the utterance is not retried
	Duration time.Duration // Time from Speak to completion
}

// Voice describes a voice the engine can use.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// Sink is the capability the worker drives.
type Sink interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// SetVoice selects the voice for subsequent utterances.
	SetVoice(id string) error

	// Speak starts one utterance. The returned channel receives exactly one
	// Completion and is then closed. Calling Speak again before that
	// completion is delivered returns ErrBusy.
	Speak(ctx context.Context, text string) (<-chan Completion, error)

	// ListVoices enumerates the available voices.
	ListVoices(ctx context.Context) ([]Voice, error)

	// Close releases engine resources.
	Close() error
}

// complete delivers c on a fresh, already-closed channel.
func complete(c Completion) <-chan Completion {
	ch := make(chan Completion, 1)
	ch <- c
	close(ch)
	return ch
}
