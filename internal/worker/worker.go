// Package worker runs the single consumer of the work queue. It owns the
// speech sink and speaks one request at a time, in arrival order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/lexiqai/readsock/internal/observability"
	"github.com/lexiqai/readsock/internal/queue"
	"github.com/lexiqai/readsock/internal/sink"
)

// StartupMessage is spoken when the worker comes up with announcements on.
const StartupMessage = "Starting voice process"

// SinkFactory builds the sink. It is called on the worker's own OS thread
// with the context passed to Run.
type SinkFactory func(ctx context.Context) (sink.Sink, error)

// Options configures a Worker.
type Options struct {
	Announce bool
}

// Worker drains a queue.Queue into a sink.Sink.
type Worker struct {
	queue    *queue.Queue
	newSink  SinkFactory
	announce bool
	logger   zerolog.Logger

	running atomic.Bool
	done    chan struct{}
}

// New creates a worker. Run must be called exactly once.
func New(q *queue.Queue, newSink SinkFactory, opts Options, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:    q,
		newSink:  newSink,
		announce: opts.Announce,
		logger:   logger.With().Str("component", "worker").Logger(),
		done:     make(chan struct{}),
	}
}

// Run builds the sink and speaks queued items until a Stop marker is
// dequeued or ctx ends. Cancelling ctx aborts the utterance in progress.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	// The sink and every call into it stay on this thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s, err := w.newSink(ctx)
	if err != nil {
		observability.RecordError("sink_init", "worker")
		return fmt.Errorf("failed to create sink: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to close sink")
		}
	}()

	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info().Str("sink", s.Name()).Msg("Worker started")

	if w.announce {
		w.speak(ctx, s, StartupMessage)
	}

	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Worker cancelled")
			return nil
		}
		if item.Stop {
			w.logger.Info().Msg("Stop marker received, worker exiting")
			return nil
		}

		observability.ObserveQueueWait(time.Since(item.EnqueuedAt))

		text := Sanitize(item.Text)
		if text == "" {
			w.logger.Debug().Str("conn_id", item.ConnID).Msg("Skipping empty request")
			continue
		}
		w.logger.Debug().
			Str("conn_id", item.ConnID).
			Str("source", item.Source).
			Int("chars", len(text)).
			Msg("Speaking request")

		if !w.speak(ctx, s, text) && ctx.Err() != nil {
			w.logger.Warn().Msg("Worker cancelled during utterance")
			return nil
		}
	}
}

// speak runs one utterance and waits for its completion. It reports
// whether the utterance finished without error.
func (w *Worker) speak(ctx context.Context, s sink.Sink, text string) bool {
	start := time.Now()
	completion, err := s.Speak(ctx, text)
	if err != nil {
		observability.RecordUtterance(false, time.Since(start))
		observability.RecordError(speakErrorType(err), "worker")
		w.logger.Error().Err(err).Msg("Failed to start utterance")
		return false
	}

	var c sink.Completion
	select {
	case res, ok := <-completion:
		if ok {
			c = res
		}
	case <-ctx.Done():
		// Sinks abort on ctx; wait briefly so the engine is not left running
		select {
		case res := <-completion:
			c = res
		case <-time.After(time.Second):
			c = sink.Completion{Err: ctx.Err()}
		}
	}
	if c.Duration == 0 {
		c.Duration = time.Since(start)
	}

	observability.RecordUtterance(c.Err == nil, c.Duration)
	if c.Err != nil {
		observability.RecordError(speakErrorType(c.Err), "worker")
		w.logger.Error().Err(c.Err).Dur("duration", c.Duration).Msg("Utterance failed")
		return false
	}
	w.logger.Debug().Dur("duration", c.Duration).Msg("Utterance complete")
	return true
}

func speakErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "speak_timeout"
	case errors.Is(err, context.Canceled):
		return "speak_cancelled"
	default:
		return "speak"
	}
}

// Stop asks the worker to exit after the items queued before it. It never
// interrupts the utterance in progress and may block while the queue is
// full. Calls after the worker has exited return immediately.
func (w *Worker) Stop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	select {
	case <-w.done:
		return
	default:
	}
	if err := w.queue.Enqueue(ctx, queue.StopItem()); err != nil {
		w.logger.Debug().Msg("Worker exited before stop marker was queued")
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Running reports whether the sink is up and the loop is consuming.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Sanitize keeps only printable ASCII: letters, digits, punctuation, space
// and the whitespace controls \t \n \r \v \f.
func Sanitize(text string) string {
	out, _, err := transform.String(runes.Remove(runes.Predicate(notPrintable)), text)
	if err != nil {
		return ""
	}
	return out
}

func notPrintable(r rune) bool {
	switch {
	case r >= 0x20 && r < 0x7f:
		return false
	case r == '\t', r == '\n', r == '\r', r == '\v', r == '\f':
		return false
	}
	return true
}
