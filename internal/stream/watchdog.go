// Package stream supervises long-lived token streams from a generative
// backend with two independent, sequential timeout guards.
//
// The two guards exist because two failure modes must be told apart: a
// provider that never starts responding (dead) and one that starts and then
// stalls (hung). Callers pick retry strategy and log severity per case, so
// each raises its own error — the only error class in this core that is
// intentionally surfaced rather than degraded.
//
// The watchdog is pure control flow: it is not backed by the key-value
// store, spawns no workers beyond the single forwarding goroutine, and
// buffers nothing beyond the one in-flight chunk.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/chat-sync/internal/config"
)

// Chunk is a single token chunk delivered during a streaming response.
type Chunk struct {
	Content      string
	FinishReason string
}

// ErrFirstChunkTimeout reports a provider that never started responding:
// the first-chunk deadline elapsed with zero chunks received.
var ErrFirstChunkTimeout = errors.New("stream: no first chunk before deadline")

// HungStreamError reports a provider that started responding and then
// stalled past the inter-chunk deadline.
type HungStreamError struct {
	// ChunksReceived is how many chunks arrived before the stall, for
	// diagnostics and partial-output accounting.
	ChunksReceived int
	// Wait is the configured inter-chunk deadline that elapsed.
	Wait time.Duration
}

func (e *HungStreamError) Error() string {
	return fmt.Sprintf("stream: hung after %d chunks (no chunk within %s)", e.ChunksReceived, e.Wait)
}

// Options configures one guarded stream.
type Options struct {
	// FirstChunkTimeout caps the wait for the first chunk. Must be > 0.
	FirstChunkTimeout time.Duration

	// InterChunkTimeout caps the wait between consecutive chunks, measured
	// from the previous chunk. ≤ 0 disables the guard (unbounded wait —
	// legacy behaviour).
	InterChunkTimeout time.Duration
}

// DefaultOptions returns the standard-model timeouts from cfg.
func DefaultOptions(cfg config.WatchdogConfig) Options {
	return Options{FirstChunkTimeout: cfg.FirstChunk, InterChunkTimeout: cfg.InterChunk}
}

// ReasoningOptions returns the relaxed timeouts for slow-start reasoning
// backends.
func ReasoningOptions(cfg config.WatchdogConfig) Options {
	return Options{FirstChunkTimeout: cfg.ReasoningFirstChunk, InterChunkTimeout: cfg.ReasoningInterChunk}
}

// Watch reports how a guarded stream terminated.
type Watch struct {
	err  error
	done chan struct{}
}

// Err returns the terminal error of the stream: nil on clean completion,
// ErrFirstChunkTimeout (wrapped), *HungStreamError, or the consumer's
// context error. It blocks until the guarded channel has closed; when
// called after draining the output channel it returns immediately.
func (w *Watch) Err() error {
	<-w.done
	return w.err
}

// Guard wraps src with the two timeout phases and forwards chunks to the
// returned channel as they arrive.
//
// stop is the upstream release hook (typically the provider request's
// cancel). It is invoked on either timeout and on consumer cancellation, so
// the provider connection is explicitly closed rather than abandoned. It is
// not invoked on clean completion — the provider already finished. stop may
// be nil.
//
// src closing before the first chunk is a normal empty-result completion,
// not a timeout. The output channel is closed on any termination; inspect
// Watch.Err afterwards.
func Guard(ctx context.Context, src <-chan Chunk, stop func(), opts Options) (<-chan Chunk, *Watch) {
	out := make(chan Chunk)
	w := &Watch{done: make(chan struct{})}

	go func() {
		defer close(out)
		defer close(w.done)

		fail := func(err error) {
			w.err = err
			if stop != nil {
				stop()
			}
		}

		timer := time.NewTimer(opts.FirstChunkTimeout)
		defer timer.Stop()

		// Phase 1 — awaiting the first chunk.
		var received int
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return
		case chunk, ok := <-src:
			if !ok {
				return // empty stream, clean completion
			}
			if !forward(ctx, out, chunk) {
				fail(ctx.Err())
				return
			}
			received = 1
		case <-timer.C:
			fail(fmt.Errorf("%w (waited %s)", ErrFirstChunkTimeout, opts.FirstChunkTimeout))
			return
		}

		// Phase 2 — streaming; the deadline restarts on every chunk.
		for {
			var timeout <-chan time.Time
			if opts.InterChunkTimeout > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(opts.InterChunkTimeout)
				timeout = timer.C
			}

			select {
			case <-ctx.Done():
				fail(ctx.Err())
				return
			case chunk, ok := <-src:
				if !ok {
					return
				}
				if !forward(ctx, out, chunk) {
					fail(ctx.Err())
					return
				}
				received++
			case <-timeout:
				fail(&HungStreamError{ChunksReceived: received, Wait: opts.InterChunkTimeout})
				return
			}
		}
	}()

	return out, w
}

// forward hands one chunk to the consumer, bailing out if the consumer's
// context ends first. The consumer's read pace is not guarded — only the
// producer side has deadlines.
func forward(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
