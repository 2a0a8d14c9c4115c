package pipeline

import (
	"context"
	"io"
	"sync"

	"github.com/finsight/finsight/engine/pkg/models"
)

// ResponseStream is the lazily produced sequence of attributed fragments
// for one execution. Fragments are only generated as the consumer pulls;
// backpressure is the unbuffered channel send.
type ResponseStream struct {
	ch     chan models.ResponseFragment
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

func newResponseStream(cancel context.CancelFunc) *ResponseStream {
	return &ResponseStream{
		ch:     make(chan models.ResponseFragment),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateInit,
	}
}

// Recv blocks until the next fragment is produced. io.EOF signals the end
// of the execution. Ownership of the fragment transfers to the caller.
func (s *ResponseStream) Recv() (models.ResponseFragment, error) {
	frag, ok := <-s.ch
	if !ok {
		return models.ResponseFragment{}, io.EOF
	}
	return frag, nil
}

// Close abandons the stream. The pipeline shuts down the provider stream,
// flushes telemetry for work done so far, and only then returns. Safe to
// call at any time, including after EOF.
func (s *ResponseStream) Close() error {
	s.cancel()
	// Drain so the producer is never stuck mid-send.
	go func() {
		for range s.ch {
		}
	}()
	<-s.done
	return nil
}

// State reports the pipeline state, final once Recv returned io.EOF or
// Close returned.
func (s *ResponseStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ResponseStream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// emit delivers one fragment, honoring consumer cancellation. Returns
// false when the execution context is gone.
func (s *ResponseStream) emit(ctx context.Context, frag models.ResponseFragment) bool {
	select {
	case s.ch <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ResponseStream) finish() {
	close(s.ch)
	close(s.done)
}
