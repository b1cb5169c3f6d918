package llm

import "context"

// Delta is one incremental fragment of a streaming assistant response.
type Delta struct {
	Text string
}

// Stream is a finite sequence of deltas from one upstream call. The
// producer closes Deltas() when the upstream stream ends; Err, Usage and
// FinishReason are valid only after that close (the close is the
// happens-before edge).
type Stream struct {
	ch     chan Delta
	cancel context.CancelFunc

	// written by the producer before closing ch
	err          error
	usage        Usage
	model        string
	finishReason string
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		ch:     make(chan Delta),
		cancel: cancel,
	}
}

// Deltas returns the channel of incremental fragments, in arrival order.
func (s *Stream) Deltas() <-chan Delta { return s.ch }

// Err reports why the stream ended. Nil means the upstream sent its
// end-of-stream marker and the deltas form a complete message.
func (s *Stream) Err() error { return s.err }

// Usage returns upstream-reported token usage, when the provider sent it.
func (s *Stream) Usage() Usage { return s.usage }

// Model returns the model that produced the stream, when reported.
func (s *Stream) Model() string { return s.model }

// FinishReason returns the upstream stop reason, when reported.
func (s *Stream) FinishReason() string { return s.finishReason }

// Close cancels the underlying request. Safe to call at any time, from any
// goroutine, including after the stream has already ended.
func (s *Stream) Close() { s.cancel() }

// send delivers one delta to the consumer, giving up if the context is
// cancelled so an abandoned consumer never leaks the producer goroutine.
func (s *Stream) send(ctx context.Context, d Delta) error {
	select {
	case s.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records err and closes the channel.
func (s *Stream) fail(err error) {
	s.err = err
	close(s.ch)
}

// finish marks a clean end-of-stream.
func (s *Stream) finish() {
	close(s.ch)
}
