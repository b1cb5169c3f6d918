// Response assembly: turning upstream completions and delta streams into
// committed assistant turns.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
)

// commit appends the assistant turn to history and builds the caller's
// Response. Caller holds the conversation lock.
func (m *Manager) commit(id string, c *llm.Completion, start time.Time, streamed bool) *Response {
	m.appendChecked(id, history.Message{
		Role:      history.RoleAssistant,
		Content:   c.Content,
		Timestamp: time.Now(),
	})

	if m.cfg.Recorder != nil {
		m.cfg.Recorder.Record(Record{
			ConversationID: id,
			Model:          c.Model,
			Streamed:       streamed,
			FinishReason:   c.FinishReason,
			Usage:          c.Usage,
			Latency:        time.Since(start),
			CreatedAt:      time.Now(),
		})
	}

	log.Debug().
		Str("conversation_id", id).
		Str("model", c.Model).
		Bool("streamed", streamed).
		Dur("latency", time.Since(start)).
		Msg("assistant turn committed")

	return &Response{
		ConversationID: id,
		Role:           history.RoleAssistant,
		Content:        c.Content,
		Model:          c.Model,
		FinishReason:   c.FinishReason,
		Usage:          c.Usage,
	}
}

// runStream owns one streaming exchange end to end: persist the user turn,
// open the upstream stream, forward each delta to out exactly once while
// accumulating it, and on the end-of-stream marker commit the assembled
// message exactly once. Any abnormal end discards the buffer — history
// reflects only fully completed assistant turns.
func (m *Manager) runStream(ctx context.Context, id, text string, override llm.Params, out chan<- Partial) {
	defer close(out)

	unlock := m.locks.lock(id)
	defer unlock()

	req := m.buildRequest(id, text, override)

	start := time.Now()
	stream, err := m.client.CompleteStream(ctx, req)
	if err != nil {
		resp, perr := m.upstreamFailure(id, err)
		if perr != nil {
			m.emit(ctx, out, Partial{ConversationID: id, Done: true, Err: perr})
		} else {
			// Suppressed: the degraded Response carries the error text.
			m.emit(ctx, out, Partial{ConversationID: id, Done: true, Response: resp})
		}
		return
	}
	defer stream.Close()

	var buf strings.Builder
	for delta := range stream.Deltas() {
		buf.WriteString(delta.Text)
		if !m.emit(ctx, out, Partial{ConversationID: id, Delta: delta.Text}) {
			// Caller went away. Cancel upstream, drain the producer, and
			// commit nothing.
			stream.Close()
			for range stream.Deltas() {
			}
			log.Debug().Str("conversation_id", id).Msg("stream cancelled, partial reply discarded")
			return
		}
	}

	if serr := stream.Err(); serr != nil {
		// Abnormal termination: the buffer is discarded, not committed.
		log.Warn().Str("conversation_id", id).Err(serr).Msg("stream ended abnormally, partial reply discarded")
		m.emit(ctx, out, Partial{ConversationID: id, Done: true, Err: serr})
		return
	}

	resp := m.commit(id, &llm.Completion{
		Content:      buf.String(),
		Model:        stream.Model(),
		FinishReason: stream.FinishReason(),
		Usage:        stream.Usage(),
	}, start, true)

	m.emit(ctx, out, Partial{ConversationID: id, Done: true, Response: resp})
}

// emit delivers one partial, abandoning the send if the caller cancelled.
func (m *Manager) emit(ctx context.Context, out chan<- Partial, p Partial) bool {
	select {
	case out <- p:
		return true
	case <-ctx.Done():
		return false
	}
}
