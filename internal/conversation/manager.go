// Package conversation is the lifecycle controller: it owns conversation
// identifiers, replays cached history into outgoing completion requests,
// and commits assistant replies back to the cache.
//
// DESIGN: The upstream chat-completion API is stateless — every request
// must carry the whole dialogue. The Manager bridges that gap: Setup/Ask/
// AskStream resolve a conversation id, read retained history from the
// store, merge generation parameters (per-call override wins field by
// field), dispatch, and append the assistant turn on success.
//
// WRITE POLICY: The user message is persisted before the upstream call;
// the assistant reply is appended only after a successful completion. A
// failed call therefore keeps the user's turn in history, so a retry does
// not need to resend it, and history never contains half of an exchange
// the model actually completed.
//
// CONCURRENCY: A per-conversation mutex is held across the whole
// read–call–commit sequence, so concurrent Asks on one conversation
// serialize in lock-acquisition order and never drop a turn. Distinct
// conversations run fully in parallel.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
)

// Config carries the Manager's immutable settings, snapshotted at
// construction time.
type Config struct {
	// Defaults are the process-wide generation parameters. Per-call
	// overrides win field by field.
	Defaults llm.Params

	// ThrowOnError selects upstream failure handling: true propagates the
	// error to the caller, false converts it into a degraded Response
	// whose Err field is populated.
	ThrowOnError bool

	// Recorder optionally receives per-completion metadata. Nil disables
	// recording.
	Recorder Recorder
}

// Manager orchestrates conversations over a history.Store and an
// llm.Client.
type Manager struct {
	store  history.Store
	client llm.Client
	locks  *keyedMutex
	cfg    Config
}

// NewManager creates a Manager. The store and client are borrowed, not
// owned: Close them where they were created.
func NewManager(store history.Store, client llm.Client, cfg Config) *Manager {
	return &Manager{
		store:  store,
		client: client,
		locks:  newKeyedMutex(),
		cfg:    cfg,
	}
}

// Setup creates or resets a conversation anchored by a system message and
// returns its identifier. An empty id generates a fresh one. Idempotent
// for a given id and message.
func (m *Manager) Setup(id, systemText string) (string, error) {
	if strings.TrimSpace(systemText) == "" {
		return "", fmt.Errorf("%w: empty system message", ErrInvalidArgument)
	}
	id, err := m.resolveID(id)
	if err != nil {
		return "", err
	}

	unlock := m.locks.lock(id)
	defer unlock()

	m.store.Reset(id, history.Message{
		Role:      history.RoleSystem,
		Content:   systemText,
		Timestamp: time.Now(),
	})

	log.Debug().Str("conversation_id", id).Msg("conversation setup")
	return id, nil
}

// Ask sends one user turn and returns the assistant's reply. An empty id
// starts a fresh conversation with no system framing. The override params
// are merged over the process defaults.
func (m *Manager) Ask(ctx context.Context, id, text string, override llm.Params) (*Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	id, err := m.resolveID(id)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(id)
	defer unlock()

	req := m.buildRequest(id, text, override)

	start := time.Now()
	completion, err := m.client.Complete(ctx, req)
	if err != nil {
		return m.upstreamFailure(id, err)
	}

	resp := m.commit(id, completion, start, false)
	return resp, nil
}

// AskStream is Ask with a progressive reveal: it returns a finite channel
// of Partials, one per upstream delta in arrival order, terminated by a
// single Done element carrying either the assembled Response or the error
// that ended the stream. The channel is produced by one upstream call and
// is not restartable.
//
// If the stream ends before the upstream end-of-stream marker — error,
// connection drop, or ctx cancellation — the accumulated fragments are
// discarded and nothing is committed to history.
func (m *Manager) AskStream(ctx context.Context, id, text string, override llm.Params) (<-chan Partial, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	id, err := m.resolveID(id)
	if err != nil {
		return nil, err
	}

	out := make(chan Partial)
	go m.runStream(ctx, id, text, override, out)
	return out, nil
}

// GetConversation returns the conversation's retained history, oldest
// first. Unknown and expired ids read as empty; this never fails.
func (m *Manager) GetConversation(id string) []history.Message {
	return m.store.Get(id)
}

// DeleteConversation removes the conversation entirely. No-op if absent.
func (m *Manager) DeleteConversation(id string) {
	m.store.Delete(id)
	log.Debug().Str("conversation_id", id).Msg("conversation deleted")
}

// resolveID validates a caller-supplied identifier or generates a fresh
// one. Identifiers are opaque 128-bit tokens; anything that does not parse
// as one is malformed.
func (m *Manager) resolveID(id string) (string, error) {
	if id == "" {
		return uuid.NewString(), nil
	}
	if err := uuid.Validate(id); err != nil {
		return "", fmt.Errorf("%w: malformed conversation id %q", ErrInvalidArgument, id)
	}
	return id, nil
}

// buildRequest persists the user turn and assembles the outgoing request
// from the store's current view of the conversation. Caller holds the
// conversation lock.
func (m *Manager) buildRequest(id, text string, override llm.Params) *llm.Request {
	m.appendChecked(id, history.Message{
		Role:      history.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})

	return &llm.Request{
		Messages: m.store.Get(id),
		Params:   m.cfg.Defaults.Merge(override),
	}
}

// upstreamFailure applies the ThrowOnError policy to a failed call.
// History keeps the already-persisted user turn either way.
func (m *Manager) upstreamFailure(id string, err error) (*Response, error) {
	log.Warn().Str("conversation_id", id).Err(err).Msg("completion failed")
	if m.cfg.ThrowOnError {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return &Response{ConversationID: id, Role: history.RoleAssistant, Err: err.Error()}, nil
}

// appendChecked appends to the store and downgrades a cache invariant
// violation to a log line: the store has already reset the entry, and
// corrupting the caller's call over it helps nobody.
func (m *Manager) appendChecked(id string, msg history.Message) {
	if err := m.store.Append(id, msg); err != nil {
		log.Error().Str("conversation_id", id).Err(err).Msg("history invariant violation, entry reset")
	}
}
