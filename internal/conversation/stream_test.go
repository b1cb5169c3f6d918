package conversation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
)

// sseServer streams the given OpenAI-format SSE lines.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newStreamManager(t *testing.T, endpoint string, cfg Config) *Manager {
	t.Helper()
	client, err := llm.NewHTTPClient(llm.Options{
		Provider: llm.ProviderOpenAI,
		Endpoint: endpoint,
		APIKey:   "test-key",
	})
	require.NoError(t, err)
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = "test-model"
	}
	store := history.NewMemoryStore(10, time.Minute, time.Minute)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, client, cfg)
}

func TestAskStream_ConcatenationEqualsCommittedMessage(t *testing.T) {
	srv := sseServer(t,
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo "}}]}`,
		`data: {"choices":[{"delta":{"content":"world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":3}}`,
		`data: [DONE]`,
	)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	parts, err := m.AskStream(context.Background(), "", "hi", llm.Params{})
	require.NoError(t, err)

	var concat string
	var final *Partial
	for p := range parts {
		if p.Done {
			p := p
			final = &p
			continue
		}
		concat += p.Delta
	}

	require.NotNil(t, final)
	require.NoError(t, final.Err)
	require.NotNil(t, final.Response)
	assert.Equal(t, "Hello world", concat)
	assert.Equal(t, "Hello world", final.Response.Content)
	assert.Equal(t, "stop", final.Response.FinishReason)
	assert.Equal(t, llm.Usage{InputTokens: 8, OutputTokens: 3}, final.Response.Usage)

	// The committed assistant turn equals the concatenated deltas.
	got := m.GetConversation(final.Response.ConversationID)
	require.Len(t, got, 2)
	assert.Equal(t, history.RoleAssistant, got[1].Role)
	assert.Equal(t, "Hello world", got[1].Content)
}

func TestAskStream_EmptyMessage(t *testing.T) {
	srv := sseServer(t)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	_, err := m.AskStream(context.Background(), "", "   ", llm.Params{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAskStream_AbnormalEndDiscardsBuffer(t *testing.T) {
	// Stream drops before [DONE]: nothing is committed, the user turn stays.
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"partial "}}]}`,
		`data: {"choices":[{"delta":{"content":"reply"}}]}`,
	)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	parts, err := m.AskStream(context.Background(), "", "hi", llm.Params{})
	require.NoError(t, err)

	var id string
	var finalErr error
	var sawDelta bool
	for p := range parts {
		id = p.ConversationID
		if p.Done {
			finalErr = p.Err
			continue
		}
		sawDelta = true
	}

	assert.True(t, sawDelta, "deltas are revealed even when the stream later fails")
	var apiErr *llm.APIError
	require.ErrorAs(t, finalErr, &apiErr)

	got := m.GetConversation(id)
	require.Len(t, got, 1, "only the user turn survives an abnormal stream")
	assert.Equal(t, history.RoleUser, got[0].Role)
}

func TestAskStream_UpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	parts, err := m.AskStream(context.Background(), "", "hi", llm.Params{})
	require.NoError(t, err)

	var finalErr error
	for p := range parts {
		if p.Done {
			finalErr = p.Err
		}
	}

	var apiErr *llm.APIError
	require.ErrorAs(t, finalErr, &apiErr)
	assert.Equal(t, llm.KindRateLimit, apiErr.Kind)
}

func TestAskStream_SuppressedUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: false})

	parts, err := m.AskStream(context.Background(), "", "hi", llm.Params{})
	require.NoError(t, err)

	var final *Partial
	for p := range parts {
		if p.Done {
			p := p
			final = &p
		}
	}

	require.NotNil(t, final)
	assert.NoError(t, final.Err)
	require.NotNil(t, final.Response)
	assert.NotEmpty(t, final.Response.Err)
	assert.Empty(t, final.Response.Content)
}

func TestAskStream_CancellationCommitsNothing(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	ctx, cancel := context.WithCancel(context.Background())
	parts, err := m.AskStream(ctx, "", "hi", llm.Params{})
	require.NoError(t, err)

	first := <-parts
	require.Equal(t, "Hel", first.Delta)
	id := first.ConversationID
	cancel()

	for range parts {
	}

	got := m.GetConversation(id)
	require.Len(t, got, 1, "partial reply is discarded on cancellation")
	assert.Equal(t, history.RoleUser, got[0].Role)
}

func TestAskStream_SequentialCallsShareHistory(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	m := newStreamManager(t, srv.URL, Config{ThrowOnError: true})

	drain := func(parts <-chan Partial) string {
		var id string
		for p := range parts {
			id = p.ConversationID
		}
		return id
	}

	parts, err := m.AskStream(context.Background(), "", "first", llm.Params{})
	require.NoError(t, err)
	id := drain(parts)

	parts, err = m.AskStream(context.Background(), id, "second", llm.Params{})
	require.NoError(t, err)
	drain(parts)

	got := m.GetConversation(id)
	require.Len(t, got, 4)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "ok", got[1].Content)
	assert.Equal(t, "second", got[2].Content)
	assert.Equal(t, "ok", got[3].Content)
}
