package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/parley-ai/parley/internal/history"
)

func newTestClient(t *testing.T, provider, endpoint string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(Options{Provider: provider, Endpoint: endpoint, APIKey: "test-key"})
	require.NoError(t, err)
	return c
}

func userRequest(text string) *Request {
	return &Request{
		Messages: []history.Message{msg(history.RoleUser, text)},
		Params:   Params{Model: "test-model"},
	}
}

func TestDetectProvider(t *testing.T) {
	assert.Equal(t, ProviderAnthropic, DetectProvider("https://api.anthropic.com/v1/messages"))
	assert.Equal(t, ProviderBedrock, DetectProvider("https://bedrock-runtime.us-east-1.amazonaws.com/model/x/invoke"))
	assert.Equal(t, ProviderOpenAI, DetectProvider("https://api.openai.com/v1/chat/completions"))
	assert.Equal(t, ProviderOpenAI, DetectProvider("http://localhost:11434/v1/chat/completions"))
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(Options{})
	assert.Error(t, err)

	_, err = NewHTTPClient(Options{Endpoint: "https://api.openai.com/v1/chat/completions"})
	assert.Error(t, err, "api key required for non-bedrock providers")

	_, err = NewHTTPClient(Options{Provider: ProviderBedrock, Endpoint: "https://bedrock-runtime.amazonaws.com/x"})
	assert.NoError(t, err, "bedrock authenticates via signing, not a key")
}

func TestComplete_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderOpenAI, srv.URL)
	got, err := c.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, "stop", got.FinishReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, got.Usage)
}

func TestComplete_Anthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		fmt.Fprint(w, `{
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderAnthropic, srv.URL)
	got, err := c.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, "end_turn", got.FinishReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, got.Usage)
}

func TestComplete_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{400, KindBadRequest},
		{500, KindServer},
		{503, KindServer},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tc.status)
			}))
			defer srv.Close()

			c := newTestClient(t, ProviderOpenAI, srv.URL)
			_, err := c.Complete(context.Background(), userRequest("hi"))

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.kind, apiErr.Kind)
			assert.Equal(t, tc.status, apiErr.StatusCode)
		})
	}
}

func TestComplete_TransportError(t *testing.T) {
	c := newTestClient(t, ProviderOpenAI, "http://127.0.0.1:1") // nothing listens here

	_, err := c.Complete(context.Background(), userRequest("hi"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindNetwork, apiErr.Kind)
	assert.Zero(t, apiErr.StatusCode)
}

func TestComplete_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, ProviderOpenAI, srv.URL)
	_, err := c.Complete(ctx, userRequest("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// sseHandler writes the given SSE lines and optionally leaves the stream
// unterminated to simulate a connection drop.
func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := gjsonBody(r)
		require.NoError(t, err)
		assert.True(t, body.Get("stream").Bool(), "streaming request must set stream=true")

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}
}

func gjsonBody(r *http.Request) (gjson.Result, error) {
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(buf), nil
}

func collect(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var got string
	for d := range s.Deltas() {
		got += d.Text
	}
	return got, s.Err()
}

func TestCompleteStream_OpenAI(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderOpenAI, srv.URL)
	s, err := c.CompleteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	got, serr := collect(t, s)
	require.NoError(t, serr)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, "stop", s.FinishReason())
	assert.Equal(t, "gpt-4o", s.Model())
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 2}, s.Usage())
}

func TestCompleteStream_Anthropic(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":9}}}`,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`data: {"type":"message_stop"}`,
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderAnthropic, srv.URL)
	s, err := c.CompleteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	got, serr := collect(t, s)
	require.NoError(t, serr)
	assert.Equal(t, "Hello", got)
	assert.Equal(t, "end_turn", s.FinishReason())
	assert.Equal(t, "claude-sonnet-4-5", s.Model())
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 2}, s.Usage())
}

func TestCompleteStream_DropWithoutEndMarker(t *testing.T) {
	// Stream ends without [DONE]: the client must report an abnormal end.
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderOpenAI, srv.URL)
	s, err := c.CompleteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	got, serr := collect(t, s)
	assert.Equal(t, "partial", got)
	var apiErr *APIError
	require.ErrorAs(t, serr, &apiErr)
	assert.Equal(t, KindNetwork, apiErr.Kind)
}

func TestCompleteStream_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderOpenAI, srv.URL)
	_, err := c.CompleteStream(context.Background(), userRequest("hi"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimit, apiErr.Kind)
}

func TestCompleteStream_MidStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`data: {"type":"content_block_delta","delta":{"text":"Hel"}}`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
	}))
	defer srv.Close()

	c := newTestClient(t, ProviderAnthropic, srv.URL)
	s, err := c.CompleteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	_, serr := collect(t, s)
	var apiErr *APIError
	require.ErrorAs(t, serr, &apiErr)
	assert.Equal(t, KindServer, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "overloaded")
}

func TestCompleteStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		<-release // hold the stream open until the test finishes
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, ProviderOpenAI, srv.URL)
	s, err := c.CompleteStream(ctx, userRequest("hi"))
	require.NoError(t, err)

	<-s.Deltas() // first delta arrives
	cancel()

	for range s.Deltas() {
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}
