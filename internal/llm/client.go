// Package llm is the chat-completion API client.
//
// One HTTPClient speaks both the Anthropic Messages API and the OpenAI
// Chat Completions API, selected by provider (auto-detected from the
// endpoint URL when unset). Bedrock uses the Anthropic wire format with
// AWS SigV4 request signing supplied by a transport RoundTripper.
//
// Complete is single-shot. CompleteStream consumes the provider's SSE
// stream and re-emits it as a channel of Deltas; the stream is finite and
// not restartable. Neither operation retries — retry policy, if any,
// belongs to the caller's transport layer.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Providers understood by the client.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

const (
	// DefaultTimeout bounds single-shot calls. Streams are bounded only
	// by the caller's context.
	DefaultTimeout = 60 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error body in error messages to avoid log bloat.
	maxErrorBodyLen = 500

	// maxSSELineSize bounds a single SSE line; large deltas can exceed
	// bufio.Scanner's default 64KB.
	maxSSELineSize = 1024 * 1024

	// anthropicVersion is the Anthropic API version header value.
	anthropicVersion = "2023-06-01"

	// bedrockAnthropicVersion is the anthropic_version body field for Bedrock.
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// Usage is upstream-reported token accounting. The core never computes
// token counts itself; these numbers come straight off the wire.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is a finished single-shot response.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Client is the external completion service capability.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	CompleteStream(ctx context.Context, req *Request) (*Stream, error)
}

// Options configure an HTTPClient.
type Options struct {
	// Provider overrides endpoint auto-detection. One of "anthropic",
	// "openai", "bedrock".
	Provider string
	Endpoint string
	APIKey   string
	Timeout  time.Duration

	// HTTPClient overrides the default client. For Bedrock, supply one
	// whose transport signs requests (see NewSigningTransport).
	HTTPClient *http.Client
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	provider string
	endpoint string
	apiKey   string
	timeout  time.Duration
	httpc    *http.Client
}

// NewHTTPClient validates opts and builds a client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("llm: endpoint required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = DetectProvider(opts.Endpoint)
	}
	// Bedrock authenticates via SigV4 signing, not an API key.
	if opts.APIKey == "" && provider != ProviderBedrock {
		return nil, fmt.Errorf("llm: api key required for provider %q", provider)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{} // timeouts via context, not client
	}

	return &HTTPClient{
		provider: provider,
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		timeout:  timeout,
		httpc:    httpc,
	}, nil
}

// Provider returns the resolved provider name.
func (c *HTTPClient) Provider() string { return c.provider }

// DetectProvider infers the provider from an endpoint URL. For proxy or
// custom endpoints where the URL is opaque, set Options.Provider explicitly.
func DetectProvider(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "bedrock"):
		return ProviderBedrock
	case strings.Contains(endpoint, "anthropic"):
		return ProviderAnthropic
	default:
		return ProviderOpenAI
	}
}

// Complete issues a single-shot completion call.
func (c *HTTPClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	body, err := buildBody(c.provider, req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(c.provider, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(c.provider, resp.StatusCode, truncate(string(respBody)))
	}

	return c.parseCompletion(respBody)
}

// CompleteStream issues a streaming completion call. The returned Stream's
// channel is closed when the upstream stream ends; check Err afterwards to
// distinguish a clean end-of-stream from a drop or cancellation.
func (c *HTTPClient) CompleteStream(ctx context.Context, req *Request) (*Stream, error) {
	body, err := buildBody(c.provider, req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	resp, err := c.post(ctx, body, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		cancel()
		return nil, statusError(c.provider, resp.StatusCode, truncate(string(errBody)))
	}

	s := newStream(cancel)
	go c.consumeSSE(ctx, resp.Body, s)
	return s, nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(c.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	c.setAuthHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, transportError(c.provider, err)
	}
	return resp, nil
}

func (c *HTTPClient) setAuthHeaders(req *http.Request) {
	switch c.provider {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case ProviderBedrock:
		// SigV4 signing happens in the HTTP transport; no key headers.
	default: // openai
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) parseCompletion(body []byte) (*Completion, error) {
	out := &Completion{}

	switch c.provider {
	case ProviderAnthropic, ProviderBedrock:
		content := gjson.GetBytes(body, "content.0.text")
		if !content.Exists() {
			return nil, statusError(c.provider, http.StatusOK, "response missing content")
		}
		out.Content = content.String()
		out.Model = gjson.GetBytes(body, "model").String()
		out.FinishReason = gjson.GetBytes(body, "stop_reason").String()
		out.Usage.InputTokens = int(gjson.GetBytes(body, "usage.input_tokens").Int())
		out.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.output_tokens").Int())

	default: // openai
		content := gjson.GetBytes(body, "choices.0.message.content")
		if !content.Exists() {
			return nil, statusError(c.provider, http.StatusOK, "response missing choices")
		}
		out.Content = content.String()
		out.Model = gjson.GetBytes(body, "model").String()
		out.FinishReason = gjson.GetBytes(body, "choices.0.finish_reason").String()
		out.Usage.InputTokens = int(gjson.GetBytes(body, "usage.prompt_tokens").Int())
		out.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.completion_tokens").Int())
	}

	return out, nil
}

// consumeSSE reads the provider's SSE stream and feeds s. The stream ends
// cleanly only on the provider's explicit end marker ([DONE] for OpenAI,
// message_stop for Anthropic); EOF without a marker is a dropped
// connection and is reported through s.Err.
func (c *HTTPClient) consumeSSE(ctx context.Context, body io.ReadCloser, s *Stream) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue // event: lines, comments, keep-alives
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data: ")))

		if c.provider == ProviderOpenAI && bytes.Equal(data, []byte("[DONE]")) {
			s.finish()
			return
		}

		done, err := c.applyEvent(ctx, data, s)
		if err != nil {
			s.fail(err)
			return
		}
		if done {
			s.finish()
			return
		}

		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			s.fail(ctx.Err())
			return
		}
		s.fail(transportError(c.provider, err))
		return
	}
	s.fail(transportError(c.provider, fmt.Errorf("stream ended without end-of-stream marker")))
}

// applyEvent processes one SSE data payload. It returns done=true when the
// provider signalled a clean end of stream.
func (c *HTTPClient) applyEvent(ctx context.Context, data []byte, s *Stream) (bool, error) {
	if !gjson.ValidBytes(data) {
		return false, nil // fragments of non-JSON noise are skipped
	}

	switch c.provider {
	case ProviderAnthropic, ProviderBedrock:
		switch gjson.GetBytes(data, "type").String() {
		case "message_start":
			s.model = gjson.GetBytes(data, "message.model").String()
			s.usage.InputTokens = int(gjson.GetBytes(data, "message.usage.input_tokens").Int())
		case "content_block_delta":
			if text := gjson.GetBytes(data, "delta.text"); text.Exists() {
				if err := s.send(ctx, Delta{Text: text.String()}); err != nil {
					return false, err
				}
			}
		case "message_delta":
			if r := gjson.GetBytes(data, "delta.stop_reason"); r.Exists() {
				s.finishReason = r.String()
			}
			if u := gjson.GetBytes(data, "usage.output_tokens"); u.Exists() {
				s.usage.OutputTokens = int(u.Int())
			}
		case "message_stop":
			return true, nil
		case "error":
			msg := gjson.GetBytes(data, "error.message").String()
			return false, &APIError{Kind: KindServer, Provider: c.provider, Message: msg}
		}

	default: // openai
		if m := gjson.GetBytes(data, "model"); m.Exists() && s.model == "" {
			s.model = m.String()
		}
		if text := gjson.GetBytes(data, "choices.0.delta.content"); text.Exists() && text.String() != "" {
			if err := s.send(ctx, Delta{Text: text.String()}); err != nil {
				return false, err
			}
		}
		if r := gjson.GetBytes(data, "choices.0.finish_reason"); r.Exists() && r.String() != "" {
			s.finishReason = r.String()
		}
		if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
			s.usage.InputTokens = int(u.Get("prompt_tokens").Int())
			s.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		}
	}

	return false, nil
}

func truncate(body string) string {
	if len(body) > maxErrorBodyLen {
		return body[:maxErrorBodyLen] + "... (truncated)"
	}
	return body
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
