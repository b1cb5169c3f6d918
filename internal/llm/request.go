package llm

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/parley-ai/parley/internal/history"
)

// defaultMaxTokens is used when the caller leaves MaxTokens unset; the
// Anthropic Messages API requires the field.
const defaultMaxTokens = 1024

// Params are the generation knobs sent with a request. Pointer fields
// distinguish "unset" from an explicit zero so overrides merge cleanly.
type Params struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	TopP        *float64 `yaml:"top_p"`
	Stop        []string `yaml:"stop"`
}

// Merge returns p overlaid with override, field by field. Unset override
// fields fall back to the receiver's values.
func (p Params) Merge(override Params) Params {
	out := p
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	return out
}

// Request is a fully resolved completion request: the replayed conversation
// plus merged generation parameters.
type Request struct {
	Messages []history.Message
	Params   Params
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildBody marshals the request into the provider's wire format. The base
// payload is built from structs; optional knobs are patched in with sjson so
// absent fields stay absent (some models reject explicit nulls or zeroes).
func buildBody(provider string, req *Request, stream bool) ([]byte, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var body []byte
	var err error

	switch provider {
	case ProviderAnthropic, ProviderBedrock:
		// Anthropic carries system text in a top-level field, not the
		// message list. Multiple system turns are joined in order.
		system := ""
		msgs := make([]wireMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Role == history.RoleSystem {
				if system != "" {
					system += "\n\n"
				}
				system += m.Content
				continue
			}
			msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
		}

		payload := struct {
			Model            string        `json:"model"`
			MaxTokens        int           `json:"max_tokens"`
			System           string        `json:"system,omitempty"`
			Messages         []wireMessage `json:"messages"`
			AnthropicVersion string        `json:"anthropic_version,omitempty"`
		}{
			Model:     req.Params.Model,
			MaxTokens: maxTokens,
			System:    system,
			Messages:  msgs,
		}
		if provider == ProviderBedrock {
			payload.AnthropicVersion = bedrockAnthropicVersion
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", provider, err)
		}
		if req.Params.Stop != nil {
			if body, err = sjson.SetBytes(body, "stop_sequences", req.Params.Stop); err != nil {
				return nil, err
			}
		}

	default: // openai
		msgs := make([]wireMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
		}
		payload := struct {
			Model               string        `json:"model"`
			Messages            []wireMessage `json:"messages"`
			MaxCompletionTokens int           `json:"max_completion_tokens"`
		}{
			Model:               req.Params.Model,
			Messages:            msgs,
			MaxCompletionTokens: maxTokens,
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal openai request: %w", err)
		}
		if req.Params.Stop != nil {
			if body, err = sjson.SetBytes(body, "stop", req.Params.Stop); err != nil {
				return nil, err
			}
		}
	}

	if req.Params.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *req.Params.Temperature); err != nil {
			return nil, err
		}
	}
	if req.Params.TopP != nil {
		if body, err = sjson.SetBytes(body, "top_p", *req.Params.TopP); err != nil {
			return nil, err
		}
	}
	if stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
		// OpenAI only reports usage on streams when asked.
		if provider != ProviderAnthropic && provider != ProviderBedrock {
			if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
				return nil, err
			}
		}
	}

	return body, nil
}
