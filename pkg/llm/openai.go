package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient streams chat completions from an OpenAI-style or Azure-style
// endpoint. Azure semantics apply when Deployment is set.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	model      string
	deployment string
	apiVersion string
	client     *http.Client
}

// Config holds LLM client configuration.
type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	Deployment string // non-empty selects the Azure URL and auth scheme
	APIVersion string
	Timeout    time.Duration
}

// NewOpenAIClient builds a streaming client.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &OpenAIClient{
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) url() string {
	if c.deployment != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.endpoint, c.deployment, c.apiVersion)
	}
	return c.endpoint + "/v1/chat/completions"
}

type wireRequest struct {
	Model         string    `json:"model,omitempty"`
	Messages      []Message `json:"messages"`
	Tools         []Tool    `json:"tools,omitempty"`
	Temperature   float64   `json:"temperature"`
	Stream        bool      `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// StreamChatCompletion opens a server-sent-event stream and converts it into
// StreamChunk events. The returned channel closes when the provider sends
// [DONE], the context is cancelled, or an error is emitted.
func (c *OpenAIClient) StreamChatCompletion(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	wr := wireRequest{
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		Stream:      true,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}
	if c.deployment == "" {
		wr.Model = req.Model
		if wr.Model == "" {
			wr.Model = c.model
		}
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.deployment != "" {
		httpReq.Header.Set("api-key", c.apiKey)
	} else if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("completion request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan StreamChunk)
	go c.readStream(resp.Body, out)
	return out, nil
}

func (c *OpenAIClient) readStream(body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("failed to decode stream chunk: %w", err)}
			return
		}
		out <- toStreamChunk(wc)
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Err: fmt.Errorf("completion stream read failed: %w", err)}
	}
}

func toStreamChunk(wc wireChunk) StreamChunk {
	var chunk StreamChunk
	if wc.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     wc.Usage.PromptTokens,
			CompletionTokens: wc.Usage.CompletionTokens,
			CachedTokens:     wc.Usage.PromptTokensDetails.CachedTokens,
		}
	}
	if len(wc.Choices) == 0 {
		return chunk
	}

	choice := wc.Choices[0]
	chunk.ContentDelta = choice.Delta.Content
	chunk.FinishReason = choice.FinishReason
	for _, tc := range choice.Delta.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return chunk
}
