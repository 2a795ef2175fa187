package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	endpoint  string
	apiKey    string
	model     string
	dimension int
	client    *http.Client

	// totalTokens accumulates provider-reported usage for cost metering.
	totalTokens atomic.Int64
}

// Config holds embedder configuration.
type Config struct {
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible endpoint.
func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = 1536
	}
	return &OpenAIEmbedder{
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: dim,
		client:    &http.Client{Timeout: timeout},
	}
}

// Dimension returns the fixed vector dimension.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// TakeTokens returns and resets the accumulated token count since the last
// call. Callers use it to attach embedding cost to the operation that
// triggered it.
func (e *OpenAIEmbedder) TakeTokens() int {
	return int(e.totalTokens.Swap(0))
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds a batch of texts, preserving order.
func (e *OpenAIEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingsRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	e.totalTokens.Add(int64(parsed.Usage.PromptTokens))

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
