package chunker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/connexus-ai/entityrag/pkg/log"
)

// pollCap bounds the exponential backoff between status polls.
const pollCap = 5 * time.Second

// HTTPChunker submits files to the external chunking service and polls until
// the result is ready. When the service is unreachable it degrades to the
// fixed-size fallback so ingestion never hard-fails on chunking.
type HTTPChunker struct {
	baseURL  string
	client   *http.Client
	fallback *FixedSizeChunker
}

// NewHTTPChunker creates a chunker client. An empty baseURL means the
// fallback is always used.
func NewHTTPChunker(baseURL string) *HTTPChunker {
	return &HTTPChunker{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		fallback: NewFixedSizeChunker(),
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type resultResponse struct {
	Success bool       `json:"success"`
	Chunks  []RawChunk `json:"chunks"`
}

// Chunk runs the submit -> poll -> result protocol. Any service failure at
// any phase degrades to fixed-size chunking so ingestion never hard-fails on
// chunking; only caller cancellation aborts.
func (c *HTTPChunker) Chunk(ctx context.Context, data []byte, source string) ([]RawChunk, error) {
	if c.baseURL == "" {
		return c.fallback.Chunk(ctx, data, source)
	}

	chunks, err := c.remote(ctx, data, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger := log.WithComponent("chunker")
		logger.Warn().Err(err).Msg("chunker service failed, falling back to fixed-size chunking")
		return c.fallback.Chunk(ctx, data, source)
	}
	return chunks, nil
}

func (c *HTTPChunker) remote(ctx context.Context, data []byte, source string) ([]RawChunk, error) {
	taskID, err := c.submit(ctx, data, source)
	if err != nil {
		return nil, err
	}
	if err := c.waitCompleted(ctx, taskID); err != nil {
		return nil, err
	}
	return c.result(ctx, taskID)
}

func (c *HTTPChunker) submit(ctx context.Context, data []byte, source string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", source)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if source != "" {
		if err := w.WriteField("source", source); err != nil {
			return "", fmt.Errorf("failed to write source field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunk", &body)
	if err != nil {
		return "", fmt.Errorf("failed to build chunker request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chunker submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("chunker submit returned %d", resp.StatusCode)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chunker submit response: %w", err)
	}
	if parsed.TaskID == "" {
		return "", fmt.Errorf("chunker submit response has no task_id")
	}
	return parsed.TaskID, nil
}

// waitCompleted polls GET /status/{id} with exponential backoff capped at 5s.
func (c *HTTPChunker) waitCompleted(ctx context.Context, taskID string) error {
	delay := 250 * time.Millisecond
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+taskID, nil)
		if err != nil {
			return fmt.Errorf("failed to build status request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("chunker status poll failed: %w", err)
		}

		var st statusResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("failed to decode chunker status: %w", decodeErr)
		}

		switch st.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("chunker task %s failed: %s", taskID, st.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pollCap {
			delay = pollCap
		}
	}
}

func (c *HTTPChunker) result(ctx context.Context, taskID string) ([]RawChunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build result request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunker result fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chunker result returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chunker result: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("chunker task %s reported failure", taskID)
	}
	return parsed.Chunks, nil
}
