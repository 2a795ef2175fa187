package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines []string, assertReq func(*http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if assertReq != nil {
			assertReq(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for c := range ch {
		require.NoError(t, c.Err)
		out = append(out, c)
	}
	return out
}

func TestStreamContentAndUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":3}}}`,
	}, func(r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
	})
	defer srv.Close()

	c := NewOpenAIClient(Config{Endpoint: srv.URL, APIKey: "test-key", Model: "gpt-4o"})
	ch, err := c.StreamChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	var content strings.Builder
	var usage *Usage
	finish := ""
	for _, ck := range chunks {
		content.WriteString(ck.ContentDelta)
		if ck.FinishReason != "" {
			finish = ck.FinishReason
		}
		if ck.Usage != nil {
			usage = ck.Usage
		}
	}
	assert.Equal(t, "Hello", content.String())
	assert.Equal(t, FinishStop, finish)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 4, usage.CompletionTokens)
	assert.Equal(t, 3, usage.CachedTokens)
}

func TestStreamToolCallFragments(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"semantic_search_within_entity","arguments":"{\"qu"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"revenue\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient(Config{Endpoint: srv.URL, Model: "gpt-4o"})
	ch, err := c.StreamChatCompletion(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collect(t, ch)

	args := map[int]string{}
	names := map[int]string{}
	finish := ""
	for _, ck := range chunks {
		for _, tc := range ck.ToolCalls {
			args[tc.Index] += tc.Arguments
			if tc.Name != "" {
				names[tc.Index] = tc.Name
			}
		}
		if ck.FinishReason != "" {
			finish = ck.FinishReason
		}
	}
	assert.Equal(t, FinishToolCalls, finish)
	assert.Equal(t, "semantic_search_within_entity", names[0])
	assert.JSONEq(t, `{"query":"revenue"}`, args[0])
}

func TestAzureURLAndAuth(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("api-key")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{
		Endpoint:   srv.URL,
		APIKey:     "azure-key",
		Deployment: "gpt4o-prod",
		APIVersion: "2024-08-01-preview",
	})
	ch, err := c.StreamChatCompletion(context.Background(), Request{})
	require.NoError(t, err)
	collect(t, ch)

	assert.Equal(t, "/openai/deployments/gpt4o-prod/chat/completions", gotPath)
	assert.Equal(t, "api-version=2024-08-01-preview", gotQuery)
	assert.Equal(t, "azure-key", gotKey)
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{Endpoint: srv.URL, Model: "gpt-4o"})
	_, err := c.StreamChatCompletion(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
