package chunker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSizeChunker(t *testing.T) {
	c := &FixedSizeChunker{Size: 4}
	chunks, err := c.Chunk(context.Background(), []byte("abcdefghij"), "f.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcd", chunks[0].Content)
	assert.Equal(t, "efgh", chunks[1].Content)
	assert.Equal(t, "ij", chunks[2].Content)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkOrderIndex)
		assert.Equal(t, "f.txt", ch.Source)
	}
}

func TestFixedSizeChunkerEmptyInput(t *testing.T) {
	c := NewFixedSizeChunker()
	chunks, err := c.Chunk(context.Background(), nil, "empty")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBindAssignsDenseIndexes(t *testing.T) {
	raw := []RawChunk{{Content: "a"}, {Content: "b"}, {Content: "c"}}
	chunks := Bind(raw, "e1", "d1")
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkOrderIndex)
		assert.Equal(t, "chunk_d1_"+string(rune('0'+i)), ch.ChunkID)
		assert.Equal(t, "e1", ch.EntityID)
		assert.Equal(t, "d1", ch.DocID)
	}
}

func TestHTTPChunkerProtocol(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1"})
	})
	mux.HandleFunc("/status/t-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "processing"
		if polls >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("/result/t-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"chunks": []RawChunk{
				{Content: "first", ChunkOrderIndex: 0, Source: "doc.md"},
				{Content: "second", ChunkOrderIndex: 1, Source: "doc.md"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPChunker(srv.URL)
	chunks, err := c.Chunk(context.Background(), []byte("hello"), "doc.md")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first", chunks[0].Content)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestHTTPChunkerTaskFailureFallsBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-2"})
	})
	mux.HandleFunc("/status/t-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "unsupported format"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPChunker(srv.URL)
	chunks, err := c.Chunk(context.Background(), []byte("hello"), "doc.bin")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
}

func TestHTTPChunkerPollFailureFallsBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-3"})
	})
	mux.HandleFunc("/status/t-3", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPChunker(srv.URL)
	data := []byte(strings.Repeat("y", 1200))
	chunks, err := c.Chunk(context.Background(), data, "big.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Content, FallbackChunkSize)
}

func TestHTTPChunkerCancellationIsNotSwallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chunk", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-4"})
	})
	mux.HandleFunc("/status/t-4", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewHTTPChunker(srv.URL)
	_, err := c.Chunk(ctx, []byte("hello"), "doc.md")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPChunkerUnreachableFallsBack(t *testing.T) {
	c := NewHTTPChunker("http://127.0.0.1:1") // nothing listens here
	data := []byte(strings.Repeat("x", 1500))

	chunks, err := c.Chunk(context.Background(), data, "big.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Content, FallbackChunkSize)
	assert.Len(t, chunks[1].Content, 500)
}

func TestFixedSizeChunkerRuneBoundaries(t *testing.T) {
	c := &FixedSizeChunker{Size: 4}
	text := "héllo wörld ünïcode"
	chunks, err := c.Chunk(context.Background(), []byte(text), "u.txt")
	require.NoError(t, err)

	var rebuilt strings.Builder
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content), "chunk %d splits a rune: %q", ch.ChunkOrderIndex, ch.Content)
		assert.LessOrEqual(t, len([]rune(ch.Content)), 4)
		rebuilt.WriteString(ch.Content)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
