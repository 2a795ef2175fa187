package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
)

// scriptedClient replays one canned chunk sequence per StreamChatCompletion
// call and records the requests it saw.
type scriptedClient struct {
	scripts  [][]llm.StreamChunk
	requests []llm.Request
}

func (c *scriptedClient) Model() string { return "gpt-4o" }

func (c *scriptedClient) StreamChatCompletion(_ context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	c.requests = append(c.requests, req)
	if len(c.scripts) == 0 {
		return nil, errors.New("no scripted response left")
	}
	script := c.scripts[0]
	c.scripts = c.scripts[1:]

	out := make(chan llm.StreamChunk, len(script))
	for _, chunk := range script {
		out <- chunk
	}
	close(out)
	return out, nil
}

type fakeStore struct {
	chunks    map[string][]types.Chunk // doc_id -> ordered chunks
	searchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: map[string][]types.Chunk{
		"D": {
			{ChunkID: types.ChunkIDFor("D", 0), DocID: "D", EntityID: "e1", ChunkOrderIndex: 0, Content: "revenue was $50M", Source: "report.pdf"},
			{ChunkID: types.ChunkIDFor("D", 1), DocID: "D", EntityID: "e1", ChunkOrderIndex: 1, Content: "growth was 25%", Source: "report.pdf"},
			{ChunkID: types.ChunkIDFor("D", 2), DocID: "D", EntityID: "e1", ChunkOrderIndex: 2, Content: "outlook is stable", Source: "report.pdf"},
		},
	}}
}

func (f *fakeStore) Search(_ context.Context, _ string, k int, _ []string) ([]types.ScoredChunk, []pricing.Service, error) {
	if f.searchErr != nil {
		return nil, nil, f.searchErr
	}
	hits := []types.ScoredChunk{}
	for _, c := range f.chunks["D"] {
		hits = append(hits, types.ScoredChunk{Chunk: c, Score: 0.9})
		if len(hits) == k {
			break
		}
	}
	services := []pricing.Service{{
		ServiceType:      pricing.ServiceOpenAI,
		Breakdown:        map[string]any{"operation": "embedding"},
		EstimatedCostUSD: 0.000002,
	}}
	return hits, services, nil
}

func (f *fakeStore) GetPreviousChunk(docID string, idx int) (*types.Chunk, error) {
	return f.GetChunkByID(docID, idx-1)
}

func (f *fakeStore) GetNextChunk(docID string, idx int) (*types.Chunk, error) {
	return f.GetChunkByID(docID, idx+1)
}

func (f *fakeStore) GetChunkByID(docID string, idx int) (*types.Chunk, error) {
	for _, c := range f.chunks[docID] {
		if c.ChunkOrderIndex == idx {
			chunk := c
			return &chunk, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetChunkContext(docID string, idx, size int) (*types.ChunkContext, error) {
	current, _ := f.GetChunkByID(docID, idx)
	if current == nil {
		return &types.ChunkContext{}, nil
	}
	cctx := &types.ChunkContext{Current: current}
	for i := idx - size; i < idx; i++ {
		if c, _ := f.GetChunkByID(docID, i); c != nil {
			cctx.Before = append(cctx.Before, *c)
		}
	}
	for i := idx + 1; i <= idx+size; i++ {
		if c, _ := f.GetChunkByID(docID, i); c != nil {
			cctx.After = append(cctx.After, *c)
		}
	}
	return cctx, nil
}

func (f *fakeStore) GetEntityDocuments() ([]types.Document, error) {
	return []types.Document{{DocID: "D", DocName: "report.pdf", EntityIDs: []string{"e1"}}}, nil
}

func (f *fakeStore) GetDocumentChunksInOrder(docID string) ([]types.Chunk, error) {
	return f.chunks[docID], nil
}

func newTestAgent(client *scriptedClient, store Store) *ResearchAgent {
	return New(Config{
		EntityID:    "e1",
		EntityName:  "Acme",
		Store:       store,
		Client:      client,
		Meter:       pricing.NewMeter(nil),
		Model:       "gpt-4o",
		Temperature: 0.2,
	})
}

func collect(t *testing.T, events <-chan ResponseEvent) []ResponseEvent {
	t.Helper()
	var out []ResponseEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func terminalOf(t *testing.T, events []ResponseEvent) ResponseEvent {
	t.Helper()
	var terminals []ResponseEvent
	for _, ev := range events {
		if ev.Kind == EventTerminal {
			terminals = append(terminals, ev)
		}
	}
	require.Len(t, terminals, 1, "exactly one terminal event per turn")
	require.Equal(t, EventTerminal, events[len(events)-1].Kind, "terminal closes the stream")
	return terminals[0]
}

func TestPlainAnswerTurn(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamChunk{{
		{ContentDelta: "Revenue was $50M [[1](e1_D_0)], "},
		{ContentDelta: "up 25% [[2](e1_D_1)]. More at [[1](e1_D_0)]."},
		{FinishReason: llm.FinishStop},
		{Usage: &llm.Usage{PromptTokens: 100, CompletionTokens: 40, CachedTokens: 20}},
	}}}
	a := newTestAgent(client, newFakeStore())

	events := collect(t, a.Converse(context.Background(), "how did revenue do?"))
	term := terminalOf(t, events)

	assert.Equal(t, []string{"e1_D_0", "e1_D_1"}, term.CitedNodeIDs)
	require.Len(t, term.Citations, 2)
	assert.Equal(t, Citation{Number: 1, NodeID: "e1_D_0"}, term.Citations[0])
	assert.Equal(t, Citation{Number: 2, NodeID: "e1_D_1"}, term.Citations[1])

	// Usage event carried the metered completion cost.
	var usage *ResponseEvent
	for i := range events {
		if events[i].Kind == EventUsage {
			usage = &events[i]
		}
	}
	require.NotNil(t, usage)
	want := pricing.NewMeter(nil).Cost("gpt-4o", 100, 40, 20)
	assert.Equal(t, want, usage.CostUSD)
	assert.Equal(t, want, term.CostUSD)

	// Both deltas were streamed before the terminal.
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Contains(t, term.Content, "up 25%")
}

func TestToolCallLoop(t *testing.T) {
	searchArgs := `{"query": "revenue", "k": 2}`
	client := &scriptedClient{scripts: [][]llm.StreamChunk{
		{
			// Arguments arrive fragmented across chunks.
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "semantic_search_within_entity", Arguments: searchArgs[:10]}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: searchArgs[10:]}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{ContentDelta: "Revenue was $50M [[1](e1_D_0)]."},
			{FinishReason: llm.FinishStop},
			{Usage: &llm.Usage{PromptTokens: 200, CompletionTokens: 20}},
		},
	}}
	a := newTestAgent(client, newFakeStore())

	events := collect(t, a.Converse(context.Background(), "revenue?"))
	term := terminalOf(t, events)

	// Search results registered their nodes in insertion order.
	assert.Equal(t, []string{"e1_D_0", "e1_D_1"}, term.NodeIDs)
	assert.Equal(t, []string{"e1_D_0"}, term.CitedNodeIDs)

	// Embedding service from search plus completion usage.
	require.Len(t, term.Services, 2)

	// The second request carried the tool result back to the model.
	require.Len(t, client.requests, 2)
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Contains(t, last.Content, "e1_D_0")

	// An update event surfaced tool progress before the answer.
	var sawUpdate bool
	for _, ev := range events {
		if ev.Kind == EventUpdate {
			sawUpdate = true
		}
	}
	assert.True(t, sawUpdate)
}

func TestNavigationTracksSequentialEdges(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamChunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "get_next_chunk", Arguments: `{"doc_id":"D","chunk_order_index":0}`}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{ContentDelta: "Growth followed [[1](e1_D_1)]."},
			{FinishReason: llm.FinishStop},
		},
	}}
	a := newTestAgent(client, newFakeStore())

	term := terminalOf(t, collect(t, a.Converse(context.Background(), "what came next?")))
	assert.Equal(t, []string{"e1_D_0", "e1_D_1"}, term.NodeIDs)
	assert.Equal(t, []string{types.RelationshipIDFor("e1_D_0", "e1_D_1")}, term.RelationshipIDs)
}

func TestBadToolArgumentsYieldApology(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamChunk{{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "semantic_search_within_entity", Arguments: `{"query": not-json`}}},
		{FinishReason: llm.FinishToolCalls},
	}}}
	a := newTestAgent(client, newFakeStore())

	term := terminalOf(t, collect(t, a.Converse(context.Background(), "q")))
	assert.Equal(t, apologyMessage, term.Content)
}

func TestToolExecutionErrorKeepsLoopAlive(t *testing.T) {
	store := newFakeStore()
	store.searchErr = errors.New("index unavailable")
	client := &scriptedClient{scripts: [][]llm.StreamChunk{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "semantic_search_within_entity", Arguments: `{"query":"x"}`}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{ContentDelta: "I could not search the documents."},
			{FinishReason: llm.FinishStop},
		},
	}}
	a := newTestAgent(client, store)

	term := terminalOf(t, collect(t, a.Converse(context.Background(), "q")))
	assert.Equal(t, "I could not search the documents.", term.Content)

	// The error was surfaced to the model as a tool payload.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "index unavailable")
}

func TestStreamErrorYieldsApology(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamChunk{{
		{ContentDelta: "partial"},
		{Err: errors.New("connection reset")},
	}}}
	a := newTestAgent(client, newFakeStore())

	term := terminalOf(t, collect(t, a.Converse(context.Background(), "q")))
	assert.Equal(t, apologyMessage, term.Content)
}

func TestSeedHistoryRehydratesTranscript(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamChunk{{
		{ContentDelta: "Yes, you asked about revenue."},
		{FinishReason: llm.FinishStop},
	}}}
	a := newTestAgent(client, newFakeStore())
	a.SeedHistory([]types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
	})
	require.Equal(t, 3, a.HistoryLen())

	terminalOf(t, collect(t, a.Converse(context.Background(), "still there?")))

	// The request included the rehydrated turns ahead of the new one.
	req := client.requests[0]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.Equal(t, "hello", req.Messages[2].Content)
	assert.Equal(t, "still there?", req.Messages[3].Content)
}

func TestGetDocumentChunksCapsAtTen(t *testing.T) {
	store := newFakeStore()
	store.chunks["D"] = nil
	for i := 0; i < 14; i++ {
		store.chunks["D"] = append(store.chunks["D"], types.Chunk{
			ChunkID: types.ChunkIDFor("D", i), DocID: "D", EntityID: "e1", ChunkOrderIndex: i, Content: "c",
		})
	}
	a := newTestAgent(&scriptedClient{}, store)
	a.resetTurn()

	payload, err := a.toolDocumentChunks("D")
	require.NoError(t, err)
	result := payload.(map[string]any)
	assert.Equal(t, 14, result["total"])
	assert.Len(t, result["chunks"], 10)
	assert.Contains(t, result["more"], "4 more")

	// Sequential edges only between the listed chunks.
	assert.Len(t, a.relIDs.items(), 9)
}

func TestParseCitationsDedupesByNode(t *testing.T) {
	content := "Revenue was $50M [[1](e1_D_7)], up 25% [[2](e1_D_8)]. More at [[1](e1_D_7)]."
	citations := ParseCitations(content)
	require.Len(t, citations, 2)
	assert.Equal(t, Citation{Number: 1, NodeID: "e1_D_7"}, citations[0])
	assert.Equal(t, Citation{Number: 2, NodeID: "e1_D_8"}, citations[1])
}
