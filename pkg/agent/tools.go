package agent

import (
	"context"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultSearchK        = 25
	defaultContextSize    = 1
	documentChunksPerPage = 10
)

// toolCallAssembler merges streamed tool-call fragments by index.
type toolCallAssembler struct {
	order []int
	byIdx map[int]*llm.ToolCall
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIdx: make(map[int]*llm.ToolCall)}
}

func (a *toolCallAssembler) add(d llm.ToolCallDelta) {
	call, ok := a.byIdx[d.Index]
	if !ok {
		call = &llm.ToolCall{Type: "function"}
		a.byIdx[d.Index] = call
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" {
		call.Function.Name = d.Name
	}
	call.Function.Arguments += d.Arguments
}

func (a *toolCallAssembler) finish() []llm.ToolCall {
	sort.Ints(a.order)
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.byIdx[idx])
	}
	return out
}

func (a *ResearchAgent) toolDefinitions() []llm.Tool {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "integer"}

	return []llm.Tool{
		{Type: "function", Function: llm.ToolFunction{
			Name:        "semantic_search_within_entity",
			Description: "Semantic search over this entity's document chunks. Returns scored chunks with node_id values for citations.",
			Parameters: obj(map[string]any{
				"query": str,
				"k":     num,
			}, "query"),
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "get_previous_chunk",
			Description: "Fetch the chunk immediately before the given position in a document.",
			Parameters: obj(map[string]any{
				"doc_id":            str,
				"chunk_order_index": num,
			}, "doc_id", "chunk_order_index"),
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "get_next_chunk",
			Description: "Fetch the chunk immediately after the given position in a document.",
			Parameters: obj(map[string]any{
				"doc_id":            str,
				"chunk_order_index": num,
			}, "doc_id", "chunk_order_index"),
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "get_chunk_context",
			Description: "Fetch a chunk plus a window of surrounding chunks from the same document.",
			Parameters: obj(map[string]any{
				"doc_id":            str,
				"chunk_order_index": num,
				"context_size":      num,
			}, "doc_id", "chunk_order_index"),
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "get_entity_documents",
			Description: "List the documents indexed for this entity.",
			Parameters:  obj(map[string]any{}),
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "get_document_chunks",
			Description: "Read a document's first chunks in order.",
			Parameters: obj(map[string]any{
				"doc_id": str,
			}, "doc_id"),
		}},
	}
}

// dispatchTool executes one tool call and returns the JSON result for the
// transcript. A non-nil error means the arguments did not parse; execution
// failures are folded into the result string so the model can recover.
func (a *ResearchAgent) dispatchTool(ctx context.Context, call llm.ToolCall) (string, error) {
	var args struct {
		Query           string `json:"query"`
		K               int    `json:"k"`
		DocID           string `json:"doc_id"`
		ChunkOrderIndex int    `json:"chunk_order_index"`
		ContextSize     *int   `json:"context_size"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("failed to parse tool arguments: %w", err)
	}

	var payload any
	var err error
	switch call.Function.Name {
	case "semantic_search_within_entity":
		payload, err = a.toolSearch(ctx, args.Query, args.K)
	case "get_previous_chunk":
		payload, err = a.toolPreviousChunk(args.DocID, args.ChunkOrderIndex)
	case "get_next_chunk":
		payload, err = a.toolNextChunk(args.DocID, args.ChunkOrderIndex)
	case "get_chunk_context":
		size := defaultContextSize
		if args.ContextSize != nil {
			size = *args.ContextSize
		}
		payload, err = a.toolChunkContext(args.DocID, args.ChunkOrderIndex, size)
	case "get_entity_documents":
		payload, err = a.toolEntityDocuments()
	case "get_document_chunks":
		payload, err = a.toolDocumentChunks(args.DocID)
	default:
		err = fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	if err != nil {
		return toolErrorResult(err), nil
	}

	encoded, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return toolErrorResult(marshalErr), nil
	}
	return string(encoded), nil
}

func toolErrorResult(err error) string {
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(encoded)
}

// searchRecord is the enhanced shape search results take inside tool output.
type searchRecord struct {
	Content         string  `json:"content"`
	DocID           string  `json:"doc_id"`
	ChunkOrderIndex int     `json:"chunk_order_index"`
	Source          string  `json:"source"`
	EntityID        string  `json:"entity_id"`
	NodeID          string  `json:"node_id"`
	Score           float64 `json:"score"`
	CanNavigate     bool    `json:"can_navigate"`
}

func (a *ResearchAgent) nodeID(c types.Chunk) string {
	return types.NodeIDFor(a.entityID, c.DocID, c.ChunkOrderIndex)
}

func (a *ResearchAgent) toolSearch(ctx context.Context, query string, k int) (any, error) {
	if k <= 0 {
		k = defaultSearchK
	}
	hits, services, err := a.store.Search(ctx, query, k, nil)
	if err != nil {
		return nil, err
	}
	a.services = append(a.services, services...)
	for _, s := range services {
		a.costUSD = pricing.Round6(a.costUSD + s.EstimatedCostUSD)
	}

	records := make([]searchRecord, 0, len(hits))
	for _, h := range hits {
		nodeID := a.nodeID(h.Chunk)
		a.nodeIDs.add(nodeID)
		records = append(records, searchRecord{
			Content:         h.Content,
			DocID:           h.DocID,
			ChunkOrderIndex: h.ChunkOrderIndex,
			Source:          h.Source,
			EntityID:        a.entityID,
			NodeID:          nodeID,
			Score:           h.Score,
			CanNavigate:     true,
		})
	}
	return map[string]any{"results": records, "count": len(records)}, nil
}

func (a *ResearchAgent) toolPreviousChunk(docID string, orderIndex int) (any, error) {
	chunk, err := a.store.GetPreviousChunk(docID, orderIndex)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return map[string]any{"found": false}, nil
	}
	current := types.NodeIDFor(a.entityID, docID, orderIndex)
	target := a.nodeID(*chunk)
	a.nodeIDs.add(current)
	a.nodeIDs.add(target)
	a.relIDs.add(types.RelationshipIDFor(current, target))
	return map[string]any{"found": true, "chunk": a.chunkRecord(*chunk)}, nil
}

func (a *ResearchAgent) toolNextChunk(docID string, orderIndex int) (any, error) {
	chunk, err := a.store.GetNextChunk(docID, orderIndex)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return map[string]any{"found": false}, nil
	}
	current := types.NodeIDFor(a.entityID, docID, orderIndex)
	target := a.nodeID(*chunk)
	a.nodeIDs.add(current)
	a.nodeIDs.add(target)
	a.relIDs.add(types.RelationshipIDFor(current, target))
	return map[string]any{"found": true, "chunk": a.chunkRecord(*chunk)}, nil
}

func (a *ResearchAgent) toolChunkContext(docID string, orderIndex, size int) (any, error) {
	cctx, err := a.store.GetChunkContext(docID, orderIndex, size)
	if err != nil {
		return nil, err
	}
	if cctx == nil || cctx.Current == nil {
		return map[string]any{"found": false}, nil
	}
	current := a.nodeID(*cctx.Current)
	a.nodeIDs.add(current)
	neighbors := append(append([]types.Chunk{}, cctx.Before...), cctx.After...)
	for _, n := range neighbors {
		target := a.nodeID(n)
		a.nodeIDs.add(target)
		a.relIDs.add(types.RelationshipIDFor(current, target))
	}
	return map[string]any{
		"found":   true,
		"current": a.chunkRecord(*cctx.Current),
		"before":  a.chunkRecords(cctx.Before),
		"after":   a.chunkRecords(cctx.After),
	}, nil
}

func (a *ResearchAgent) toolEntityDocuments() (any, error) {
	docs, err := a.store.GetEntityDocuments()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any{
			"doc_id":     d.DocID,
			"doc_name":   d.DocName,
			"file_size":  d.FileSize,
			"indexed_at": d.IndexedAt,
		})
	}
	return map[string]any{"documents": out, "count": len(out)}, nil
}

func (a *ResearchAgent) toolDocumentChunks(docID string) (any, error) {
	chunks, err := a.store.GetDocumentChunksInOrder(docID)
	if err != nil {
		return nil, err
	}
	shown := chunks
	hint := ""
	if len(chunks) > documentChunksPerPage {
		shown = chunks[:documentChunksPerPage]
		hint = fmt.Sprintf("…%d more chunks not shown", len(chunks)-documentChunksPerPage)
	}
	var prev string
	for _, c := range shown {
		nodeID := a.nodeID(c)
		a.nodeIDs.add(nodeID)
		if prev != "" {
			a.relIDs.add(types.RelationshipIDFor(prev, nodeID))
		}
		prev = nodeID
	}
	result := map[string]any{
		"doc_id": docID,
		"chunks": a.chunkRecords(shown),
		"total":  len(chunks),
	}
	if hint != "" {
		result["more"] = hint
	}
	return result, nil
}

func (a *ResearchAgent) chunkRecord(c types.Chunk) map[string]any {
	return map[string]any{
		"content":           c.Content,
		"doc_id":            c.DocID,
		"chunk_order_index": c.ChunkOrderIndex,
		"source":            c.Source,
		"entity_id":         a.entityID,
		"node_id":           a.nodeID(c),
		"can_navigate":      true,
	}
}

func (a *ResearchAgent) chunkRecords(chunks []types.Chunk) []map[string]any {
	out := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, a.chunkRecord(c))
	}
	return out
}
