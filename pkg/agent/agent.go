package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
)

// maxToolRounds bounds the tool-call recursion of a single turn.
const maxToolRounds = 16

const apologyMessage = "I'm sorry, I ran into a problem while researching that. Please try asking again."

// Store is the slice of the entity vector store the agent's tools need.
type Store interface {
	Search(ctx context.Context, query string, k int, docIDs []string) ([]types.ScoredChunk, []pricing.Service, error)
	GetPreviousChunk(docID string, orderIndex int) (*types.Chunk, error)
	GetNextChunk(docID string, orderIndex int) (*types.Chunk, error)
	GetChunkContext(docID string, orderIndex, size int) (*types.ChunkContext, error)
	GetEntityDocuments() ([]types.Document, error)
	GetDocumentChunksInOrder(docID string) ([]types.Chunk, error)
}

// EventKind classifies the events a conversation turn yields.
type EventKind string

const (
	EventDelta    EventKind = "delta"
	EventUpdate   EventKind = "update"
	EventUsage    EventKind = "usage"
	EventTerminal EventKind = "terminal"
)

// Citation is one numbered inline reference to a knowledge-graph node.
type Citation struct {
	Number int    `json:"number"`
	NodeID string `json:"node_id"`
}

// ResponseEvent is one item of a turn's event stream. Exactly one terminal
// event closes every turn.
type ResponseEvent struct {
	Kind            EventKind         `json:"kind"`
	Content         string            `json:"content,omitempty"`
	NodeIDs         []string          `json:"node_ids,omitempty"`
	RelationshipIDs []string          `json:"relationship_ids,omitempty"`
	CitedNodeIDs    []string          `json:"cited_node_ids,omitempty"`
	Citations       []Citation        `json:"citations,omitempty"`
	Services        []pricing.Service `json:"services_used,omitempty"`
	CostUSD         float64           `json:"estimated_cost_usd,omitempty"`
}

// Config wires a ResearchAgent's collaborators.
type Config struct {
	EntityID    string
	EntityName  string
	Store       Store
	Client      llm.Client
	Meter       *pricing.Meter
	Model       string
	Temperature float64
}

// ResearchAgent answers questions about a single entity by driving a
// tool-calling loop against the LLM over the entity's vector store.
type ResearchAgent struct {
	entityID    string
	entityName  string
	store       Store
	client      llm.Client
	meter       *pricing.Meter
	model       string
	temperature float64

	transcript []llm.Message

	// Per-turn accumulators.
	nodeIDs      *orderedSet
	relIDs       *orderedSet
	citedNodeIDs *orderedSet
	services     []pricing.Service
	costUSD      float64
}

// New builds an agent with a fresh transcript seeded with the system prompt.
func New(cfg Config) *ResearchAgent {
	a := &ResearchAgent{
		entityID:    cfg.EntityID,
		entityName:  cfg.EntityName,
		store:       cfg.Store,
		client:      cfg.Client,
		meter:       cfg.Meter,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
	a.transcript = []llm.Message{{Role: llm.RoleSystem, Content: a.systemPrompt()}}
	return a
}

func (a *ResearchAgent) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a research assistant answering questions about %s (entity id %s). ", a.entityName, a.entityID)
	b.WriteString("You can only use the provided tools to read this entity's documents; never invent facts. ")
	b.WriteString("Start with semantic_search_within_entity, then navigate with get_previous_chunk, get_next_chunk, ")
	b.WriteString("get_chunk_context, get_entity_documents, and get_document_chunks when you need surrounding context. ")
	b.WriteString("Every factual claim must carry an inline citation in the literal form [[N](node_id)], ")
	b.WriteString("where node_id is copied verbatim from a tool result and N numbers distinct sources starting at 1. ")
	b.WriteString("If the documents do not answer the question, say so.")
	return b.String()
}

// SeedHistory rebuilds the transcript from persisted conversation history.
// Used when a session's agent was offloaded and a new turn arrives.
func (a *ResearchAgent) SeedHistory(history []types.Message) {
	a.transcript = a.transcript[:1]
	for _, m := range history {
		a.transcript = append(a.transcript, llm.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
}

// HistoryLen returns the transcript length including the system prompt.
func (a *ResearchAgent) HistoryLen() int { return len(a.transcript) }

// Converse runs one turn. The returned channel yields delta, update, and
// usage events and is closed after exactly one terminal event.
func (a *ResearchAgent) Converse(ctx context.Context, userMessage string) <-chan ResponseEvent {
	out := make(chan ResponseEvent, 32)
	go func() {
		defer close(out)
		a.resetTurn()
		a.transcript = append(a.transcript, llm.Message{Role: llm.RoleUser, Content: userMessage})
		a.runTurn(ctx, out)
	}()
	return out
}

func (a *ResearchAgent) resetTurn() {
	a.nodeIDs = newOrderedSet()
	a.relIDs = newOrderedSet()
	a.citedNodeIDs = newOrderedSet()
	a.services = nil
	a.costUSD = 0
}

func (a *ResearchAgent) runTurn(ctx context.Context, out chan<- ResponseEvent) {
	logger := log.WithEntityID(a.entityID)
	var content strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		stream, err := a.client.StreamChatCompletion(ctx, llm.Request{
			Model:       a.model,
			Messages:    a.transcript,
			Tools:       a.toolDefinitions(),
			Temperature: a.temperature,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to open completion stream")
			a.emitApology(out)
			return
		}

		calls := newToolCallAssembler()
		finish := ""
		for chunk := range stream {
			if chunk.Err != nil {
				logger.Error().Err(chunk.Err).Msg("completion stream failed")
				a.emitApology(out)
				return
			}
			if chunk.ContentDelta != "" {
				content.WriteString(chunk.ContentDelta)
				out <- ResponseEvent{Kind: EventDelta, Content: chunk.ContentDelta}
			}
			for _, tc := range chunk.ToolCalls {
				calls.add(tc)
			}
			if chunk.Usage != nil {
				a.recordUsage(*chunk.Usage, out)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}

		if finish != llm.FinishToolCalls {
			a.finishTurn(content.String(), out)
			return
		}

		toolCalls := calls.finish()
		a.transcript = append(a.transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		})
		for _, call := range toolCalls {
			result, parseErr := a.dispatchTool(ctx, call)
			if parseErr != nil {
				logger.Warn().Err(parseErr).Str("tool", call.Function.Name).Msg("tool arguments did not parse")
				a.emitApology(out)
				return
			}
			a.transcript = append(a.transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
		out <- ResponseEvent{
			Kind:            EventUpdate,
			NodeIDs:         a.nodeIDs.items(),
			RelationshipIDs: a.relIDs.items(),
			Services:        a.services,
		}
	}

	logger.Warn().Int("rounds", maxToolRounds).Msg("tool-call loop hit round limit")
	a.finishTurn(content.String(), out)
}

func (a *ResearchAgent) recordUsage(usage llm.Usage, out chan<- ResponseEvent) {
	cost := a.meter.Cost(a.model, usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)
	a.costUSD = pricing.Round6(a.costUSD + cost)
	a.services = append(a.services, pricing.Service{
		ServiceType: pricing.ServiceOpenAI,
		Breakdown: map[string]any{
			"operation":         "chat_completion",
			"model":             a.model,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"cached_tokens":     usage.CachedTokens,
		},
		EstimatedCostUSD: cost,
	})
	out <- ResponseEvent{Kind: EventUsage, Services: a.services, CostUSD: a.costUSD}
}

func (a *ResearchAgent) finishTurn(content string, out chan<- ResponseEvent) {
	citations := ParseCitations(content)
	for _, c := range citations {
		a.citedNodeIDs.add(c.NodeID)
	}
	a.transcript = append(a.transcript, llm.Message{Role: llm.RoleAssistant, Content: content})
	out <- ResponseEvent{
		Kind:            EventTerminal,
		Content:         content,
		NodeIDs:         a.nodeIDs.items(),
		RelationshipIDs: a.relIDs.items(),
		CitedNodeIDs:    a.citedNodeIDs.items(),
		Citations:       citations,
		Services:        a.services,
		CostUSD:         a.costUSD,
	}
}

func (a *ResearchAgent) emitApology(out chan<- ResponseEvent) {
	a.transcript = append(a.transcript, llm.Message{Role: llm.RoleAssistant, Content: apologyMessage})
	out <- ResponseEvent{
		Kind:            EventTerminal,
		Content:         apologyMessage,
		NodeIDs:         a.nodeIDs.items(),
		RelationshipIDs: a.relIDs.items(),
		Services:        a.services,
		CostUSD:         a.costUSD,
	}
}

// orderedSet is an insertion-ordered string set.
type orderedSet struct {
	seen map[string]bool
	list []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.list = append(s.list, v)
}

func (s *orderedSet) items() []string {
	out := make([]string, len(s.list))
	copy(out, s.list)
	return out
}
