package types

import (
	"fmt"
	"time"
)

// Entity is a namespace isolating documents, chunks, a vector index, and
// chat sessions. IDs are client-supplied.
type Entity struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Dir              string         `json:"dir"`
	CreatedAt        time.Time      `json:"created_at"`
	DocumentsCount   int            `json:"documents_count"`
	ChunkCount       int            `json:"chunk_count"`
	SessionsCount    int            `json:"sessions_count"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	LastAccessed     time.Time      `json:"last_accessed"`
	Description      string         `json:"description,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
}

// Document describes one ingested file. A document may be shared across
// entities via EntityIDs; chunks are never shared.
type Document struct {
	DocID       string         `json:"doc_id"`
	DocName     string         `json:"doc_name"`
	DocPath     string         `json:"doc_path"`
	ContentHash string         `json:"content_hash"`
	FileSize    int64          `json:"file_size"`
	IndexedAt   time.Time      `json:"indexed_at"`
	EntityIDs   []string       `json:"entity_ids"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of a document's markdown representation.
// ChunkOrderIndex is dense, 0-based, and unique per (entity, doc).
type Chunk struct {
	ChunkID         string         `json:"chunk_id"`
	DocID           string         `json:"doc_id"`
	EntityID        string         `json:"entity_id"`
	ChunkOrderIndex int            `json:"chunk_order_index"`
	Content         string         `json:"content"`
	Source          string         `json:"source"`
	Pages           []int          `json:"pages,omitempty"`
	Tokens          int            `json:"tokens"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ChunkIDFor builds the canonical chunk id for a document position.
func ChunkIDFor(docID string, orderIndex int) string {
	return fmt.Sprintf("chunk_%s_%d", docID, orderIndex)
}

// NodeIDFor builds the knowledge-graph node id for a chunk.
func NodeIDFor(entityID, docID string, orderIndex int) string {
	return fmt.Sprintf("%s_%s_%d", entityID, docID, orderIndex)
}

// RelationshipIDFor builds the edge id between two nodes.
func RelationshipIDFor(sourceNodeID, targetNodeID string) string {
	return fmt.Sprintf("%s:%s", sourceNodeID, targetNodeID)
}

// ScoredChunk is a chunk with its similarity score from a vector search.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role             MessageRole    `json:"role"`
	Content          string         `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	TaskID           string         `json:"task_id,omitempty"`
	NodeIDs          []string       `json:"node_ids,omitempty"`
	RelationshipIDs  []string       `json:"relationship_ids,omitempty"`
	CitedNodeIDs     []string       `json:"cited_node_ids,omitempty"`
	ServicesUsed     []ServiceDict  `json:"services_used,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ServiceDict is the persisted (map) form of a pricing.Service record.
type ServiceDict = map[string]any

// Session is a stateful chat bound to one entity.
type Session struct {
	SessionID           string         `json:"session_id"`
	EntityID            string         `json:"entity_id"`
	EntityName          string         `json:"entity_name"`
	EntityDir           string         `json:"entity_dir"`
	CreatedAt           time.Time      `json:"created_at"`
	LastAccessed        time.Time      `json:"last_accessed"`
	MessageCount        int            `json:"message_count"`
	EstimatedCostUSD    float64        `json:"estimated_cost_usd"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ConversationHistory []Message      `json:"conversation_history"`
}

// TaskType distinguishes asynchronous work kinds.
type TaskType string

const (
	TaskTypeUpload TaskType = "upload"
	TaskTypeChat   TaskType = "chat"
)

// TaskStatus is the lifecycle state of a task. Terminal states are immutable.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is an asynchronous unit of work (upload or chat turn).
type Task struct {
	TaskID              string     `json:"task_id"`
	TaskType            TaskType   `json:"task_type"`
	Status              TaskStatus `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EntityID            string     `json:"entity_id"`
	EstimatedCostUSD    float64    `json:"estimated_cost_usd"`

	// Upload-specific fields.
	FileName    string `json:"file_name,omitempty"`
	DocID       string `json:"doc_id,omitempty"`
	ChunksCount int    `json:"chunks_count,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`

	// Chat-specific fields.
	SessionID string `json:"session_id,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Node is the knowledge-graph view of a chunk.
type Node struct {
	ID              string `json:"id"`
	EntityID        string `json:"entity_id"`
	DocID           string `json:"doc_id"`
	ChunkOrderIndex int    `json:"chunk_order_index"`
	Label           string `json:"label"`
}

// Relationship is a directed edge between two nodes.
type Relationship struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

const (
	RelationSequential = "sequential"
	RelationReference  = "reference"
)

// KnowledgeGraph is the materialized graph over one or more entities.
type KnowledgeGraph struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// IngestResult reports the outcome of adding one document to an entity.
type IngestResult struct {
	DocID            string  `json:"doc_id"`
	EntityID         string  `json:"entity_id"`
	ChunksCount      int     `json:"chunks_count"`
	IsDuplicate      bool    `json:"is_duplicate"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// BatchIngestResult reports the outcome of a pre-chunked batch ingest.
type BatchIngestResult struct {
	Total     int `json:"total"`
	Indexed   int `json:"indexed"`
	Duplicate int `json:"duplicate"`
}

// ChunkContext is a window of chunks around a position in a document.
type ChunkContext struct {
	Current *Chunk  `json:"current"`
	Before  []Chunk `json:"before"`
	After   []Chunk `json:"after"`
}
