/*
Package types defines the shared data model for the entityrag service.

All records are JSON-serializable and persisted through pkg/kvstore. The
central abstraction is the Entity: a namespace (typically a company) that
isolates documents, chunks, a dense vector index, and chat sessions from
every other entity.

# Core Types

Entity:
  - Client-supplied ID, on-disk directory, and counters
  - documents_count / chunk_count / sessions_count maintained via atomic
    $inc updates so concurrent uploads never race
  - Deleted entities are re-inserted under "[DELETED]<id>_<timestamp>"

Document:
  - Identified by doc_id, deduplicated per entity by content_hash (SHA-256)
  - Shared across entities via entity_ids[]

Chunk:
  - chunk_id = "chunk_{doc_id}_{chunk_order_index}"
  - chunk_order_index is dense, 0-based, unique per (entity, doc)
  - A chunk exists iff a vector exists in that entity's index

Session / Message:
  - conversation_history is an ordered list of role-tagged messages
  - Assistant messages carry node/relationship/citation accumulations and
    per-turn cost

Task:
  - Upload or chat work item with a terminal status (completed/failed)
  - Terminal states are immutable

Node / Relationship:
  - Derived knowledge-graph view over chunks
  - node id = "{entity_id}_{doc_id}_{chunk_order_index}"
  - edge id = "{source}:{target}", label "sequential" or "reference"
*/
package types
