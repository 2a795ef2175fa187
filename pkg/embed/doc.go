/*
Package embed defines the Embedder collaborator interface and an
OpenAI-compatible HTTP implementation.

An Embedder turns text into dense float32 vectors of a dimension fixed at
process start. The vector stores treat it as a black box; tests substitute a
deterministic fake. The OpenAI implementation batches inputs through
/v1/embeddings and accumulates provider-reported prompt tokens so callers can
bill embedding work to the operation that caused it.
*/
package embed
