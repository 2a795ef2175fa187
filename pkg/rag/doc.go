/*
Package rag coordinates per-entity vector stores behind a single registry.

The Manager lazily constructs an EntityVectorStore the first time an entity
is touched and caches it for the process lifetime. Batch ingest runs with
parallelism bounded by the CPU count and a per-document timeout; individual
failures are logged and leave a zero slot in the result rather than failing
the batch. Multi-entity search fans out concurrently with a per-entity
timeout, and entities that cannot be searched contribute empty results.
*/
package rag
