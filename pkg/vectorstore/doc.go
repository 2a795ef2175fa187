/*
Package vectorstore implements the per-entity dense vector index and its
chunk sidecar.

Each entity owns one EntityVectorStore rooted at the entity directory:

	<entity_dir>/
	  storage/
	    documents.json
	    chunks_<entity_id>.json
	  vector_store/
	    index.json
	  metadata.json

The index is a flat inner-product index over L2-normalized vectors, so inner
product equals cosine similarity. It supports add, search, and rebuild; it
deliberately has no removal operation. Deleting a document re-materializes
the surviving vectors and cross-checks them against the chunk records in
storage; divergence aborts the delete with ErrInvariant.

Deduplication uses the SHA-256 of the raw file bytes, computed outside the
write lock. A fast in-memory hash -> doc_id map (seeded at construction from
the entity's document records) short-circuits duplicates; the map is
re-checked under the write lock to close the race window between concurrent
ingests of the same bytes.

A chunk exists iff a corresponding vector exists in the index, and
chunk_order_index values are dense and 0-based per document. Navigation
helpers (previous/next/context/neighbors/in-order) read the authoritative
chunk records, so navigation misses return nil rather than an error.
*/
package vectorstore
