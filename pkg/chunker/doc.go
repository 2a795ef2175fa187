/*
Package chunker converts raw file bytes into ordered chunks.

The primary implementation is a client for the external file-processing
service: submit a multipart blob, poll /status/{id} with exponential backoff
(capped at 5s), then fetch /result/{id}. When the service is unreachable the
client degrades to FixedSizeChunker, a deliberate 1000-character windowing of
the raw UTF-8 bytes, so ingestion keeps working without markdown conversion.

Bind attaches raw chunks to an (entity, document) pair, assigning dense
0-based chunk_order_index values in slice order.
*/
package chunker
