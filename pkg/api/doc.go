/*
Package api is the thin HTTP surface over the manager.

Routes follow the fixed contract: entity CRUD, multipart file upload into a
transient staging directory, synchronous chunk ingest, task reads enriched
with the document's services_used, chat sessions, and the knowledge graph.
POST /api/chat streams the turn as server-sent events when stream=true and
returns the terminal summary otherwise. Errors map by kind: not-found 404,
duplicate 409, validation 422, deleted entity 410.

Every request passes through a middleware that feeds the Prometheus request
counter and latency histogram. /health, /ready, and /metrics are served by
the metrics package.
*/
package api
