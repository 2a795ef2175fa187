/*
Package metrics exposes Prometheus metrics and health endpoints.

Gauges cover corpus state (entities, documents, chunks, sessions, tasks by
status, accumulated estimated cost) and worker pool state (worker count,
queue depth). Counters track uploads, duplicate-upload short-circuits, chat
turns, and API requests; histograms time API requests and key-value store
operations.

A Collector polls a StatsProvider snapshot on an interval and pushes it into
the gauges, so exporting stays decoupled from the manager's internals. The
health checker tracks per-component status and serves /health, /ready, and
liveness handlers; readiness requires the store, pool, and api components to
have registered healthy.
*/
package metrics
