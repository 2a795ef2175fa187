/*
Package manager is the process-wide orchestrator.

It owns the global key-value collections (entities, sessions, tasks), the
per-entity vector store registry, the worker pool, the session lock registry
and agent cache, and the event broker. The API layer talks only to this
package.

Entity create and delete are serialized by a single lock so the existence
check, record write, and directory rename never race. Deletes tombstone the
record under a "[DELETED]" prefix and rename the directory; session cascade
runs outside the lock.

Uploads create a pending task and run on the worker pool; the worker always
writes a terminal status, and on success bumps the entity's counters with
atomic $inc updates so concurrent uploads never lose increments.

Conversation turns hold the session lock across the whole
user-append / agent-stream / assistant-append / persist span, which totally
orders turns within one session while distinct sessions proceed in parallel.
The agent for a session is cached between turns and rebuilt from persisted
history after the idle sweeper offloads it.
*/
package manager
