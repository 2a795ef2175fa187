/*
Package agent implements the entity-scoped research agent.

A ResearchAgent is bound at construction to one entity and its vector store.
Each conversation turn opens a streaming chat completion with a fixed tool
set; when the model requests tools, the agent executes them against the
store, appends the results to the transcript, and re-opens the stream until
the model stops. Turns yield a channel of ResponseEvents: content deltas,
tool-progress updates, usage events carrying incremental LLM cost, and
exactly one terminal event.

Across a turn the agent accumulates knowledge-graph node and relationship
ids (insertion-ordered, deduplicated), Service cost records from embeddings
and completions, and the inline [[N](node_id)] citations parsed from the
final answer. Tool argument parse failures end the turn with a user-visible
apology; tool execution errors are returned to the model as error payloads
so the loop keeps going.
*/
package agent
