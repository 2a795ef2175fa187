/*
Package llm defines the streaming chat-completion collaborator and an
implementation for OpenAI-style and Azure-style endpoints.

The Client interface yields a channel of StreamChunk events: content deltas,
incremental tool-call fragments (assembled by index), a finish reason, and a
final usage chunk carrying prompt/completion/cached token counts for cost
metering. Endpoint shape is chosen by config presence: a non-empty deployment
selects the Azure URL and api-key header, otherwise the OpenAI
/v1/chat/completions path with bearer auth is used.
*/
package llm
