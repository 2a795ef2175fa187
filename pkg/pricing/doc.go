/*
Package pricing converts provider-reported token usage into USD cost and
records per-request external spend as Service line items.

The Meter holds a model -> rate table (input, output, and cached-read prices
per million tokens). Lookup is exact first, then by substring so versioned
deployments like "gpt-4o-2024-08-06" inherit the "gpt-4o" rate, then a
conservative default.

A Service record names the collaborator that did the work (openai,
file_processor, native, transformer), an opaque breakdown, and the computed
cost. Records round-trip through ToDict / ServiceFromDict for persistence in
conversation history and task records.
*/
package pricing
