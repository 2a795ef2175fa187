/*
Package kvstore implements a crash-safe JSON document store with a MongoDB
operator subset.

Documents are grouped into collections. Each collection is either a single
file <root>/<coll>.json holding an object of id -> document, or a directory
<root>/<coll>/<shard>.json when the collection is sharded. The shard key is
extracted from the query or update: entity_id first, else a single-element
entity_ids array.

# Operations

  - FindOne / Find (with projection)
  - UpdateOne (with upsert) / UpdateMany
  - DeleteOne / DeleteMany
  - Aggregate ($match, $group with $sum and $push)
  - DropCollection

Query operators on any dot-path field: equality (array fields compare by
membership), $exists, $ne, $gt, $gte, $lt, $lte, $in, $regex, $not, $or,
$and. Update operators are the tagged-variant Update struct: Set, Unset,
Inc (creates field=increment when absent), AddToSet (initializes [] and
dedupes by equality), SetOnInsert (upsert only).

# Concurrency and crash safety

A process-global map of file path -> mutex guards every collection file.
Every load-modify-save sequence holds its file mutex end-to-end, so there is
no TOCTOU window between readers and writers of the same file. Counter
updates use Inc, which is commutative, so concurrent writers to the same
entity record never lose increments.

Writes go through an atomic write protocol (temp file in the same directory,
fsync, rename over the target). Killing the process at any instant leaves a
collection file either at its prior committed value or its new committed
value, never partial. A reader of a missing or corrupt file gets an empty
collection; the condition is logged and the operator continues.
*/
package kvstore
