/*
Package session manages per-session concurrency control and agent lifetime.

LockRegistry serializes conversation turns within one chat session while
letting distinct sessions run in parallel. AgentCache holds the live agent
for each session between turns so consecutive turns reuse tool state and
transcript. Sweeper scans the cache on an interval and offloads agents that
have been idle past the timeout; sessions with a turn in flight are skipped.
An offloaded session is not lost: the next turn rebuilds its agent from the
history persisted in the entity's message store.
*/
package session
