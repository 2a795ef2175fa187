/*
Package events provides an in-memory pub/sub broker for service events.

The broker broadcasts entity, document, task, and session lifecycle events
to all subscribers over buffered channels. Publish is non-blocking: the main
channel buffers 100 events and each subscriber channel buffers 50, and a
subscriber whose buffer is full simply misses the event. Consumers include
the API server (for client-visible notifications) and the metrics layer.
*/
package events
