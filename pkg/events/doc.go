/*
Package events provides an in-memory, non-blocking pub/sub broker used to
fan out target-lifecycle events (submitted, activated, started, running,
succeeded, failed, killed, dead-because-of-dependencies).

pkg/engine publishes one Event per state transition each tick, and
Engine.Step also returns a tick's events directly as its "what_happened"
result. Subscribers with a full buffer drop events rather than
block the broker — event delivery is best-effort, the durable record of
what happened is the Target's own History in pkg/storage.
*/
package events
