// Package seqflow is an ordered publish/subscribe delivery runtime built on
// Watermill. Each topic is served by a dedicated publisher engine that
// assigns gap-free sequence numbers, retains a bounded history, and fans
// every accepted publish out to its registered subscribers. Each
// subscription is served by a dedicated subscriber engine that tracks
// delivery progress, forwards messages to its parent and peers, and
// acknowledges each delivery so the publisher's retry loop can settle.
//
// Engines are single-threaded actors: each owns one inbox on the bus and
// processes exactly one envelope at a time, so no engine state is ever
// shared between goroutines. Their whole state is persisted as a snapshot
// after every mutation, which lets a restarted engine resume where it left
// off. Subscribers that stop acknowledging are retried a configurable
// number of times and then demoted to an offline set; a resubscribe
// reinstates them and replays retained history on request.
//
// # History tiers
//
// A topic's retention is one of three tiers:
//   - none: nothing is retained, late subscribers see only new messages
//   - memory: the newest N messages are kept in memory
//   - disk: the newest N messages are kept in the durable store
//
// # Transports
//
// The bus runs over a pluggable transport resolved from Config:
//   - channel: in-memory Go channels for a single process
//   - nats: NATS for cross-process nodes
//
// The usual entry point is NewNode, which wires the transport, the durable
// store (SQLite or in-memory), the engine launcher, and the Coordinator.
// The Coordinator is the application-facing API: CreateTopic, Publish,
// Subscribe, Unsubscribe, RemoveTopic, and the progress accessors.
package seqflow
