// Package callflow is an event-driven orchestration core that turns a logged
// phone call into a CRM lead with an attached recording.
//
// Independent services talk through a message broker. callflow consumes
// their events, keeps a durable per-call workflow state, and drives each call
// through the stages
//
//	RECEIVED → LEAD_PENDING → LEAD_READY → (RECORDING_PENDING → RECORDING_READY) → NOTIFIED → COMPLETED
//
// while tolerating redelivery, restarts, partial failures and many instances
// consuming the same topics.
//
// # Architecture
//
// Every subsystem (dedup, workflow, dlq, cluster) defines its own store
// interface and a single backend implements all of them (see package
// store). The bus package defines the broker contract with an in-process and
// a Redis Streams implementation. The orchestrator package holds the state
// machine, the retry package the backoff and dead-letter policy, and the
// engine package wires everything together.
//
// # Errors
//
// Failures are classified into four kinds (see Kind). Transient failures are
// retried with backoff, validation failures are dead-lettered immediately,
// business rule violations and fatal failures park the workflow in FAILED
// where an operator can inspect and retry it.
package callflow
