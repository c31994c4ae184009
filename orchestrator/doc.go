// Package orchestrator drives the call workflow: it consumes call_logged,
// lead_created, lead_updated and recording_attached events, advances the
// persisted workflow state, issues the CRM and recording commands and
// publishes the follow-up events.
//
// Every state write is conditional on the version that was read
// (optimistic concurrency). Side effects run at most once per event id
// through the dedup service, and a step is claimed by the delivery that
// started it so duplicate triggers are acknowledged without repeating it.
//
// Follow-up events get deterministic ids (envelope.Derive seeded with the
// workflow generation), so re-publishing after a crash is absorbed by
// deduplication downstream.
//
// The Orchestrator also implements retry.Failer: the scheduler calls Fail
// when a delivery exhausts its budget or hits a non-retryable error.
package orchestrator
