// Package workflow defines the durable per-call workflow state, the stage
// graph it moves along, and the store contract it is persisted through.
//
// A workflow is keyed by correlation id and created on the first
// call_logged for that call. Only the orchestrator mutates it, always with a
// conditional write on the version it loaded, so concurrent consumers on
// different instances never lose or duplicate a transition. Workflows are
// retained after reaching a terminal stage.
//
//	RECEIVED → LEAD_PENDING → LEAD_READY ─┬─ RECORDING_PENDING → RECORDING_READY ─┬─ NOTIFIED → COMPLETED
//	                                      └──────────────── missed call ──────────┘
//
// FAILED is reachable from every non-terminal stage.
package workflow
