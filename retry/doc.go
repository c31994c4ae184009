// Package retry decides what happens to a failed delivery.
//
// A [Scheduler] wraps a bus handler and classifies its error with
// callflow.KindOf:
//
//   - transient failures are redelivered to the same consumer group after a
//     backoff delay until the event type's attempt budget is spent, then the
//     delivery is exhausted;
//   - validation failures are dead-lettered immediately;
//   - business rule violations park the workflow in FAILED and are
//     dead-lettered;
//   - fatal failures are logged with full context, park the workflow in
//     FAILED, are dead-lettered and raise an alert.
//
// Exhaustion dead-letters the delivery with every accumulated failure
// reason, parks the workflow in FAILED and raises an alert.
package retry
