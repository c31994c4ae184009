// Package ingest polls the call source and publishes call_logged events.
//
// A [Poller] runs on a cron schedule and only does work while this instance
// holds cluster leadership. Each run fetches the configured extensions
// concurrently over the window since the previous successful run, drops
// calls rejected by the optional CEL [Filter], and publishes one
// call_logged envelope per call. Event ids are derived from the call, so a
// call seen by two overlapping windows is published with the same id and
// processed once downstream.
//
// Filter expressions see a single variable, call, with the fields
// call_id, extension, direction, status, result, caller_number,
// start_time (timestamp), duration (int, seconds) and recording_id:
//
//	call.direction == "Inbound" && call.duration > 5
package ingest
