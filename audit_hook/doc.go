// Package audithook is a callflow extension that writes lifecycle events to
// an audit trail.
//
// Workflow creation, stage changes, completion and failure, retried and
// dead-lettered deliveries, and operator alerts each produce a structured
// [AuditEvent] handed to a [Recorder]. Severity is info for progress, warning
// for retries and critical for terminal failures.
//
// # Logging recorder
//
//	eng, _ := engine.Build(cfg, deps,
//	    engine.WithExtension(audithook.New(audithook.SlogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionWorkflowFailed,
//	        audithook.ActionEventDeadLettered,
//	    ),
//	)
package audithook
