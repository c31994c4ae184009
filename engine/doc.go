// Package engine wires the callflow subsystems together and owns their
// lifecycle.
//
// Build takes the engine configuration and the external dependencies (the
// store backend, the bus and the collaborators) and assembles the
// extension registry, dedup and dead-letter services, the retry scheduler,
// the orchestrator and, optionally, the notifier and the ingestion poller.
//
// # Building an Engine
//
//	eng, err := engine.Build(callflow.DefaultConfig(), engine.Deps{
//	    Store:      pgStore,
//	    Bus:        redisBus,
//	    CRM:        crmClient,
//	    Source:     callSource,
//	    Recordings: s3Store,
//	},
//	    engine.WithLogger(logger),
//	    engine.WithNotifier(smtpSender, notify.WithRecipients("sales@example.com")),
//	    engine.WithIngest(ingest.WithExtensions("101"), ingest.WithSchedule("@every 5m")),
//	)
//
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Delivery pipeline
//
// Every subscription runs its handler behind the retry scheduler, which
// wraps the middleware chain recover → tracing → metrics → logging →
// correlation → timeout, followed by any [WithMiddleware] additions.
//
// # Options
//
//   - [WithLogger] sets the logger
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a delivery middleware
//   - [WithBackoff] overrides the retry backoff strategy
//   - [WithCRMRateLimit] throttles CRM calls
//   - [WithNotifier] consumes lead_processed
//   - [WithIngest] runs the call-log poller on the leader
//   - [WithTracerProvider] and [WithMeterProvider] override OTel globals
package engine
