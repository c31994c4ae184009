// Package ext defines the extension system for callflow.
//
// Extensions are notified of workflow and delivery lifecycle events and can
// react to them: recording metrics, streaming to watchers, paging someone.
// Each hook is a separate interface so extensions opt in only to the
// events they care about.
//
//	type pager struct{}
//
//	func (pager) Name() string { return "pager" }
//
//	func (pager) OnAlert(ctx context.Context, a ext.Alert) error {
//	    return page(a.CorrelationID, a.Reason)
//	}
//
// Workflow hooks: [WorkflowStarted], [StageChanged], [WorkflowCompleted],
// [WorkflowFailed]. Delivery hooks: [EventRetrying], [EventDeadLettered].
// Others: [Alerter], [Shutdown].
//
// Hook errors are logged by the [Registry] and never propagated.
package ext
