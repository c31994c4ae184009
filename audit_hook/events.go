package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook.
const (
	ActionWorkflowStarted   = "workflow.started"
	ActionStageChanged      = "workflow.stage_changed"
	ActionWorkflowCompleted = "workflow.completed"
	ActionWorkflowFailed    = "workflow.failed"
	ActionEventRetrying     = "event.retrying"
	ActionEventDeadLettered = "event.dead_lettered"
	ActionAlert             = "alert"
)

// Audit event categories.
const (
	CategoryWorkflow = "callflow.workflow"
	CategoryDelivery = "callflow.delivery"
	CategoryAlert    = "callflow.alert"
)

// Resource types.
const (
	ResourceWorkflow   = "workflow"
	ResourceEvent      = "event"
	ResourceDeadLetter = "dead_letter"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionWorkflowStarted,
		ActionStageChanged,
		ActionWorkflowCompleted,
		ActionWorkflowFailed,
		ActionEventRetrying,
		ActionEventDeadLettered,
		ActionAlert,
	}
}
