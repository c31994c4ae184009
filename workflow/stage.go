package workflow

// Stage is a position in the workflow graph.
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageLeadPending      Stage = "LEAD_PENDING"
	StageLeadReady        Stage = "LEAD_READY"
	StageRecordingPending Stage = "RECORDING_PENDING"
	StageRecordingReady   Stage = "RECORDING_READY"
	StageNotified         Stage = "NOTIFIED"
	StageCompleted        Stage = "COMPLETED"
	StageFailed           Stage = "FAILED"
)

// Stages lists every stage in graph order.
func Stages() []Stage {
	return []Stage{
		StageReceived, StageLeadPending, StageLeadReady, StageRecordingPending,
		StageRecordingReady, StageNotified, StageCompleted, StageFailed,
	}
}

var ranks = map[Stage]int{
	StageReceived:         1,
	StageLeadPending:      2,
	StageLeadReady:        3,
	StageRecordingPending: 4,
	StageRecordingReady:   5,
	StageNotified:         6,
	StageCompleted:        7,
}

var edges = map[Stage][]Stage{
	StageReceived:         {StageLeadPending},
	StageLeadPending:      {StageLeadReady},
	StageLeadReady:        {StageRecordingPending, StageNotified},
	StageRecordingPending: {StageRecordingReady},
	StageRecordingReady:   {StageNotified},
	StageNotified:         {StageCompleted},
}

// Valid reports whether s is a declared stage.
func (s Stage) Valid() bool {
	return s == StageFailed || ranks[s] > 0
}

// Rank orders stages along the success path. FAILED ranks 0 because it is
// off the path; use Terminal to test for it.
func (s Stage) Rank() int { return ranks[s] }

// Terminal reports whether no further progress is possible.
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// CanTransition reports whether the graph allows moving from one stage to
// another. Manual retry reopening a failed workflow is handled by
// State.Reopen and is not an edge here.
func CanTransition(from, to Stage) bool {
	if to == StageFailed {
		return !from.Terminal() && from.Valid()
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reached reports whether a workflow at s has already passed through
// target on the success path.
func (s Stage) Reached(target Stage) bool {
	if s == StageFailed || target == StageFailed {
		return s == target
	}
	return ranks[s] >= ranks[target]
}
