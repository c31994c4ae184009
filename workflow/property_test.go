//go:build property

package workflow_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/inimical023/callflow/workflow"
)

// Any sequence of attempted transitions leaves a history whose success-path
// ranks never decrease, and a terminal workflow never moves again.
func TestStageProgressionIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	stages := workflow.Stages()
	properties.Property("stages never regress", prop.ForAll(
		func(steps []int) bool {
			st := newStateNoT()
			for _, i := range steps {
				before := st.Stage
				err := st.Advance(stages[i%len(stages)], now)
				if before.Terminal() && err == nil {
					return false
				}
			}
			last := 0
			for _, tr := range st.History {
				if tr.To == workflow.StageFailed {
					continue
				}
				if tr.To.Rank() < last {
					return false
				}
				last = tr.To.Rank()
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.Property("missed calls never enter recording stages", prop.ForAll(
		func(steps []int) bool {
			st := newStateNoT()
			missedPath := []workflow.Stage{
				workflow.StageLeadPending, workflow.StageLeadReady,
				workflow.StageNotified, workflow.StageCompleted,
			}
			for _, i := range steps {
				_ = st.Advance(missedPath[i%len(missedPath)], now)
			}
			for _, tr := range st.History {
				if tr.To == workflow.StageRecordingPending || tr.To == workflow.StageRecordingReady {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.Property("reopen returns to the failed stage only", prop.ForAll(
		func(advance int) bool {
			st := newStateNoT()
			path := []workflow.Stage{
				workflow.StageLeadPending, workflow.StageLeadReady,
				workflow.StageRecordingPending, workflow.StageRecordingReady,
				workflow.StageNotified,
			}
			for _, s := range path[:advance] {
				_ = st.Advance(s, now)
			}
			at := st.Stage
			_ = st.Fail(errors.New("boom"), now)
			if err := st.Reopen(now); err != nil {
				return false
			}
			return st.Stage == at
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func newStateNoT() *workflow.State {
	return workflow.NewState("call-p", nil, nil, now)
}
