package callsource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/envelope"
)

// Memory is an in-process Source. Failures can be injected per method.
type Memory struct {
	mu         sync.Mutex
	calls      []envelope.CallRecord
	recordings map[string]*Recording
	failures   map[string][]error

	fetchLogs       int
	fetchRecordings int
}

var _ Source = (*Memory)(nil)

// NewMemory returns an empty Memory source.
func NewMemory() *Memory {
	return &Memory{
		recordings: make(map[string]*Recording),
		failures:   make(map[string][]error),
	}
}

// AddCall registers a call. Calls without a Status get one from Result at
// fetch time.
func (m *Memory) AddCall(c envelope.CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// AddRecording registers recording content.
func (m *Memory) AddRecording(rec *Recording) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[rec.ID] = rec
}

// FailNext queues errs to be returned by the next calls of method
// ("FetchCallLogs" or "FetchRecording"), one per call.
func (m *Memory) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// Calls returns how many times each method was invoked.
func (m *Memory) Calls() (fetchLogs, fetchRecordings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchLogs, m.fetchRecordings
}

func (m *Memory) popFailure(method string) error {
	q := m.failures[method]
	if len(q) == 0 {
		return nil
	}
	m.failures[method] = q[1:]
	return q[0]
}

// FetchCallLogs implements Source.
func (m *Memory) FetchCallLogs(ctx context.Context, f Filter) ([]envelope.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, callflow.Transient("callsource.fetch_logs", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchLogs++
	if err := m.popFailure("FetchCallLogs"); err != nil {
		return nil, err
	}

	var out []envelope.CallRecord
	for _, c := range m.calls {
		if f.ExtensionID != "" && c.Extension != f.ExtensionID {
			continue
		}
		if !f.From.IsZero() && c.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.StartTime.Before(f.To) {
			continue
		}
		if c.Status == "" {
			status, ok := envelope.StatusFromResult(c.Result)
			if !ok {
				continue
			}
			c.Status = status
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// FetchRecording implements Source.
func (m *Memory) FetchRecording(ctx context.Context, recordingID string) (*Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, callflow.Transient("callsource.fetch_recording", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchRecordings++
	if err := m.popFailure("FetchRecording"); err != nil {
		return nil, err
	}
	rec, ok := m.recordings[recordingID]
	if !ok {
		return nil, callflow.Fatal("callsource.fetch_recording", fmt.Errorf("%w: %s", callflow.ErrRecordingNotFound, recordingID))
	}
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	return &c, nil
}
